package relay

import "strings"

// RedirectRequest is the /redirect payload forwarded to Qualtrix.
type RedirectRequest struct {
	SurveyID        string `json:"surveyId" validate:"required"`
	TargetSurveyID  string `json:"targetSurveyId" validate:"required"`
	RulesConsentID  string `json:"RulesConsentID" validate:"required"`
	SurveyswapID    string `json:"SurveyswapID" validate:"required"`
	SurveyswapGroup string `json:"SurveyswapGroup" validate:"required"`
	UTMCampaign     string `json:"utm_campaign" validate:"required"`
	UTMMedium       string `json:"utm_medium" validate:"required"`
	UTMSource       string `json:"utm_source" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	FirstName       string `json:"firstName" validate:"required"`
	LastName        string `json:"lastName" validate:"required"`
}

// DedupKey identifies one participant's redirect into one target survey.
func (r RedirectRequest) DedupKey() string {
	return strings.TrimSpace(r.TargetSurveyID) + ":" + strings.ToLower(strings.TrimSpace(r.Email))
}

// SurveyResponse is the /export/survey-response payload forwarded to the GDrive exporter.
type SurveyResponse struct {
	SurveyID    string         `json:"surveyId" validate:"required"`
	ResponseID  string         `json:"responseId" validate:"required"`
	Participant map[string]any `json:"participant,omitempty"`
}
