// Package httpjson holds the JSON envelope helpers shared by the HTTP handlers.
package httpjson

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// ErrEmptyBody is returned by Decode when the request carries no body.
var ErrEmptyBody = errors.New("empty body")

// Envelope is the response shape used by every token and relay endpoint.
type Envelope struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	AuthToken string  `json:"auth_token,omitempty"`
	State     *string `json:"state,omitempty"`
}

// Write encodes v with the given status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Success writes {"status":"success","message":msg}.
func Success(w http.ResponseWriter, status int, msg string) {
	Write(w, status, Envelope{Status: "success", Message: msg})
}

// Fail writes {"status":"fail","message":msg}.
func Fail(w http.ResponseWriter, status int, msg string) {
	Write(w, status, Envelope{Status: "fail", Message: msg})
}

// Decode reads exactly one JSON object of at most maxBytes into dst.
// Unknown fields are ignored; existing clients send extra survey metadata.
func Decode(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
