// Package gateway deduplicates concurrent executions of the same request.
//
// The first caller for an idempotency key claims it and runs the work; every
// other caller with the same key either replays the published result or polls
// until it appears. Claims live in a ClaimStore so the guarantee holds across
// processes when the store is shared (PostgreSQL, Redis).
//
//	Claim ──won──▶ owner: work ─ok─▶ Publish ──▶ result
//	  │                  └─err─▶ Release ──▶ error
//	  └─lost─▶ resolved? ──yes──▶ replay
//	               └─no──▶ waiter: poll Get until resolved, vanished, abandoned or out of retries
package gateway
