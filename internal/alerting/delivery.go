package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cespare/xxhash/v2"
)

// Outcome classifies one delivery attempt.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeTransient Outcome = "transient_failure"
	OutcomeGone      Outcome = "permanently_invalid"
)

// Deliverer pushes an opaque payload to one subscription endpoint.
// Credentials are round-tripped without interpretation by the engine.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, keys json.RawMessage, payload []byte) (Outcome, error)
}

// classifyStatus maps a push service response code to an outcome.
func classifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSent
	case code == http.StatusNotFound, code == http.StatusGone:
		return OutcomeGone
	default:
		return OutcomeTransient
	}
}

// Fingerprint identifies an endpoint in logs and audit records without exposing it.
func Fingerprint(endpoint string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(endpoint))
}

// Message is the push payload understood by the client service worker.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
}

// Encode marshals the message.
func (m Message) Encode() []byte {
	// a struct of strings cannot fail to marshal
	b, _ := json.Marshal(m)
	return b
}
