package httpapi

import (
	"github.com/louisbranch/nyra/internal/services/connect/notify"
)

const outcomeScriptID = "nyra-oauth-outcome"

type callbackView struct {
	Outcome notify.Outcome
	// TargetOrigin limits which opener may read the outcome. Empty means
	// the callback page's own origin.
	TargetOrigin string
}

func (v callbackView) title() string {
	if v.Outcome.Success {
		return "Account connected"
	}
	return "Connection failed"
}

func (v callbackView) message() string {
	if v.Outcome.Success {
		return "You can close this window and return to NYRA."
	}
	return "Return to NYRA and try connecting again."
}

func (v callbackView) payload() outcomeMessage {
	return outcomeMessage{Type: "nyra:oauth", Outcome: v.Outcome, TargetOrigin: v.TargetOrigin}
}

type outcomeMessage struct {
	Type         string         `json:"type"`
	Outcome      notify.Outcome `json:"outcome"`
	TargetOrigin string         `json:"target_origin,omitempty"`
}
