// Package x402 implements the x402 payment-gate protocol types used by the
// Aegis402 clearinghouse: 402 response envelopes, payment requirements, and
// the embedded payment submission clients attach to gated requests.
package x402

import (
	"encoding/json"
	"fmt"
)

// Version is the x402 protocol version this server speaks.
const Version = 1

// SchemeExact requires payment of exactly MaxAmountRequired.
const SchemeExact = "exact"

// Purpose discriminators carried in PaymentRequirements.Extra.
const (
	PurposeStake     = "stake"
	PurposeSlashBond = "slash_bond"
)

// PaymentRequirements describes one way a caller can pay to unlock a gated
// resource. Returned inside 402 responses and echoed back by clients inside
// a PaymentSubmission.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType,omitempty"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Purpose returns the extra.purpose discriminator ("stake", "slash_bond"),
// or empty if unset.
func (r *PaymentRequirements) Purpose() string {
	if r == nil || r.Extra == nil {
		return ""
	}
	return r.Extra["purpose"]
}

// PaymentRequiredResponse is the JSON body of a 402 Payment Required response.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// NewPaymentRequired builds a 402 envelope with the given requirements.
func NewPaymentRequired(errMsg string, accepts ...PaymentRequirements) *PaymentRequiredResponse {
	return &PaymentRequiredResponse{
		X402Version: Version,
		Accepts:     accepts,
		Error:       errMsg,
	}
}

// PaymentSubmission carries a signed payment payload plus the requirements it
// claims to satisfy. Clients embed it in otherwise-normal request bodies; the
// payload itself is opaque to the clearinghouse and forwarded verbatim to the
// facilitator.
type PaymentSubmission struct {
	Payload      json.RawMessage      `json:"payment_payload,omitempty"`
	Requirements *PaymentRequirements `json:"requirements,omitempty"`
}

// Present reports whether the submission actually carries a payment.
func (s *PaymentSubmission) Present() bool {
	return s != nil && len(s.Payload) > 0 && s.Requirements != nil
}

// ExtractSubmission pulls an embedded payment submission out of a JSON request
// body. Unknown fields are ignored. A body with no submission returns
// (nil, nil); absence is not an error.
func ExtractSubmission(body []byte) (*PaymentSubmission, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var s PaymentSubmission
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("parse payment submission: %w", err)
	}
	if !s.Present() {
		return nil, nil
	}
	return &s, nil
}
