package apix

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// Header names used by the 402 challenge.
const (
	HeaderWWWAuthenticate = "WWW-Authenticate"
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
)

// ChallengeDocument is the machine-readable payment instruction carried
// base64-encoded in the PAYMENT-REQUIRED header.
type ChallengeDocument struct {
	Version     string      `json:"version"`
	RequestID   string      `json:"request_id"`
	ChainID     int64       `json:"chain_id"`
	Network     string      `json:"network,omitempty"`
	PaymentInfo PaymentInfo `json:"payment_info"`
}

// ChallengeBody is the JSON response body mirroring the headers for
// clients that cannot read them.
type ChallengeBody struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Details ChallengeDetails `json:"details"`
}

// ChallengeDetails is the details object of a challenge body.
type ChallengeDetails struct {
	RequestID   string      `json:"request_id"`
	ChainID     int64       `json:"chain_id"`
	Network     string      `json:"network,omitempty"`
	PaymentInfo PaymentInfo `json:"payment_info"`
}

// Challenge is a fully rendered "payment required" response: headers plus
// body, ready for any transport adapter to write with status 402.
type Challenge struct {
	Headers map[string]string
	Body    ChallengeBody
}

// NewChallenge renders the standardized 402 challenge for details. It is
// stateless and side-effect-free apart from defaulting a missing request
// id to a fresh UUID.
func NewChallenge(details PaymentDetails) Challenge {
	if details.RequestID == "" {
		details.RequestID = uuid.NewString()
	}

	info := PaymentInfo{
		Currency:  details.Currency,
		Amount:    details.Amount,
		AmountWei: details.AmountWei,
		Recipient: details.Recipient,
	}
	doc := ChallengeDocument{
		Version:     ProtocolVersion,
		RequestID:   details.RequestID,
		ChainID:     details.ChainID,
		Network:     details.Network,
		PaymentInfo: info,
	}
	encoded, _ := json.Marshal(doc)

	authenticate := fmt.Sprintf(
		`Apix realm="Apix Protected", request_id=%q, price=%q, currency=%q, pay_to=%q`,
		details.RequestID, details.Amount, details.Currency, details.Recipient,
	)

	return Challenge{
		Headers: map[string]string{
			HeaderWWWAuthenticate: authenticate,
			HeaderPaymentRequired: base64.StdEncoding.EncodeToString(encoded),
		},
		Body: ChallengeBody{
			Error:   "Payment Required",
			Message: "Payment Required. Please check WWW-Authenticate header or body for details.",
			Details: ChallengeDetails{
				RequestID:   details.RequestID,
				ChainID:     details.ChainID,
				Network:     details.Network,
				PaymentInfo: info,
			},
		},
	}
}

// challengeSchema constrains decoded PAYMENT-REQUIRED documents.
const challengeSchema = `{
	"type": "object",
	"required": ["version", "request_id", "chain_id", "payment_info"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"request_id": {"type": "string", "minLength": 1},
		"chain_id": {"type": "integer"},
		"network": {"type": "string"},
		"payment_info": {
			"type": "object",
			"required": ["currency", "amount", "recipient"],
			"properties": {
				"currency": {"type": "string"},
				"amount": {"type": "string"},
				"amount_wei": {"type": "string"},
				"recipient": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var challengeSchemaLoader = gojsonschema.NewStringLoader(challengeSchema)

// DecodeChallengeHeader decodes and validates a PAYMENT-REQUIRED header
// value, returning the embedded challenge document. Clients use this to
// discover how to pay and retry.
func DecodeChallengeHeader(header string) (*ChallengeDocument, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode payment-required header: %w", err)
	}

	result, err := gojsonschema.Validate(challengeSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate payment-required header: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("invalid payment-required header: %s", result.Errors()[0])
	}

	var doc ChallengeDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse payment-required header: %w", err)
	}
	return &doc, nil
}
