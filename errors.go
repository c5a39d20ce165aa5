package pressgate

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the typed shape every service method returns at its boundary.
// Nothing crosses into a protocol adapter as an untyped failure.
type Error struct {
	Code        string         `json:"code"`
	Message     string         `json:"error"`
	Remediation string         `json:"remediation,omitempty"`
	HTTPStatus  int            `json:"-"`
	Context     map[string]any `json:"context,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes. The uppercase codes are wire-visible on the REST surface.
const (
	CodeAPIKeyRequired         = "API_KEY_REQUIRED"
	CodeOfferNotFound          = "OFFER_NOT_FOUND"
	CodePaymentNotFound        = "PAYMENT_NOT_FOUND"
	CodeEntitlementNotFound    = "ENTITLEMENT_NOT_FOUND"
	CodeProviderUnavailable    = "PAYMENT_PROVIDER_UNAVAILABLE"
	CodeMalformedCredentials   = "MALFORMED_CREDENTIALS"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeSettlementPending      = "SETTLEMENT_PENDING"
	CodePaymentExpired         = "PAYMENT_EXPIRED"
	CodePaymentFailed          = "PAYMENT_FAILED"
	CodeLedgerTransition       = "LEDGER_TRANSITION_INVALID"
	CodeEntitlementAmbiguous   = "ENTITLEMENT_AMBIGUOUS"
	CodeEntitlementExpired     = "entitlement_expired"
	CodeReadsExhausted         = "remaining_reads_exhausted"
	CodeRaceExhaustion         = "race_condition_exhaustion"
	CodeDelegationInsufficient = "DELEGATION_INSUFFICIENT_READS"
	CodeDelegationInactive     = "DELEGATION_SOURCE_INACTIVE"
	CodePolicyDenied           = "POLICY_DENIED"
	CodeValidation             = "VALIDATION_FAILED"
	CodeWebhookUnauthorized    = "WEBHOOK_SIGNATURE_INVALID"
)

// NewError builds a typed error.
func NewError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// WithRemediation attaches a remediation hint and returns the error.
func (e *Error) WithRemediation(r string) *Error {
	e.Remediation = r
	return e
}

// WithContext attaches machine-readable context and returns the error.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// AsError unwraps err into an *Error, or wraps it as an internal error so
// adapters always have a typed shape to render.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: "INTERNAL", Message: err.Error(), HTTPStatus: http.StatusInternalServerError}
}

// Common constructors for the error classes in the taxonomy.

func ErrNotFound(code, message string) *Error {
	return NewError(code, message, http.StatusNotFound)
}

func ErrConflict(code, message string) *Error {
	return NewError(code, message, http.StatusConflict)
}

func ErrPaymentRequired(code, message string) *Error {
	return NewError(code, message, http.StatusPaymentRequired)
}

func ErrValidation(message string) *Error {
	return NewError(CodeValidation, message, http.StatusBadRequest)
}

func ErrUpstream(message string) *Error {
	return NewError(CodeProviderUnavailable, message, http.StatusServiceUnavailable)
}

// ErrDuplicateEvent marks a (provider, eventId) pair that was already
// recorded. Duplicate deliveries are acknowledged, never treated as errors.
var ErrDuplicateEvent = errors.New("pressgate: duplicate provider event")

// ErrNoRows marks a store lookup that matched nothing.
var ErrNoRows = errors.New("pressgate: no rows")
