// Package l402 implements the micropayment challenge protocol: a 402
// response pairing a Lightning-style invoice with a macaroon-style bearer
// credential, and the confirmation flow where clients present
// credential:preimage to prove payment.
package l402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pressgate "github.com/pressgate/pressgate"
)

// AuthScheme is the Authorization scheme clients resubmit with.
const AuthScheme = "L402 "

// Credential is the decoded body of a minted macaroon. Scoped to exactly
// one invoice via the payment hash.
type Credential struct {
	PaymentHash string    `json:"paymentHash"`
	OfferID     string    `json:"offerId"`
	DomainID    string    `json:"domainId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Minter mints and verifies opaque bearer credentials. The wire form is
// base64url(body).base64url(hmac-sha256(body)).
type Minter struct {
	secret []byte
}

// NewMinter builds a minter over the shared signing secret.
func NewMinter(secret []byte) *Minter {
	return &Minter{secret: secret}
}

// Mint encodes and signs a credential.
func (m *Minter) Mint(c Credential) (string, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("l402: encode credential: %w", err)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify decodes token and checks its signature. Expiry of the credential
// itself is checked lazily by the caller against the payment, not here.
func (m *Minter) Verify(token string) (Credential, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Credential{}, pressgate.ErrValidation("credential is not in body.signature form").
			WithRemediation("present the credential exactly as issued in the challenge")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Credential{}, pressgate.ErrValidation("credential body is not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Credential{}, pressgate.ErrValidation("credential signature is not base64url")
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Credential{}, pressgate.NewError(pressgate.CodeInvalidCredentials,
			"credential signature does not verify", 403)
	}
	var c Credential
	if err := json.Unmarshal(body, &c); err != nil {
		return Credential{}, pressgate.ErrValidation("credential body is not readable")
	}
	return c, nil
}

// ParseAuthorization splits an `Authorization: L402 <credential>:<preimage>`
// header. Parsing is strict: a missing prefix, anything other than exactly
// one colon separator, or an empty side after trimming all mean "no
// credentials supplied" — never partial credentials.
func ParseAuthorization(header string) (credential, preimage string, err error) {
	if !strings.HasPrefix(header, AuthScheme) {
		return "", "", pressgate.NewError(pressgate.CodeMalformedCredentials,
			"Authorization header is not an L402 credential", 400).
			WithRemediation("send `Authorization: L402 <credential>:<preimage>`")
	}
	rest := header[len(AuthScheme):]
	if strings.Count(rest, ":") != 1 {
		return "", "", pressgate.NewError(pressgate.CodeMalformedCredentials,
			"L402 credentials must contain exactly one `:` separator", 400).
			WithRemediation("send `Authorization: L402 <credential>:<preimage>`")
	}
	idx := strings.Index(rest, ":")
	credential = strings.TrimSpace(rest[:idx])
	preimage = strings.TrimSpace(rest[idx+1:])
	if credential == "" || preimage == "" {
		return "", "", pressgate.NewError(pressgate.CodeMalformedCredentials,
			"L402 credential and preimage must both be non-empty", 400).
			WithRemediation("send `Authorization: L402 <credential>:<preimage>`")
	}
	return credential, preimage, nil
}
