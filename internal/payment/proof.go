// Package payment implements signed payment proofs: creation on the payer
// side, verification with replay protection on the payee side, and the
// received-payment set both sides of a settlement agree on.
package payment

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/eip191"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/idgen"
	"github.com/mbd888/trustmesh/internal/usdc"
)

var (
	ErrPaymentNotFound   = errkind.New(errkind.NotFound, "payment: payment not found")
	ErrMalformedProof    = errkind.New(errkind.Validation, "payment: malformed proof")
	ErrTimestampInFuture = errkind.New(errkind.Validation, "payment: timestamp in future")
	ErrRecipientMismatch = errkind.New(errkind.Validation, "payment: recipient mismatch")
	ErrInvalidSignature  = errkind.New(errkind.Signature, "payment: invalid signature")
	ErrExpired           = errkind.New(errkind.Expired, "payment: expired")
	ErrAlreadyProcessed  = errkind.New(errkind.Replay, "payment: already processed")
	ErrInvalidTransition = errkind.New(errkind.Validation, "payment: invalid status transition")
	ErrSignerMismatch    = errkind.New(errkind.Validation, "payment: signing key does not belong to sender")
)

// messagePrefix domain-separates payment signatures from other personal
// messages the same key may sign.
const messagePrefix = "trustmesh-payment"

// Proof is a payer's signed promise to transfer Amount to Recipient.
type Proof struct {
	PaymentID string `json:"paymentId"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Request describes a payment before it is signed.
type Request struct {
	PaymentID string `json:"paymentId,omitempty"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// CanonicalMessage is the exact text the sender signs.
func CanonicalMessage(paymentID, amount, currency, sender, recipient string, timestamp int64) string {
	return strings.Join([]string{
		messagePrefix,
		paymentID,
		amount,
		strings.ToUpper(currency),
		strings.ToLower(sender),
		strings.ToLower(recipient),
		strconv.FormatInt(timestamp, 10),
	}, "|")
}

// Message returns the canonical message of p.
func (p *Proof) Message() string {
	return CanonicalMessage(p.PaymentID, p.Amount, p.Currency, p.Sender, p.Recipient, p.Timestamp)
}

// IssuedAt returns the proof timestamp as a time.
func (p *Proof) IssuedAt() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// Encode serializes p as unpadded base64url JSON, suitable for headers.
func Encode(p *Proof) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("payment: encode proof: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses the output of Encode.
func Decode(s string) (*Proof, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return &p, nil
}

// Signer creates proofs on behalf of one payer key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
	now     func() time.Time
}

// NewSigner returns a signer for key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: eip191.Address(key), now: time.Now}
}

// WithClock overrides time.Now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Address is the lowercase address proofs are signed by.
func (s *Signer) Address() string { return s.address }

// CreateProof signs req. A missing payment id is generated, a missing
// sender defaults to the signer address, and the amount is normalized to
// six decimals before signing.
func (s *Signer) CreateProof(req Request) (*Proof, error) {
	sender := strings.ToLower(strings.TrimSpace(req.Sender))
	if sender == "" {
		sender = s.address
	}
	if sender != s.address {
		return nil, ErrSignerMismatch
	}
	amount, err := usdc.Parse(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrMalformedProof, err)
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		paymentID = idgen.PaymentID()
	}

	p := &Proof{
		PaymentID: paymentID,
		Amount:    usdc.Format(amount),
		Currency:  strings.ToUpper(strings.TrimSpace(req.Currency)),
		Sender:    sender,
		Recipient: strings.ToLower(strings.TrimSpace(req.Recipient)),
		Timestamp: s.now().Unix(),
	}
	if p.Currency == "" {
		p.Currency = "USDC"
	}
	sig, err := eip191.Sign(s.key, p.Message())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p, nil
}
