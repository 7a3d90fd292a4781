package payment

import (
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/mbd888/trustmesh/internal/security"
	"github.com/mbd888/trustmesh/internal/usdc"
)

// DefaultCurrencies is the allow-list used when none is configured.
var DefaultCurrencies = []string{"USDC"}

// Validator checks the structure of a proof before any cryptography runs.
type Validator struct {
	maxAmount  *big.Int
	currencies []string
}

// NewValidator creates a validator. maxAmount may be empty for no
// ceiling; an empty currencies list means DefaultCurrencies.
func NewValidator(maxAmount string, currencies []string) (*Validator, error) {
	v := &Validator{currencies: DefaultCurrencies}
	if len(currencies) > 0 {
		v.currencies = make([]string, len(currencies))
		for i, c := range currencies {
			v.currencies[i] = strings.ToUpper(strings.TrimSpace(c))
		}
	}
	if strings.TrimSpace(maxAmount) != "" {
		m, err := usdc.Parse(maxAmount)
		if err != nil {
			return nil, fmt.Errorf("payment: max amount: %w", err)
		}
		v.maxAmount = m
	}
	return v, nil
}

// Validate returns an ErrMalformedProof describing the first problem
// found, or nil.
func (v *Validator) Validate(p *Proof) error {
	if p == nil {
		return fmt.Errorf("%w: proof is required", ErrMalformedProof)
	}
	if errs := security.Check(
		security.Required("paymentId", p.PaymentID),
		security.Required("amount", p.Amount),
		security.Required("currency", p.Currency),
		security.Required("sender", p.Sender),
		security.Required("recipient", p.Recipient),
		security.Required("signature", p.Signature),
		security.ValidAddress("sender", p.Sender),
		security.ValidAddress("recipient", p.Recipient),
		security.MaxLength("paymentId", p.PaymentID, 128),
	); errs != nil {
		return fmt.Errorf("%w: %v", ErrMalformedProof, errs)
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedProof)
	}
	if !security.IsValidHex(p.Signature) {
		return fmt.Errorf("%w: signature must be 0x hex", ErrMalformedProof)
	}

	amount, err := usdc.Parse(p.Amount)
	if err != nil {
		return fmt.Errorf("%w: amount: %v", ErrMalformedProof, err)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrMalformedProof)
	}
	if v.maxAmount != nil && amount.Cmp(v.maxAmount) > 0 {
		return fmt.Errorf("%w: amount exceeds maximum %s", ErrMalformedProof, usdc.Format(v.maxAmount))
	}
	if !slices.Contains(v.currencies, strings.ToUpper(p.Currency)) {
		return fmt.Errorf("%w: currency %q not accepted", ErrMalformedProof, p.Currency)
	}
	return nil
}
