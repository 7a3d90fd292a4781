package payment

import (
	"context"
	"time"
)

// Received is one entry of a payee's received-payment set.
type Received struct {
	PaymentID     string     `json:"paymentId"`
	Sender        string     `json:"sender"`
	Recipient     string     `json:"recipient"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	TxID          string     `json:"txId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	VerifiedAt    time.Time  `json:"verifiedAt"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

// ReceivedFromProof builds a verified entry for p.
func ReceivedFromProof(p *Proof, at time.Time) *Received {
	return &Received{
		PaymentID:  p.PaymentID,
		Sender:     p.Sender,
		Recipient:  p.Recipient,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Status:     StatusVerified,
		VerifiedAt: at,
	}
}

// Store is the received-payment set. Insert must be atomic: of any number
// of concurrent inserts for one payment id exactly one reports true.
type Store interface {
	Insert(ctx context.Context, r *Received) (bool, error)
	Get(ctx context.Context, paymentID string) (*Received, error)
	Has(ctx context.Context, paymentID string) (bool, error)
	MarkSettled(ctx context.Context, paymentID, txID string, at time.Time) error
	MarkFailed(ctx context.Context, paymentID, reason string, at time.Time) error
}
