// Package commerce runs buyer orders end to end: discover sellers by
// capability, rank them by trust and price, pay the best affordable one,
// have the seller verify the payment, optionally settle it, and leave
// feedback that cites the payment.
//
// An order is persisted after every completed step. A crashed or
// interrupted order resumes from its last completed step instead of
// starting over, so a payment is never signed or verified twice.
package commerce

import (
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/payment"
)

var (
	ErrOrderNotFound   = errkind.New(errkind.NotFound, "commerce: order not found")
	ErrNoCandidates    = errkind.New(errkind.NotFound, "commerce: no agent offers the capability")
	ErrBudgetExceeded  = errkind.New(errkind.BudgetExceeded, "commerce: no candidate within budget")
	ErrInvalidOrder    = errkind.New(errkind.Validation, "commerce: invalid order request")
	ErrNoSigner        = errkind.New(errkind.Validation, "commerce: no signing key for buyer")
	ErrWrongRole       = errkind.New(errkind.Validation, "commerce: role cannot perform step")
	ErrNotResumable    = errkind.New(errkind.Validation, "commerce: order cannot be resumed")
	ErrNotCancellable  = errkind.New(errkind.Validation, "commerce: order already finished")
	ErrOrderRunning    = errkind.New(errkind.Validation, "commerce: order is already running")
	ErrPaymentRejected = errkind.New(errkind.Validation, "commerce: seller rejected payment")
)

// RoleKind tags what a party may do in an order.
type RoleKind string

const (
	RoleBuyer  RoleKind = "buyer"
	RoleSeller RoleKind = "seller"
)

// Role is one party of an order. Buyers sign payments, sellers verify
// them.
type Role struct {
	Kind    RoleKind `json:"kind"`
	AgentID string   `json:"agentId"`
	Address string   `json:"address"`
	Name    string   `json:"name,omitempty"`
}

// Buyer returns a buyer role.
func Buyer(agentID, address string) Role {
	return Role{Kind: RoleBuyer, AgentID: agentID, Address: address}
}

// Seller returns a seller role.
func Seller(agentID, address, name string) Role {
	return Role{Kind: RoleSeller, AgentID: agentID, Address: address, Name: name}
}

// Step is a stage of the order pipeline, in execution order.
type Step string

const (
	StepCreated   Step = "created"
	StepSelected  Step = "selected"
	StepPaid      Step = "paid"
	StepVerified  Step = "verified"
	StepSettled   Step = "settled"
	StepDelivered Step = "delivered"
	StepReviewed  Step = "reviewed"
)

var pipeline = []Step{StepCreated, StepSelected, StepPaid, StepVerified, StepSettled, StepDelivered, StepReviewed}

func (s Step) index() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// Next is the step after s, or "" after the last one.
func (s Step) Next() Step {
	i := s.index()
	if i < 0 || i+1 >= len(pipeline) {
		return ""
	}
	return pipeline[i+1]
}

// Reached reports whether s is at or past other.
func (s Step) Reached(other Step) bool {
	return s.index() >= other.index()
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted_after_payment"
)

// IsTerminal reports whether no further step will run without Resume.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Candidate is a ranked seller.
type Candidate struct {
	AgentID    string `json:"agentId"`
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Price      string `json:"price"`
	TrustScore int    `json:"trustScore"`
	Affordable bool   `json:"affordable"`
}

// Failure explains why an order stopped.
type Failure struct {
	Step   Step         `json:"step"`
	Kind   errkind.Kind `json:"kind"`
	Reason string       `json:"reason"`
}

// Request places an order.
type Request struct {
	BuyerAgentID string `json:"buyerAgentId"`
	Capability   string `json:"capability"`
	Budget       string `json:"budget"`
	Rating       int    `json:"rating,omitempty"`
	Comment      string `json:"comment,omitempty"`
	Settle       bool   `json:"settle,omitempty"`
}

// Order is the persisted state of one purchase.
type Order struct {
	ID           string         `json:"id"`
	Capability   string         `json:"capability"`
	Budget       string         `json:"budget"`
	Rating       int            `json:"rating"`
	Comment      string         `json:"comment,omitempty"`
	Settle       bool           `json:"settle"`
	Buyer        Role           `json:"buyer"`
	Seller       *Role          `json:"seller,omitempty"`
	Price        string         `json:"price,omitempty"`
	Candidates   []Candidate    `json:"candidates,omitempty"`
	Proof        *payment.Proof `json:"proof,omitempty"`
	SettlementTx string         `json:"settlementTx,omitempty"`
	FeedbackID   string         `json:"feedbackId,omitempty"`
	Step         Step           `json:"step"`
	Status       Status         `json:"status"`
	Failure      *Failure       `json:"failure,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// PaymentID is the id of the order's payment, empty before it is signed.
func (o *Order) PaymentID() string {
	if o.Proof == nil {
		return ""
	}
	return o.Proof.PaymentID
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	if o.Seller != nil {
		s := *o.Seller
		c.Seller = &s
	}
	if o.Proof != nil {
		p := *o.Proof
		c.Proof = &p
	}
	if o.Failure != nil {
		f := *o.Failure
		c.Failure = &f
	}
	c.Candidates = append([]Candidate(nil), o.Candidates...)
	return &c
}
