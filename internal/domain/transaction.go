package domain

import (
	"time"
)

// AllocationStatus is the lifecycle state of a transaction. Transitions are
// strictly forward: unallocated -> allocated -> reversed.
type AllocationStatus string

const (
	StatusUnallocated AllocationStatus = "unallocated"
	StatusAllocated   AllocationStatus = "allocated"
	StatusReversed    AllocationStatus = "reversed"
)

// TargetKind identifies what an allocation binds a transaction to.
type TargetKind string

const (
	TargetMember TargetKind = "member"
	TargetGroup  TargetKind = "group"
)

// Transaction is a monetary movement extracted from a MoMo notification.
type Transaction struct {
	ID            string `json:"id"`
	InstitutionID string `json:"institutionId"`

	// AmountMinor is the amount in integer minor units (RWF has no minor
	// unit, so 50,000 RWF is stored as 50000). Never a float.
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`

	// Counterparty identity, as extracted from the message text.
	PayerName  string `json:"payerName,omitempty"`
	PayerPhone string `json:"payerPhone,omitempty"`

	// MomoReference is the network's transaction id; InternalReference is
	// ours, printed on receipts.
	MomoReference     string `json:"momoReference,omitempty"`
	InternalReference string `json:"internalReference,omitempty"`

	Status     AllocationStatus `json:"status"`
	Confidence float64          `json:"confidence"`

	// RawMessageID links back to the SMS this transaction was parsed from.
	// Empty for transactions entered through other channels.
	RawMessageID string `json:"rawMessageId,omitempty"`

	MemberID    string     `json:"memberId,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	AllocatedAt *time.Time `json:"allocatedAt,omitempty"`

	ReversalReason string     `json:"reversalReason,omitempty"`
	ReversedAt     *time.Time `json:"reversedAt,omitempty"`

	// DuplicateDismissed marks a transaction an operator has ruled out as a
	// duplicate; the detector skips it from then on.
	DuplicateDismissed bool `json:"duplicateDismissed,omitempty"`

	OccurredAt time.Time `json:"occurredAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AllocationTarget identifies the member or group receiving an allocation.
type AllocationTarget struct {
	Kind TargetKind
	ID   string
}

// CheckAllocationInvariant verifies the core data invariant: a transaction is
// allocated iff exactly one target id and allocated_at are set.
func (t *Transaction) CheckAllocationInvariant() bool {
	hasTarget := (t.MemberID != "") != (t.GroupID != "")
	switch t.Status {
	case StatusAllocated, StatusReversed:
		return hasTarget && t.AllocatedAt != nil
	default:
		return t.MemberID == "" && t.GroupID == "" && t.AllocatedAt == nil
	}
}
