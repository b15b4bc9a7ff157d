package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type values.
const (
	EntryTrialDebit      = "trial_debit"
	EntryCreditDebit     = "credit_debit"
	EntryRefund          = "refund"
	EntryActivationGrant = "activation_grant"
	EntryInviteGrant     = "invite_grant"
)

// Credit classes a debit or refund applies to.
const (
	ClassTrial     = "trial"
	ClassPurchased = "purchased"
)

// Usage modes recorded on debits.
const (
	ModeGeneral = "general"
	ModeLegal   = "legal"
)

// LedgerEntry is one append-only audit row. Debits and refunds move one unit;
// grants carry the credited amount. Reference holds the code for grants and
// the refunded debit id for refunds.
type LedgerEntry struct {
	ID                      uuid.UUID  `json:"id"`
	Fingerprint             string     `json:"fingerprint"`
	EntryType               string     `json:"entryType"`
	CreditClass             string     `json:"creditClass"`
	Amount                  int        `json:"amount"`
	Reference               string     `json:"reference,omitempty"`
	Mode                    string     `json:"mode,omitempty"`
	TrialRemainingAfter     int        `json:"trialRemainingAfter"`
	PurchasedRemainingAfter int        `json:"purchasedRemainingAfter"`
	RefundedBy              *uuid.UUID `json:"refundedBy,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
}

// IsDebit reports whether the entry consumed a unit.
func (e *LedgerEntry) IsDebit() bool {
	return e.EntryType == EntryTrialDebit || e.EntryType == EntryCreditDebit
}
