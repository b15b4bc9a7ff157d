package models

import (
	"time"

	"github.com/google/uuid"
)

// Activation code kinds. Kind is a label only; it does not change redemption.
const (
	KindPurchase = "purchase"
	KindInvite   = "invite"
	KindTrial    = "trial"
	KindAdmin    = "admin"
)

// ValidKind reports whether k is a known activation code kind.
func ValidKind(k string) bool {
	switch k {
	case KindPurchase, KindInvite, KindTrial, KindAdmin:
		return true
	}
	return false
}

// Code status values. Invite codes only use active and used.
const (
	CodeStatusActive  = "active"
	CodeStatusUsed    = "used"
	CodeStatusExpired = "expired"
	CodeStatusRevoked = "revoked"
)

// ValidStatus reports whether s is a known code status.
func ValidStatus(s string) bool {
	switch s {
	case CodeStatusActive, CodeStatusUsed, CodeStatusExpired, CodeStatusRevoked:
		return true
	}
	return false
}

type ActivationCode struct {
	Code                 string     `json:"code"`
	Kind                 string     `json:"kind"`
	Status               string     `json:"status"`
	CreditsPerRedemption int        `json:"creditsPerRedemption"`
	MaxRedemptions       int        `json:"maxRedemptions"`
	RedemptionCount      int        `json:"redemptionCount"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
	// Metadata is stored and returned verbatim; nothing in the ledger reads it.
	Metadata  []byte    `json:"-"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExpiredAt reports whether the code has an expiry at or before now.
func (c *ActivationCode) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Redemption binds one activation code to one device.
type Redemption struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	Fingerprint    string    `json:"fingerprint"`
	CreditsGranted int       `json:"creditsGranted"`
	RedeemedAt     time.Time `json:"redeemedAt"`
	LastUsedAt     time.Time `json:"lastUsedAt"`
}

type InviteCode struct {
	Code               string     `json:"code"`
	CreatorFingerprint string     `json:"creatorFingerprint"`
	CreditsPerUse      int        `json:"creditsPerUse"`
	Status             string     `json:"status"`
	UsedByFingerprint  *string    `json:"usedByFingerprint,omitempty"`
	UsedAt             *time.Time `json:"usedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// InviteRedemption is the audit row for a used invite code. An invitee
// fingerprint appears at most once across all rows.
type InviteRedemption struct {
	ID                 uuid.UUID `json:"id"`
	InviteCode         string    `json:"inviteCode"`
	InviterFingerprint string    `json:"inviterFingerprint"`
	InviteeFingerprint string    `json:"inviteeFingerprint"`
	CreditsGiven       int       `json:"creditsGiven"`
	RedeemedAt         time.Time `json:"redeemedAt"`
}
