package models

import (
	"time"
)

// FreeTrialQuota is the number of free uses every new device receives.
const FreeTrialQuota = 3

// Account is the ledger row for one device fingerprint.
type Account struct {
	Fingerprint               string    `json:"fingerprint"`
	FreeTrialsUsed            int       `json:"freeTrialsUsed"`
	FreeTrialsRefunded        int       `json:"freeTrialsRefunded"`
	PurchasedCreditsRemaining int       `json:"purchasedCreditsRemaining"`
	TotalCreditsEverGranted   int       `json:"totalCreditsEverGranted"`
	CreditsConsumed           int       `json:"creditsConsumed"`
	CreatedAt                 time.Time `json:"createdAt"`
	LastUpdated               time.Time `json:"lastUpdated"`
}

// FreeTrialsUsed only ever grows; refunded trials are counted separately.
// FreeTrialsRemaining is max(0, FreeTrialQuota - FreeTrialsUsed + FreeTrialsRefunded).
func (a *Account) FreeTrialsRemaining() int {
	if n := FreeTrialQuota - a.FreeTrialsUsed + a.FreeTrialsRefunded; n > 0 {
		return n
	}
	return 0
}

// Available is the number of billable units the account can still spend.
func (a *Account) Available() int {
	return a.FreeTrialsRemaining() + a.PurchasedCreditsRemaining
}

// Balance is the client-facing snapshot of an account.
type Balance struct {
	FreeTrialsUsed            int `json:"freeTrialsUsed"`
	FreeTrialsRemaining       int `json:"freeTrialsRemaining"`
	PurchasedCreditsRemaining int `json:"purchasedCreditsRemaining"`
	TotalAvailable            int `json:"totalAvailable"`
	TotalCreditsEverGranted   int `json:"totalCreditsEverGranted"`
}

func (a *Account) Balance() Balance {
	return Balance{
		FreeTrialsUsed:            a.FreeTrialsUsed,
		FreeTrialsRemaining:       a.FreeTrialsRemaining(),
		PurchasedCreditsRemaining: a.PurchasedCreditsRemaining,
		TotalAvailable:            a.Available(),
		TotalCreditsEverGranted:   a.TotalCreditsEverGranted,
	}
}
