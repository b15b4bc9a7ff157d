package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryaninjapan/englisheditor/internal/models"
)

func TestResolveCreatesZeroedAccount(t *testing.T) {
	f := newFixture(t)

	acc, err := f.engine.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	b := acc.Balance()
	assert.Equal(t, 3, b.FreeTrialsRemaining)
	assert.Equal(t, 0, b.PurchasedCreditsRemaining)
	assert.Equal(t, 3, b.TotalAvailable)
	assert.Equal(t, testNow, acc.CreatedAt)

	stored, ok := f.account("abc123")
	require.True(t, ok)
	assert.Equal(t, 0, stored.FreeTrialsUsed)
}

func TestResolveRejectsEmptyFingerprint(t *testing.T) {
	f := newFixture(t)

	for _, fp := range []string{"", "   "} {
		_, err := f.engine.Resolve(context.Background(), fp)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Empty(t, f.store.snapshot().accounts)
}

func TestResolveConcurrentFirstContactCreatesOneAccount(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Resolve(context.Background(), "same-device")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, f.store.snapshot().accounts, 1)
}

func TestResolveSurfacesStorageError(t *testing.T) {
	f := newFixture(t)
	f.store.failOn("Ensure", errors.New("connection reset"), -1)

	_, err := f.engine.Resolve(context.Background(), "abc123")
	require.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, KindStorage, KindOf(err))
}

func TestTryDebitRefusesWhenNothingAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < models.FreeTrialQuota; i++ {
		_, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
		require.NoError(t, err)
	}
	before, _ := f.account("dev")
	entriesBefore := len(f.entries("dev"))

	_, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
	require.ErrorIs(t, err, ErrInsufficientCredit)

	after, _ := f.account("dev")
	assert.Equal(t, before, after)
	assert.Len(t, f.entries("dev"), entriesBefore)
	assert.Equal(t, 0, after.PurchasedCreditsRemaining)
	assert.Equal(t, 1, f.obs.rejected)
}

func TestTryDebitSpendsTrialsBeforePurchasedCredits(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(models.Account{Fingerprint: "dev", FreeTrialsUsed: 1, PurchasedCreditsRemaining: 5})

	wantTrial := []int{1, 0, 0}
	wantPurchased := []int{5, 5, 4}
	wantClass := []string{models.ClassTrial, models.ClassTrial, models.ClassPurchased}
	for i := range wantTrial {
		res, err := f.engine.TryDebit(context.Background(), DebitRequest{Fingerprint: "dev"})
		require.NoError(t, err)
		assert.Equal(t, wantTrial[i], res.Balance.FreeTrialsRemaining, "debit %d", i+1)
		assert.Equal(t, wantPurchased[i], res.Balance.PurchasedCreditsRemaining, "debit %d", i+1)
		assert.Equal(t, wantClass[i], res.Class, "debit %d", i+1)
	}

	entries := f.entries("dev")
	require.Len(t, entries, 3)
	assert.Equal(t, models.EntryTrialDebit, entries[0].EntryType)
	assert.Equal(t, models.EntryCreditDebit, entries[2].EntryType)
	assert.Equal(t, 4, entries[2].PurchasedRemainingAfter)
	assert.Equal(t, 2, f.obs.debits[models.ClassTrial])
	assert.Equal(t, 1, f.obs.debits[models.ClassPurchased])
}

func TestTryDebitNeverDrivesPurchasedNegative(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(models.Account{Fingerprint: "dev", FreeTrialsUsed: 3, PurchasedCreditsRemaining: 2})

	for i := 0; i < 5; i++ {
		_, _ = f.engine.TryDebit(context.Background(), DebitRequest{Fingerprint: "dev"})
		acc, _ := f.account("dev")
		require.GreaterOrEqual(t, acc.PurchasedCreditsRemaining, 0)
	}
	acc, _ := f.account("dev")
	assert.Equal(t, 0, acc.PurchasedCreditsRemaining)
	assert.Equal(t, 2, acc.CreditsConsumed)
}

func TestTryDebitConcurrentCallsDoNotDoubleSpend(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(models.Account{Fingerprint: "dev", FreeTrialsUsed: 1, PurchasedCreditsRemaining: 3})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		refused int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.TryDebit(context.Background(), DebitRequest{Fingerprint: "dev"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrInsufficientCredit):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, 15, refused)
	acc, _ := f.account("dev")
	assert.Equal(t, 0, acc.Available())
}

func TestTryDebitValidatesMode(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.TryDebit(context.Background(), DebitRequest{Fingerprint: "dev", Mode: "poetry"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	res, err := f.engine.TryDebit(context.Background(), DebitRequest{Fingerprint: "dev", Mode: models.ModeLegal})
	require.NoError(t, err)
	entries := f.entries("dev")
	require.Len(t, entries, 1)
	assert.Equal(t, res.ReservationID, entries[0].ID)
	assert.Equal(t, models.ModeLegal, entries[0].Mode)
}

func TestTryDebitPurchasedTouchesActivation(t *testing.T) {
	f := newFixture(t)
	f.seedActivation("WXYZ-1234-5678-90AB", 10, 3, nil)
	_, err := f.engine.RedeemActivationCode(context.Background(), "WXYZ-1234-5678-90AB", "dev")
	require.NoError(t, err)

	later := testNow.Add(48 * time.Hour)
	f.engine.Now = func() time.Time { return later }
	acc, _ := f.account("dev")
	acc.FreeTrialsUsed = models.FreeTrialQuota
	f.seedAccount(acc)

	res, err := f.engine.TryDebit(context.Background(), DebitRequest{Fingerprint: "dev"})
	require.NoError(t, err)
	assert.Equal(t, models.ClassPurchased, res.Class)
	assert.Equal(t, later, f.store.snapshot().redemptions[0].LastUsedAt)
}

func TestRefundReversesMostRecentDebitClass(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(models.Account{Fingerprint: "dev", FreeTrialsUsed: 2, PurchasedCreditsRemaining: 1})
	ctx := context.Background()

	_, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"}) // last trial
	require.NoError(t, err)
	_, err = f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"}) // purchased
	require.NoError(t, err)

	res, err := f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev"})
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, models.ClassPurchased, res.Class)
	assert.Equal(t, 1, res.Balance.PurchasedCreditsRemaining)
	assert.Equal(t, 0, res.Balance.FreeTrialsRemaining)

	res, err = f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev"})
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, models.ClassTrial, res.Class)
	assert.Equal(t, 1, res.Balance.FreeTrialsRemaining)

	// Only the two debits made above were outstanding.
	res, err = f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev"})
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, 2, f.obs.refunds)
}

func TestRefundedTrialKeepsUsageMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
	require.NoError(t, err)
	res, err := f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev"})
	require.NoError(t, err)
	require.True(t, res.Refunded)

	acc, _ := f.account("dev")
	assert.Equal(t, 1, acc.FreeTrialsUsed)
	assert.Equal(t, 1, acc.FreeTrialsRefunded)
	assert.Equal(t, models.FreeTrialQuota, res.Balance.FreeTrialsRemaining)

	for i := 0; i < models.FreeTrialQuota; i++ {
		_, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
		require.NoError(t, err, "debit %d", i+1)
	}
	_, err = f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
	require.ErrorIs(t, err, ErrInsufficientCredit)

	acc, _ = f.account("dev")
	assert.Equal(t, models.FreeTrialQuota+1, acc.FreeTrialsUsed)
	assert.Equal(t, 1, acc.FreeTrialsRefunded)
}

func TestRefundByReservationIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
	require.NoError(t, err)
	_, err = f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
	require.NoError(t, err)

	id := first.ReservationID
	res, err := f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev", ReservationID: &id})
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, 2, res.Balance.FreeTrialsRemaining)

	res, err = f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev", ReservationID: &id})
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, 2, res.Balance.FreeTrialsRemaining)

	var refunds int
	for _, e := range f.entries("dev") {
		if e.EntryType == models.EntryRefund {
			refunds++
			assert.Equal(t, id.String(), e.Reference)
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestRefundIgnoresForeignReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "other"})
	require.NoError(t, err)

	res, err := f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev", ReservationID: &other.ReservationID})
	require.NoError(t, err)
	assert.False(t, res.Refunded)

	unknown := uuid.New()
	res, err = f.engine.Refund(ctx, RefundRequest{Fingerprint: "other", ReservationID: &unknown})
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	acc, _ := f.account("other")
	assert.Equal(t, 1, acc.FreeTrialsUsed)
}

func TestRefundFailureLeavesDebitOutstanding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	debit, err := f.engine.TryDebit(ctx, DebitRequest{Fingerprint: "dev"})
	require.NoError(t, err)

	f.store.failOn("RestoreTrial", errors.New("disk full"), 1)
	_, err = f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev"})
	require.ErrorIs(t, err, ErrStorage)

	acc, _ := f.account("dev")
	assert.Equal(t, 1, acc.FreeTrialsUsed)

	res, err := f.engine.Refund(ctx, RefundRequest{Fingerprint: "dev", ReservationID: &debit.ReservationID})
	require.NoError(t, err)
	assert.True(t, res.Refunded)
}
