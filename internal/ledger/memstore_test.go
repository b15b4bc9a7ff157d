package ledger

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bryaninjapan/englisheditor/internal/codes"
	"github.com/bryaninjapan/englisheditor/internal/models"
)

// ---------------------------------------------------------------------------
// memStore: an in-memory store whose transactions run one at a time on a
// private copy of the state. Commit swaps the copy in; Rollback drops it.
// ---------------------------------------------------------------------------

type memState struct {
	accounts    map[string]models.Account
	activations map[string]models.ActivationCode
	redemptions []models.Redemption
	invites     map[string]models.InviteCode
	inviteReds  []models.InviteRedemption
	entries     []models.LedgerEntry
}

func newMemState() *memState {
	return &memState{
		accounts:    make(map[string]models.Account),
		activations: make(map[string]models.ActivationCode),
		invites:     make(map[string]models.InviteCode),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.activations {
		c.activations[k] = v
	}
	for k, v := range s.invites {
		c.invites[k] = v
	}
	c.redemptions = append([]models.Redemption(nil), s.redemptions...)
	c.inviteReds = append([]models.InviteRedemption(nil), s.inviteReds...)
	c.entries = append([]models.LedgerEntry(nil), s.entries...)
	return c
}

type fault struct {
	err   error
	times int // remaining failures; negative means always
}

type memStore struct {
	sem   chan struct{}
	state *memState

	faultMu sync.Mutex
	faults  map[string]*fault
	begins  int
}

func newMemStore() *memStore {
	return &memStore{
		sem:    make(chan struct{}, 1),
		state:  newMemState(),
		faults: make(map[string]*fault),
	}
}

// failOn makes the named store method return err the next times calls.
func (s *memStore) failOn(method string, err error, times int) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[method] = &fault{err: err, times: times}
}

func (s *memStore) check(method string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	f, ok := s.faults[method]
	if !ok || f.times == 0 {
		return nil
	}
	if f.times > 0 {
		f.times--
	}
	return f.err
}

// snapshot returns a copy of the committed state.
func (s *memStore) snapshot() *memState {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	return s.state.clone()
}

func (s *memStore) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.faultMu.Lock()
	s.begins++
	s.faultMu.Unlock()
	return &memTx{s: s, st: s.state.clone()}, nil
}

func state(tx pgx.Tx) *memState { return tx.(*memTx).st }

type memTx struct {
	s    *memStore
	st   *memState
	done bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.state = t.st
	<-t.s.sem
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	<-t.s.sem
	return nil
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *memTx) Conn() *pgx.Conn { return nil }

var errUnique = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

// --- accounts ---

type memAccounts struct{ s *memStore }

func (r memAccounts) Ensure(_ context.Context, tx pgx.Tx, fp string, now time.Time) error {
	if err := r.s.check("Ensure"); err != nil {
		return err
	}
	st := state(tx)
	if _, ok := st.accounts[fp]; !ok {
		st.accounts[fp] = models.Account{Fingerprint: fp, CreatedAt: now, LastUpdated: now}
	}
	return nil
}

func (r memAccounts) GetForUpdate(_ context.Context, tx pgx.Tx, fp string) (*models.Account, error) {
	a, ok := state(tx).accounts[fp]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &a, nil
}

func (r memAccounts) update(tx pgx.Tx, method, fp string, now time.Time, fn func(a *models.Account) bool) (*models.Account, error) {
	if err := r.s.check(method); err != nil {
		return nil, err
	}
	st := state(tx)
	a, ok := st.accounts[fp]
	if !ok || !fn(&a) {
		return nil, pgx.ErrNoRows
	}
	a.LastUpdated = now
	st.accounts[fp] = a
	return &a, nil
}

func (r memAccounts) DebitTrial(_ context.Context, tx pgx.Tx, fp string, quota int, now time.Time) (*models.Account, error) {
	return r.update(tx, "DebitTrial", fp, now, func(a *models.Account) bool {
		if a.FreeTrialsUsed-a.FreeTrialsRefunded >= quota {
			return false
		}
		a.FreeTrialsUsed++
		a.CreditsConsumed++
		return true
	})
}

func (r memAccounts) DebitPurchased(_ context.Context, tx pgx.Tx, fp string, now time.Time) (*models.Account, error) {
	return r.update(tx, "DebitPurchased", fp, now, func(a *models.Account) bool {
		if a.PurchasedCreditsRemaining < 1 {
			return false
		}
		a.PurchasedCreditsRemaining--
		a.CreditsConsumed++
		return true
	})
}

func (r memAccounts) RestoreTrial(_ context.Context, tx pgx.Tx, fp string, now time.Time) (*models.Account, error) {
	return r.update(tx, "RestoreTrial", fp, now, func(a *models.Account) bool {
		if a.FreeTrialsRefunded >= a.FreeTrialsUsed {
			return false
		}
		a.FreeTrialsRefunded++
		if a.CreditsConsumed > 0 {
			a.CreditsConsumed--
		}
		return true
	})
}

func (r memAccounts) RestorePurchased(_ context.Context, tx pgx.Tx, fp string, now time.Time) (*models.Account, error) {
	return r.update(tx, "RestorePurchased", fp, now, func(a *models.Account) bool {
		a.PurchasedCreditsRemaining++
		if a.CreditsConsumed > 0 {
			a.CreditsConsumed--
		}
		return true
	})
}

func (r memAccounts) Grant(_ context.Context, tx pgx.Tx, fp string, amount int, now time.Time) (*models.Account, error) {
	return r.update(tx, "Grant", fp, now, func(a *models.Account) bool {
		a.PurchasedCreditsRemaining += amount
		a.TotalCreditsEverGranted += amount
		return true
	})
}

// --- activation codes ---

type memActivations struct{ s *memStore }

func (r memActivations) GetForUpdate(_ context.Context, tx pgx.Tx, code string) (*models.ActivationCode, error) {
	if err := r.s.check("GetActivation"); err != nil {
		return nil, err
	}
	c, ok := state(tx).activations[code]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &c, nil
}

func (r memActivations) MarkExpired(_ context.Context, tx pgx.Tx, code string, now time.Time) error {
	st := state(tx)
	c := st.activations[code]
	c.Status = models.CodeStatusExpired
	c.UpdatedAt = now
	st.activations[code] = c
	return nil
}

func (r memActivations) FindRedemption(_ context.Context, tx pgx.Tx, code, fp string) (*models.Redemption, error) {
	for _, red := range state(tx).redemptions {
		if red.Code == code && red.Fingerprint == fp {
			return &red, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memActivations) InsertRedemption(_ context.Context, tx pgx.Tx, red *models.Redemption) error {
	if err := r.s.check("InsertRedemption"); err != nil {
		return err
	}
	st := state(tx)
	for _, existing := range st.redemptions {
		if existing.Code == red.Code && existing.Fingerprint == red.Fingerprint {
			return errUnique
		}
	}
	st.redemptions = append(st.redemptions, *red)
	return nil
}

func (r memActivations) ConsumeSlot(_ context.Context, tx pgx.Tx, code string, now time.Time) (*models.ActivationCode, error) {
	if err := r.s.check("ConsumeSlot"); err != nil {
		return nil, err
	}
	st := state(tx)
	c, ok := st.activations[code]
	if !ok || c.Status != models.CodeStatusActive || c.RedemptionCount >= c.MaxRedemptions {
		return nil, pgx.ErrNoRows
	}
	c.RedemptionCount++
	if c.RedemptionCount >= c.MaxRedemptions {
		c.Status = models.CodeStatusUsed
	}
	c.UpdatedAt = now
	st.activations[code] = c
	return &c, nil
}

func (r memActivations) TouchRedemptions(_ context.Context, tx pgx.Tx, fp string, now time.Time) error {
	st := state(tx)
	for i := range st.redemptions {
		if st.redemptions[i].Fingerprint == fp {
			st.redemptions[i].LastUsedAt = now
		}
	}
	return nil
}

func (r memActivations) LatestForDevice(_ context.Context, tx pgx.Tx, fp string) (*models.Redemption, *models.ActivationCode, error) {
	st := state(tx)
	var latest *models.Redemption
	for i := range st.redemptions {
		red := st.redemptions[i]
		if red.Fingerprint != fp {
			continue
		}
		if latest == nil || !red.RedeemedAt.Before(latest.RedeemedAt) {
			latest = &red
		}
	}
	if latest == nil {
		return nil, nil, pgx.ErrNoRows
	}
	c := st.activations[latest.Code]
	return latest, &c, nil
}

// --- invite codes ---

type memInvites struct{ s *memStore }

func (r memInvites) GetByKeyForUpdate(_ context.Context, tx pgx.Tx, key string) (*models.InviteCode, error) {
	for _, inv := range state(tx).invites {
		if codes.InviteKey(inv.Code) == key {
			return &inv, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memInvites) HasInviteeRedemption(_ context.Context, tx pgx.Tx, fp string) (bool, error) {
	for _, red := range state(tx).inviteReds {
		if red.InviteeFingerprint == fp {
			return true, nil
		}
	}
	return false, nil
}

func (r memInvites) MarkUsed(_ context.Context, tx pgx.Tx, code, usedBy string, now time.Time) error {
	st := state(tx)
	inv, ok := st.invites[code]
	if !ok || inv.Status != models.CodeStatusActive || inv.UsedByFingerprint != nil {
		return pgx.ErrNoRows
	}
	inv.Status = models.CodeStatusUsed
	inv.UsedByFingerprint = &usedBy
	inv.UsedAt = &now
	st.invites[code] = inv
	return nil
}

func (r memInvites) InsertRedemption(_ context.Context, tx pgx.Tx, red *models.InviteRedemption) error {
	if err := r.s.check("InsertInviteRedemption"); err != nil {
		return err
	}
	st := state(tx)
	for _, existing := range st.inviteReds {
		if existing.InviteeFingerprint == red.InviteeFingerprint {
			return errUnique
		}
	}
	st.inviteReds = append(st.inviteReds, *red)
	return nil
}

// --- ledger entries ---

type memEntries struct{ s *memStore }

func (r memEntries) Append(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if err := r.s.check("Append"); err != nil {
		return err
	}
	st := state(tx)
	st.entries = append(st.entries, *e)
	return nil
}

func (r memEntries) LatestOutstandingDebit(_ context.Context, tx pgx.Tx, fp string) (*models.LedgerEntry, error) {
	st := state(tx)
	for i := len(st.entries) - 1; i >= 0; i-- {
		e := st.entries[i]
		if e.Fingerprint == fp && e.IsDebit() && e.RefundedBy == nil {
			return &e, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memEntries) GetDebitForUpdate(_ context.Context, tx pgx.Tx, fp string, id uuid.UUID) (*models.LedgerEntry, error) {
	for _, e := range state(tx).entries {
		if e.ID == id && e.Fingerprint == fp && e.IsDebit() {
			return &e, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memEntries) MarkRefunded(_ context.Context, tx pgx.Tx, debitID, refundID uuid.UUID) error {
	st := state(tx)
	for i := range st.entries {
		if st.entries[i].ID == debitID {
			id := refundID
			st.entries[i].RefundedBy = &id
			return nil
		}
	}
	return pgx.ErrNoRows
}

// ---------------------------------------------------------------------------
// Observer recording outcomes
// ---------------------------------------------------------------------------

type recordingObserver struct {
	mu          sync.Mutex
	debits      map[string]int
	rejected    int
	refunds     int
	redemptions map[string]int
	retries     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{debits: map[string]int{}, redemptions: map[string]int{}}
}

func (o *recordingObserver) Debit(class string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.debits[class]++
}

func (o *recordingObserver) DebitRejected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

func (o *recordingObserver) Refund(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refunds++
}

func (o *recordingObserver) Redemption(codeType, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redemptions[codeType+"/"+outcome]++
}

func (o *recordingObserver) TxRetry(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *memStore
	obs    *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newMemStore()
	obs := newRecordingObserver()
	e := NewEngine(s, memAccounts{s}, memActivations{s}, memInvites{s}, memEntries{s},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Now = func() time.Time { return testNow }
	e.Observer = obs
	return &fixture{engine: e, store: s, obs: obs}
}

func (f *fixture) seedAccount(a models.Account) {
	f.store.state.accounts[a.Fingerprint] = a
}

func (f *fixture) seedActivation(code string, credits, max int, expiresAt *time.Time) {
	f.store.state.activations[code] = models.ActivationCode{
		Code:                 code,
		Kind:                 models.KindPurchase,
		Status:               models.CodeStatusActive,
		CreditsPerRedemption: credits,
		MaxRedemptions:       max,
		ExpiresAt:            expiresAt,
		CreatedAt:            testNow.Add(-time.Hour),
		UpdatedAt:            testNow.Add(-time.Hour),
	}
}

func (f *fixture) setActivationStatus(code, status string) {
	c := f.store.state.activations[code]
	c.Status = status
	f.store.state.activations[code] = c
}

func (f *fixture) seedInvite(code, creator string, credits int) {
	f.store.state.invites[code] = models.InviteCode{
		Code:               code,
		CreatorFingerprint: creator,
		CreditsPerUse:      credits,
		Status:             models.CodeStatusActive,
		CreatedAt:          testNow.Add(-time.Hour),
	}
}

func (f *fixture) account(fp string) (models.Account, bool) {
	a, ok := f.store.snapshot().accounts[fp]
	return a, ok
}

func (f *fixture) activation(code string) models.ActivationCode {
	return f.store.snapshot().activations[code]
}

func (f *fixture) entries(fp string) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range f.store.snapshot().entries {
		if e.Fingerprint == fp {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
