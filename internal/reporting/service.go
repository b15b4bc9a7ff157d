// Package reporting computes aggregate counters over the code registry and
// the ledger. Results are a best-effort snapshot; the queries run
// concurrently and outside any transaction.
package reporting

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryaninjapan/englisheditor/internal/ledger"
)

const (
	activeWindow = 7 * 24 * time.Hour
	recentWindow = 30 * 24 * time.Hour
	debitWindow  = 24 * time.Hour
)

// Source is implemented by *Repository.
type Source interface {
	CodesByStatus(ctx context.Context) (map[string]int, error)
	CodesByKind(ctx context.Context) (map[string]int, error)
	UsedCodes(ctx context.Context) (int, error)
	Devices(ctx context.Context, activeSince, recentSince time.Time) (total, active, recent int, err error)
	DevicesByKind(ctx context.Context) (map[string]int, error)
	Accounts(ctx context.Context) (int, error)
	Invites(ctx context.Context) (total, used int, err error)
	DebitsSince(ctx context.Context, since time.Time) (int, error)
}

type InviteStats struct {
	Total int `json:"total"`
	Used  int `json:"used"`
}

type Stats struct {
	TotalCodes        int            `json:"totalCodes"`
	ByStatus          map[string]int `json:"byStatus"`
	ByKind            map[string]int `json:"byKind"`
	UsedCodes         int            `json:"usedCodes"`
	TotalDevices      int            `json:"totalDevices"`
	ActiveDevices     int            `json:"activeDevices"`
	RecentActivations int            `json:"recentActivations"`
	DevicesByKind     map[string]int `json:"devicesByKind"`
	TotalAccounts     int            `json:"totalAccounts"`
	Invites           InviteStats    `json:"invites"`
	DebitsLast24h     int            `json:"debitsLast24h"`
	GeneratedAt       time.Time      `json:"generatedAt"`
}

type Service struct {
	src Source
	now func() time.Time
}

func NewService(src Source) *Service {
	return &Service{src: src, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now()
	st := &Stats{GeneratedAt: now}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.ByStatus, err = s.src.CodesByStatus(ctx)
		return err
	})
	g.Go(func() (err error) {
		st.ByKind, err = s.src.CodesByKind(ctx)
		return err
	})
	g.Go(func() (err error) {
		st.UsedCodes, err = s.src.UsedCodes(ctx)
		return err
	})
	g.Go(func() (err error) {
		st.TotalDevices, st.ActiveDevices, st.RecentActivations, err = s.src.Devices(ctx, now.Add(-activeWindow), now.Add(-recentWindow))
		return err
	})
	g.Go(func() (err error) {
		st.DevicesByKind, err = s.src.DevicesByKind(ctx)
		return err
	})
	g.Go(func() (err error) {
		st.TotalAccounts, err = s.src.Accounts(ctx)
		return err
	})
	g.Go(func() (err error) {
		st.Invites.Total, st.Invites.Used, err = s.src.Invites(ctx)
		return err
	})
	g.Go(func() (err error) {
		st.DebitsLast24h, err = s.src.DebitsSince(ctx, now.Add(-debitWindow))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, ledger.StorageError("compute stats", err)
	}

	for _, n := range st.ByStatus {
		st.TotalCodes += n
	}
	for _, m := range []*map[string]int{&st.ByStatus, &st.ByKind, &st.DevicesByKind} {
		if *m == nil {
			*m = map[string]int{}
		}
	}
	return st, nil
}
