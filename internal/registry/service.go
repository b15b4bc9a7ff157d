// Package registry issues, lists and revokes activation and invite codes.
// Redemption of those codes is handled by the ledger engine.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bryaninjapan/englisheditor/internal/codes"
	"github.com/bryaninjapan/englisheditor/internal/ledger"
	"github.com/bryaninjapan/englisheditor/internal/models"
)

const (
	maxGenerateAttempts = 10
	MaxIssueCount       = 100
	DefaultListLimit    = 50
	MaxListLimit        = 200
)

// Code generators; replaced in tests to force collisions.
var (
	newActivationCode = codes.NewActivation
	newInviteCode     = codes.NewInvite
)

// Store is the persistence the registry needs. *Repository implements it.
type Store interface {
	CreateActivation(ctx context.Context, c *models.ActivationCode) error
	CreateInvite(ctx context.Context, inv *models.InviteCode) error
	ListActivations(ctx context.Context, f ListFilter) ([]*CodeSummary, int, error)
	RevokeActivation(ctx context.Context, code string, now time.Time) (*models.ActivationCode, error)
	ListRedemptions(ctx context.Context, code string) ([]*models.Redemption, error)
	ListInvitesByCreator(ctx context.Context, fingerprint string) ([]*models.InviteCode, error)
}

type Service interface {
	IssueActivationCodes(ctx context.Context, p IssueParams) ([]*models.ActivationCode, error)
	GenerateInvite(ctx context.Context, fingerprint string) (*models.InviteCode, error)
	ListActivationCodes(ctx context.Context, f ListFilter) (*CodePage, error)
	RevokeActivationCode(ctx context.Context, rawCode string) (*models.ActivationCode, error)
	ActivationDevices(ctx context.Context, rawCode string) ([]*models.Redemption, error)
	InvitesByCreator(ctx context.Context, fingerprint string) ([]*models.InviteCode, error)
}

// Defaults fill in issuance parameters the caller leaves out.
type Defaults struct {
	CreditsPerRedemption int
	MaxRedemptions       int
	InviteCredits        int
}

// IssueParams describes a batch of activation codes. Zero values take the
// service defaults; ExpiresAt and ExpiresDays are mutually exclusive.
type IssueParams struct {
	Kind                 string          `json:"kind"`
	CreditsPerRedemption int             `json:"creditsPerRedemption"`
	MaxRedemptions       int             `json:"maxRedemptions"`
	ExpiresAt            *time.Time      `json:"expiresAt"`
	ExpiresDays          int             `json:"expiresDays"`
	Count                int             `json:"count"`
	Metadata             json.RawMessage `json:"metadata"`
	CreatedBy            string          `json:"-"`
}

type ListFilter struct {
	Status string
	Kind   string
	Search string
	Page   int
	Limit  int
}

// CodeSummary is an activation code row plus the number of devices bound to it.
type CodeSummary struct {
	Code                 string          `json:"code"`
	Kind                 string          `json:"kind"`
	Status               string          `json:"status"`
	CreditsPerRedemption int             `json:"creditsPerRedemption"`
	MaxRedemptions       int             `json:"maxRedemptions"`
	RedemptionCount      int             `json:"redemptionCount"`
	DeviceCount          int             `json:"deviceCount"`
	ExpiresAt            *time.Time      `json:"expiresAt,omitempty"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CreatedBy            string          `json:"createdBy,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type CodePage struct {
	Codes      []*CodeSummary `json:"codes"`
	Pagination Pagination     `json:"pagination"`
}

type service struct {
	store    Store
	defaults Defaults
	now      func() time.Time
	log      *slog.Logger
}

func NewService(store Store, defaults Defaults, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	if defaults.CreditsPerRedemption <= 0 {
		defaults.CreditsPerRedemption = 100
	}
	if defaults.MaxRedemptions <= 0 {
		defaults.MaxRedemptions = 3
	}
	if defaults.InviteCredits <= 0 {
		defaults.InviteCredits = 3
	}
	return &service{store: store, defaults: defaults, now: func() time.Time { return time.Now().UTC() }, log: log}
}

var _ Service = (*service)(nil)

func (s *service) normalizeIssue(p IssueParams) (IssueParams, error) {
	if p.Kind == "" {
		p.Kind = models.KindPurchase
	}
	if !models.ValidKind(p.Kind) {
		return p, ledger.InvalidRequest("unknown code kind " + p.Kind)
	}
	if p.CreditsPerRedemption == 0 {
		p.CreditsPerRedemption = s.defaults.CreditsPerRedemption
	}
	if p.MaxRedemptions == 0 {
		p.MaxRedemptions = s.defaults.MaxRedemptions
	}
	if p.Count == 0 {
		p.Count = 1
	}
	switch {
	case p.CreditsPerRedemption < 1:
		return p, ledger.InvalidRequest("creditsPerRedemption must be at least 1")
	case p.MaxRedemptions < 1:
		return p, ledger.InvalidRequest("maxRedemptions must be at least 1")
	case p.Count < 1 || p.Count > MaxIssueCount:
		return p, ledger.InvalidRequest("count must be between 1 and 100")
	case p.ExpiresAt != nil && p.ExpiresDays != 0:
		return p, ledger.InvalidRequest("expiresAt and expiresDays are mutually exclusive")
	case p.ExpiresDays < 0:
		return p, ledger.InvalidRequest("expiresDays must be positive")
	}
	now := s.now()
	if p.ExpiresDays > 0 {
		t := now.AddDate(0, 0, p.ExpiresDays)
		p.ExpiresAt = &t
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return p, ledger.InvalidRequest("expiresAt must be in the future")
	}
	if len(p.Metadata) > 0 && !json.Valid(p.Metadata) {
		return p, ledger.InvalidRequest("metadata must be JSON")
	}
	return p, nil
}

// IssueActivationCodes creates p.Count new codes. Each code is retried on
// collision up to ten times. If the batch stops part way the codes already
// stored are returned alongside the error, since they stay active.
func (s *service) IssueActivationCodes(ctx context.Context, p IssueParams) ([]*models.ActivationCode, error) {
	p, err := s.normalizeIssue(p)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ActivationCode, 0, p.Count)
	for i := 0; i < p.Count; i++ {
		c, err := s.issueOne(ctx, p)
		if err != nil {
			s.log.Error("issue activation code failed", "issued", len(out), "requested", p.Count, "error", err)
			return out, err
		}
		out = append(out, c)
	}
	s.log.Info("activation codes issued", "count", len(out), "kind", p.Kind, "credits", p.CreditsPerRedemption, "created_by", p.CreatedBy)
	return out, nil
}

func (s *service) issueOne(ctx context.Context, p IssueParams) (*models.ActivationCode, error) {
	now := s.now()
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		c := &models.ActivationCode{
			Code:                 newActivationCode(),
			Kind:                 p.Kind,
			Status:               models.CodeStatusActive,
			CreditsPerRedemption: p.CreditsPerRedemption,
			MaxRedemptions:       p.MaxRedemptions,
			ExpiresAt:            p.ExpiresAt,
			Metadata:             []byte(p.Metadata),
			CreatedBy:            p.CreatedBy,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		err := s.store.CreateActivation(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, errDuplicateCode) {
			return nil, ledger.StorageError("issue activation code", err)
		}
		s.log.Debug("activation code collision", "attempt", attempt)
	}
	return nil, ledger.ErrGenerationExhausted
}

// GenerateInvite mints a new invite code owned by fingerprint. Every call
// creates a fresh code.
func (s *service) GenerateInvite(ctx context.Context, fingerprint string) (*models.InviteCode, error) {
	if err := ledger.CheckFingerprint(fingerprint); err != nil {
		return nil, err
	}
	now := s.now()
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		code, err := newInviteCode()
		if err != nil {
			return nil, ledger.StorageError("generate invite code", err)
		}
		inv := &models.InviteCode{
			Code:               code,
			CreatorFingerprint: fingerprint,
			CreditsPerUse:      s.defaults.InviteCredits,
			Status:             models.CodeStatusActive,
			CreatedAt:          now,
		}
		err = s.store.CreateInvite(ctx, inv)
		if err == nil {
			s.log.Info("invite code generated", "code", codes.Mask(code), "fingerprint", fingerprint)
			return inv, nil
		}
		if !errors.Is(err, errDuplicateCode) {
			return nil, ledger.StorageError("generate invite code", err)
		}
	}
	return nil, ledger.ErrGenerationExhausted
}

func (s *service) ListActivationCodes(ctx context.Context, f ListFilter) (*CodePage, error) {
	if f.Status != "" && !models.ValidStatus(f.Status) {
		return nil, ledger.InvalidRequest("unknown status " + f.Status)
	}
	if f.Kind != "" && !models.ValidKind(f.Kind) {
		return nil, ledger.InvalidRequest("unknown kind " + f.Kind)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	list, total, err := s.store.ListActivations(ctx, f)
	if err != nil {
		return nil, ledger.StorageError("list activation codes", err)
	}
	if list == nil {
		list = []*CodeSummary{}
	}
	return &CodePage{
		Codes: list,
		Pagination: Pagination{
			Page:       f.Page,
			Limit:      f.Limit,
			Total:      total,
			TotalPages: (total + f.Limit - 1) / f.Limit,
		},
	}, nil
}

// RevokeActivationCode is terminal: the code can never be redeemed again,
// including by devices that already hold it.
func (s *service) RevokeActivationCode(ctx context.Context, rawCode string) (*models.ActivationCode, error) {
	code, err := codes.NormalizeActivation(rawCode)
	if err != nil {
		return nil, ledger.ErrMalformedCode
	}
	c, err := s.store.RevokeActivation(ctx, code, s.now())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrCodeNotFound
	}
	if err != nil {
		return nil, ledger.StorageError("revoke activation code", err)
	}
	s.log.Info("activation code revoked", "code", codes.Mask(code), "redemptions", c.RedemptionCount)
	return c, nil
}

func (s *service) ActivationDevices(ctx context.Context, rawCode string) ([]*models.Redemption, error) {
	code, err := codes.NormalizeActivation(rawCode)
	if err != nil {
		return nil, ledger.ErrMalformedCode
	}
	list, err := s.store.ListRedemptions(ctx, code)
	if err != nil {
		return nil, ledger.StorageError("list redemptions", err)
	}
	if list == nil {
		list = []*models.Redemption{}
	}
	return list, nil
}

func (s *service) InvitesByCreator(ctx context.Context, fingerprint string) ([]*models.InviteCode, error) {
	if err := ledger.CheckFingerprint(fingerprint); err != nil {
		return nil, err
	}
	list, err := s.store.ListInvitesByCreator(ctx, fingerprint)
	if err != nil {
		return nil, ledger.StorageError("list invite codes", err)
	}
	if list == nil {
		list = []*models.InviteCode{}
	}
	return list, nil
}
