// Package service implements the API key lifecycle: issuance, authentication,
// revocation, and atomic rotation with signed webhook notification.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cavelabs/caved/internal/model"
	"github.com/cavelabs/caved/internal/ratelimit"
	"github.com/cavelabs/caved/internal/store"
	"github.com/cavelabs/caved/internal/token"
	"github.com/cavelabs/caved/internal/webhook"
)

// DefaultRateLimit is the per-key request budget applied when issuance does
// not specify one, in requests per minute.
const DefaultRateLimit = 100

// Service-level error taxonomy. Handlers map these onto HTTP statuses.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
)

// Throttled is returned by CheckRateLimit when a key has exhausted its
// per-minute budget.
type Throttled struct {
	RetryAfter time.Duration
}

func (t *Throttled) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", t.RetryAfter)
}

// IssueParams describe a key to be created.
type IssueParams struct {
	Scope      model.KeyScope
	RateLimit  int // requests per minute; 0 means DefaultRateLimit
	TTLSeconds int // 0 means no expiry
}

// RotateParams describe a rotation request. A zero RateLimit inherits the
// predecessor's budget; a zero TTLSeconds issues the successor without expiry.
type RotateParams struct {
	KeyID      string
	RateLimit  int
	TTLSeconds int
}

// KeyService owns all key lifecycle operations. All methods are safe for
// concurrent use.
type KeyService struct {
	store    *store.Store
	limiter  *ratelimit.Limiter
	notifier *webhook.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewKeyService(st *store.Store, limiter *ratelimit.Limiter, notifier *webhook.Notifier, logger *slog.Logger) *KeyService {
	return &KeyService{
		store:    st,
		limiter:  limiter,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Intended for tests.
func (s *KeyService) SetClock(now func() time.Time) {
	s.now = now
}

// Notifier exposes the webhook signer for acknowledgement verification.
func (s *KeyService) Notifier() *webhook.Notifier {
	return s.notifier
}

// HasKeys reports whether any key exists. The first issuance on an empty
// store is unauthenticated bootstrap.
func (s *KeyService) HasKeys(ctx context.Context) (bool, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Issue mints a new API key. The raw token is returned exactly once and only
// its SHA-256 lookup hash is persisted.
func (s *KeyService) Issue(ctx context.Context, params IssueParams) (*model.IssuedKey, error) {
	if err := params.Scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if params.RateLimit < 0 {
		return nil, fmt.Errorf("%w: rate_limit must be positive", ErrValidation)
	}
	if params.TTLSeconds < 0 {
		return nil, fmt.Errorf("%w: ttl_seconds must be positive", ErrValidation)
	}

	rec, raw, err := s.mint(params.Scope, params.RateLimit, params.TTLSeconds)
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}

	s.logger.Info("api key issued",
		"key_id", rec.ID,
		"scope", rec.ScopeType,
		"owner", rec.Scope().Owner(),
		"rate_limit", rec.RateLimit)

	return &model.IssuedKey{Token: raw, Info: rec.Info()}, nil
}

// Authenticate resolves a raw bearer token to its key record. Unknown,
// revoked, and expired tokens all fail identically with ErrUnauthorized.
func (s *KeyService) Authenticate(ctx context.Context, rawToken string) (*model.KeyRecord, error) {
	if rawToken == "" {
		return nil, ErrUnauthorized
	}

	rec, err := s.store.GetByLookupHash(ctx, token.HashForLookup(rawToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("lookup key: %w", err)
	}

	if rec.Revoked {
		return nil, ErrUnauthorized
	}
	if rec.ExpiresAt != nil && s.now().After(*rec.ExpiresAt) {
		return nil, ErrUnauthorized
	}

	// Best effort; authentication does not depend on the timestamp write.
	go func(id string, at time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchLastUsed(ctx, id, at); err != nil {
			s.logger.Debug("touch last_used failed", "key_id", id, "error", err)
		}
	}(rec.ID, s.now().UTC())

	return rec, nil
}

// CheckRateLimit charges one request against the key's per-minute budget.
func (s *KeyService) CheckRateLimit(rec *model.KeyRecord) error {
	ok, retryAfter := s.limiter.Allow(rec.ID, rec.RateLimit)
	if !ok {
		return &Throttled{RetryAfter: retryAfter}
	}
	return nil
}

// List returns every key, live and revoked, oldest first.
func (s *KeyService) List(ctx context.Context) ([]model.KeyInfo, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]model.KeyInfo, 0, len(recs))
	for i := range recs {
		infos = append(infos, recs[i].Info())
	}
	return infos, nil
}

// Get returns a single key by id.
func (s *KeyService) Get(ctx context.Context, id string) (*model.KeyRecord, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Revoke permanently disables a key. Revoking an already revoked key is a
// no-op; revocation cannot be undone.
func (s *KeyService) Revoke(ctx context.Context, id string) error {
	if err := s.store.MarkRevoked(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("revoke key: %w", err)
	}

	s.limiter.Forget(id)
	s.logger.Info("api key revoked", "key_id", id)
	return nil
}

// Rotate atomically retires a key and issues its successor with the same
// scope. The revoke and the insert commit in one transaction; concurrent
// rotations of the same key produce exactly one winner and ErrConflict for
// the rest. On success the signed rotation webhook is returned alongside the
// new token.
func (s *KeyService) Rotate(ctx context.Context, params RotateParams) (*model.RotatedKey, error) {
	if params.RateLimit < 0 {
		return nil, fmt.Errorf("%w: rate_limit must be positive", ErrValidation)
	}
	if params.TTLSeconds < 0 {
		return nil, fmt.Errorf("%w: ttl_seconds must be positive", ErrValidation)
	}

	pred, err := s.store.GetByID(ctx, params.KeyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if pred.Revoked {
		// A retired key has no live credential to rotate.
		return nil, ErrNotFound
	}

	rateLimit := params.RateLimit
	if rateLimit == 0 {
		rateLimit = pred.RateLimit
	}

	succ, raw, err := s.mint(pred.Scope(), rateLimit, params.TTLSeconds)
	if err != nil {
		return nil, err
	}
	rotatedAt := succ.CreatedAt
	succ.RotatedFrom = &pred.ID
	succ.RotatedAt = &rotatedAt

	if err := s.store.Rotate(ctx, pred.ID, succ); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("rotate key: %w", err)
	}

	s.limiter.Forget(pred.ID)

	signed, err := s.notifier.Sign(model.RotationWebhookPayload{
		Event:         model.EventRotated,
		KeyID:         succ.ID,
		PreviousKeyID: pred.ID,
		RotatedAt:     rotatedAt,
		Scope:         succ.Scope(),
		Owner:         succ.Scope().Owner(),
		KeyPrefix:     succ.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("sign rotation webhook: %w", err)
	}

	s.logger.Info("api key rotated",
		"key_id", succ.ID,
		"previous_key_id", pred.ID,
		"owner", succ.Scope().Owner(),
		"rate_limit", succ.RateLimit)

	pred.Revoked = true
	return &model.RotatedKey{
		Token:    raw,
		Info:     succ.Info(),
		Previous: pred.Info(),
		Webhook:  signed,
	}, nil
}

// mint builds an unsaved key record and its raw token.
func (s *KeyService) mint(scope model.KeyScope, rateLimit, ttlSeconds int) (*model.KeyRecord, string, error) {
	raw, lookupHash, prefix, err := token.Generate(scope)
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("generate key id: %w", err)
	}

	if rateLimit == 0 {
		rateLimit = DefaultRateLimit
	}

	now := s.now().UTC()
	rec := &model.KeyRecord{
		ID:             id.String(),
		LookupHash:     lookupHash,
		KeyPrefix:      prefix,
		ScopeType:      scope.Type,
		ScopeNamespace: scope.Namespace,
		RateLimit:      rateLimit,
		CreatedAt:      now,
	}
	if ttlSeconds > 0 {
		expires := now.Add(time.Duration(ttlSeconds) * time.Second)
		rec.ExpiresAt = &expires
	}
	return rec, raw, nil
}
