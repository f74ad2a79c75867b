package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/internal/logging"
	"github.com/layer-3/compact/internal/metrics"
	"github.com/layer-3/compact/ports"
	"go.uber.org/zap"
)

// Invalidation reasons
const (
	ReasonUnauthorized    = "unauthorized"
	ReasonAddressMismatch = "address_mismatch"
	ReasonExpired         = "expired"
	ReasonSignOut         = "sign_out"
)

// Sessions is what pollers and the allocation engine need from the session lifecycle
type Sessions interface {
	Address() common.Address
	SessionID() string
	Invalidate(ctx context.Context, reason string)
}

// SessionService owns the allocator session of the current wallet address.
// It is the only writer of the session store.
type SessionService struct {
	api     ports.SessionAPI
	store   ports.SessionStore
	chainID uint64
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	address common.Address
	session *core.Session
	status  core.SessionStatus
	// gen changes on every address change so late results for an old address are dropped
	gen uint64
}

func NewSessionService(api ports.SessionAPI, store ports.SessionStore, chainID uint64, logger *zap.Logger, m *metrics.Metrics) *SessionService {
	return &SessionService{
		api:     api,
		store:   store,
		chainID: chainID,
		logger:  logging.OrNop(logger),
		metrics: m,
		now:     time.Now,
	}
}

var _ Sessions = (*SessionService)(nil)

// Address is the wallet address sessions are scoped to
func (s *SessionService) Address() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

func (s *SessionService) Status() core.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Current returns the validated session, if any
func (s *SessionService) Current() (core.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != core.SessionAuthenticated || s.session == nil {
		return core.Session{}, false
	}
	return *s.session, true
}

// SessionID is the id to send on authenticated calls, or "" when not authenticated.
// A session past its expiry is never handed out.
func (s *SessionService) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != core.SessionAuthenticated || s.session == nil || s.session.Expired(s.now()) {
		return ""
	}
	return s.session.ID
}

// SetAddress switches to a new wallet address. In-memory state is reset and the
// persisted session of the new address, if any, is validated.
func (s *SessionService) SetAddress(ctx context.Context, address common.Address) (core.SessionStatus, error) {
	s.mu.Lock()
	if s.address == address && s.status != core.SessionAnonymous {
		status := s.status
		s.mu.Unlock()
		return status, nil
	}
	s.address = address
	s.session = nil
	s.status = core.SessionAnonymous
	s.gen++
	s.mu.Unlock()

	if address == (common.Address{}) {
		return core.SessionAnonymous, nil
	}
	return s.Validate(ctx)
}

// SignIn runs the challenge, sign, submit exchange for the current address
func (s *SessionService) SignIn(ctx context.Context, signer ports.MessageSigner) (core.Session, error) {
	s.mu.Lock()
	address, gen, prev := s.address, s.gen, s.status
	if address == (common.Address{}) {
		s.mu.Unlock()
		return core.Session{}, &core.ValidationError{Field: "address", Reason: "no wallet connected"}
	}
	if signer.Address() != address {
		s.mu.Unlock()
		return core.Session{}, core.ErrAddressMismatch
	}
	if prev == core.SessionAuthenticating {
		s.mu.Unlock()
		return core.Session{}, core.ErrActionBusy
	}
	s.status = core.SessionAuthenticating
	s.mu.Unlock()

	sess, err := s.signIn(ctx, signer, address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return core.Session{}, fmt.Errorf("wallet address changed during sign-in: %w", core.ErrAddressMismatch)
	}
	if err != nil {
		s.status = prev
		return core.Session{}, err
	}
	s.session = &sess
	s.status = core.SessionAuthenticated
	s.logger.Info("signed in", zap.Stringer("address", address), zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

func (s *SessionService) signIn(ctx context.Context, signer ports.MessageSigner, address common.Address) (core.Session, error) {
	challenge, err := s.api.Challenge(ctx, s.chainID, address)
	if err != nil {
		return core.Session{}, fmt.Errorf("failed to fetch challenge: %w", err)
	}

	signature, err := signer.SignMessage(ctx, challenge.Message())
	if err != nil {
		return core.Session{}, fmt.Errorf("failed to sign challenge: %w", err)
	}

	sess, err := s.api.CreateSession(ctx, signature, challenge)
	if err != nil {
		return core.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	if sess.Address != address {
		return core.Session{}, core.ErrAddressMismatch
	}
	now := s.now()
	if sess.Expired(now) {
		return core.Session{}, core.ErrSessionExpired
	}

	if err := s.store.Set(ctx, core.SessionKey(address), sess.ID, sess.ExpiresAt.Sub(now)); err != nil {
		return core.Session{}, fmt.Errorf("failed to persist session: %w", err)
	}
	return sess, nil
}

// Validate checks the persisted session of the current address with the allocator.
//
// It returns SessionAnonymous when there is no session or the session was
// invalidated (401/403, address mismatch, expiry). Any other failure returns
// SessionUnknown with the error; the persisted id is kept for the next attempt.
func (s *SessionService) Validate(ctx context.Context) (core.SessionStatus, error) {
	s.mu.Lock()
	address, gen := s.address, s.gen
	if s.status == core.SessionAuthenticating {
		s.mu.Unlock()
		return core.SessionAuthenticating, nil
	}
	s.mu.Unlock()

	if address == (common.Address{}) {
		return core.SessionAnonymous, nil
	}

	id, err := s.store.Get(ctx, core.SessionKey(address))
	if errors.Is(err, core.ErrNotFound) {
		return s.settle(gen, core.SessionAnonymous, nil), nil
	}
	if err != nil {
		return s.settle(gen, core.SessionUnknown, nil), fmt.Errorf("failed to read session store: %w", err)
	}

	sess, err := s.api.GetSession(ctx, id)
	switch {
	case core.IsAuthorization(err):
		s.invalidate(ctx, gen, address, ReasonUnauthorized)
		return core.SessionAnonymous, nil
	case err != nil:
		s.logger.Warn("session validation failed", zap.Stringer("address", address), zap.Error(err))
		return s.settle(gen, core.SessionUnknown, nil), err
	case sess.Address != address:
		s.invalidate(ctx, gen, address, ReasonAddressMismatch)
		return core.SessionAnonymous, nil
	case sess.Expired(s.now()):
		s.invalidate(ctx, gen, address, ReasonExpired)
		return core.SessionAnonymous, nil
	}

	return s.settle(gen, core.SessionAuthenticated, &sess), nil
}

// settle records a validation verdict unless the address changed meanwhile
func (s *SessionService) settle(gen uint64, status core.SessionStatus, sess *core.Session) core.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.status == core.SessionAuthenticating {
		return s.status
	}
	s.status = status
	s.session = sess
	return status
}

// Invalidate clears the current session. Callers use it when an authenticated
// call is rejected with 401/403.
func (s *SessionService) Invalidate(ctx context.Context, reason string) {
	s.mu.Lock()
	address, gen := s.address, s.gen
	s.mu.Unlock()
	s.invalidate(ctx, gen, address, reason)
}

func (s *SessionService) invalidate(ctx context.Context, gen uint64, address common.Address, reason string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.session = nil
	s.status = core.SessionAnonymous
	s.mu.Unlock()

	s.metrics.SessionInvalidated(reason)
	s.logger.Info("session invalidated", zap.Stringer("address", address), zap.String("reason", reason))
	if err := s.store.Delete(ctx, core.SessionKey(address)); err != nil {
		s.logger.Warn("failed to clear persisted session", zap.Error(err))
	}
}

// SignOut revokes the session with the allocator and forgets it locally.
// A failed revocation is logged; the local credential is cleared regardless.
func (s *SessionService) SignOut(ctx context.Context) error {
	s.mu.Lock()
	address, gen := s.address, s.gen
	s.mu.Unlock()
	if address == (common.Address{}) {
		return nil
	}

	id, err := s.store.Get(ctx, core.SessionKey(address))
	if errors.Is(err, core.ErrNotFound) {
		s.settle(gen, core.SessionAnonymous, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session store: %w", err)
	}

	if err := s.api.DeleteSession(ctx, id); err != nil && !core.IsAuthorization(err) {
		s.logger.Warn("failed to revoke session", zap.Stringer("address", address), zap.Error(err))
	}
	s.invalidate(ctx, gen, address, ReasonSignOut)
	return nil
}
