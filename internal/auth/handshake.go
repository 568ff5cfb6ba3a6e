package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebmills/stdb-go/internal/connection"
)

// Error is an authentication failure. Stale marks the case where a cached
// credential was rejected; the store entry has already been invalidated so
// the next attempt re-issues.
type Error struct {
	Stale bool
	Cause error
}

func (e *Error) Error() string {
	if e.Stale {
		return fmt.Sprintf("authentication failed: stale credential: %v", e.Cause)
	}
	return fmt.Sprintf("authentication failed: %v", e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Handshake connects to a database, performing credential issuance when no
// usable cached credential exists.
type Handshake struct {
	store  *Store
	logger *slog.Logger
}

// NewHandshake creates a handshake backed by the credential store.
func NewHandshake(store *Store, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handshake{store: store, logger: logger}
}

// Connect establishes an authenticated connection to the database named in
// cfg, returning the live transport handle (not yet reading) and the
// credential it authenticated with.
//
// With a cached credential the single attempt either succeeds or, when the
// server rejects the token, classifies as stale and invalidates the entry.
// Without one, the first attempt is unauthenticated and is expected to be
// rejected with issued credentials; those are persisted and the attempt is
// retried with the token attached.
func (h *Handshake) Connect(ctx context.Context, cfg connection.DialConfig) (*connection.Conn, Credential, error) {
	cred, cached, err := h.store.Get(cfg.Host, cfg.Database)
	if err != nil {
		h.logger.Warn("credential store unreadable, re-issuing", "error", err)
		cached = false
	}

	if cached {
		// A stale-credential rejection surfaces to the caller; the store
		// entry is invalidated so the NEXT call re-issues.
		return h.connectCached(ctx, cfg, cred)
	}

	return h.issueAndConnect(ctx, cfg)
}

func (h *Handshake) connectCached(ctx context.Context, cfg connection.DialConfig, cred Credential) (*connection.Conn, Credential, error) {
	cfg.Token = cred.Token
	conn, grant, err := connection.Dial(ctx, cfg, h.logger)
	if err != nil {
		if errors.Is(err, connection.ErrRejected) {
			h.invalidate(cfg)
			return nil, Credential{}, &Error{Stale: true, Cause: err}
		}
		return nil, Credential{}, err
	}
	if grant != nil {
		// The cached token was rejected but the server issued fresh
		// credentials in the same breath. Treat the cached entry as
		// stale and adopt the new issuance.
		h.invalidate(cfg)
		return h.connectIssued(ctx, cfg, *grant)
	}
	return conn, cred, nil
}

func (h *Handshake) issueAndConnect(ctx context.Context, cfg connection.DialConfig) (*connection.Conn, Credential, error) {
	cfg.Token = ""
	conn, grant, err := connection.Dial(ctx, cfg, h.logger)
	if err != nil {
		if errors.Is(err, connection.ErrRejected) {
			// Rejected with no credential metadata: a real failure, not
			// step one of the handshake.
			return nil, Credential{}, &Error{Cause: err}
		}
		return nil, Credential{}, err
	}
	if grant == nil {
		// Server accepted the anonymous attempt; identity arrives
		// in-band via the identity-issuance message.
		return conn, Credential{}, nil
	}
	return h.connectIssued(ctx, cfg, *grant)
}

// connectIssued persists a fresh grant and retries with it attached.
func (h *Handshake) connectIssued(ctx context.Context, cfg connection.DialConfig, grant connection.Grant) (*connection.Conn, Credential, error) {
	now := time.Now()
	cred := Credential{
		Identity:  grant.Identity,
		Token:     grant.Token,
		IssuedAt:  now,
		ExpiresAt: now.Add(DefaultTTL),
		Host:      cfg.Host,
		Database:  cfg.Database,
	}
	if err := h.store.Put(cred); err != nil {
		h.logger.Warn("failed to persist credential", "error", err)
	}

	h.logger.Debug("credential issued",
		"host", cfg.Host,
		"database", cfg.Database,
		"identity", cred.Identity,
	)

	cfg.Token = cred.Token
	conn, grant2, err := connection.Dial(ctx, cfg, h.logger)
	if err != nil {
		if errors.Is(err, connection.ErrRejected) {
			h.invalidate(cfg)
			return nil, Credential{}, &Error{Stale: true, Cause: err}
		}
		return nil, Credential{}, err
	}
	if grant2 != nil {
		// A freshly issued token bouncing straight back means the
		// server will never accept it; re-issuing in a loop would spin.
		h.invalidate(cfg)
		return nil, Credential{}, &Error{Stale: true, Cause: connection.ErrRejected}
	}
	return conn, cred, nil
}

func (h *Handshake) invalidate(cfg connection.DialConfig) {
	if err := h.store.Invalidate(cfg.Host, cfg.Database); err != nil {
		h.logger.Warn("failed to invalidate credential", "error", err)
	}
}
