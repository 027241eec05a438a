package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultNonceTTL bounds how long a signature challenge stays valid.
	// The TTL is the only cancellation mechanism for the handshake.
	DefaultNonceTTL = 5 * time.Minute
	maxNonceTTL     = 30 * time.Minute
)

// Authenticator issues single-use challenges and verifies wallet signatures
// over them. It gates access to financial state but owns none of it.
type Authenticator struct {
	store NonceStore
	ttl   time.Duration
	nowFn func() time.Time
}

func NewAuthenticator(store NonceStore, ttl time.Duration, nowFn func() time.Time) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if ttl > maxNonceTTL {
		ttl = maxNonceTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{store: store, ttl: ttl, nowFn: nowFn}
}

// Store exposes the configured nonce store.
func (a *Authenticator) Store() NonceStore {
	return a.store
}

// WithStore returns a copy bound to the provided store. The ledger uses this
// to scope nonce consumption to an open transaction.
func (a *Authenticator) WithStore(store NonceStore) *Authenticator {
	return &Authenticator{store: store, ttl: a.ttl, nowFn: a.nowFn}
}

// IssueNonce mints a fresh random challenge for the subject, wallet and
// operation. Multiple challenges may be outstanding for the same subject and
// operation at once; each authenticates at most one request.
func (a *Authenticator) IssueNonce(ctx context.Context, subjectType, subjectID, wallet string, op Operation, ttl time.Duration) (*Nonce, error) {
	if subjectType != SubjectAgent {
		return nil, fmt.Errorf("unsupported subject type %q", subjectType)
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("subject id is required")
	}
	if _, err := ParseOperation(string(op)); err != nil {
		return nil, err
	}
	if ttl <= 0 || ttl > maxNonceTTL {
		ttl = a.ttl
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := a.nowFn().UTC()
	nonce := &Nonce{
		ID:            uuid.New(),
		SubjectType:   subjectType,
		SubjectID:     strings.TrimSpace(subjectID),
		WalletAddress: strings.ToLower(strings.TrimSpace(wallet)),
		Token:         token,
		Operation:     op,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := a.store.Insert(ctx, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// VerifyAndConsume checks the signed message against its stored challenge and
// burns the challenge on success.
//
// A missing, expired, already-consumed or mismatched nonce reports
// ErrNonceNotFound without distinguishing the cases. An invalid signature
// leaves the nonce unconsumed so the caller may retry with a corrected
// signature, but can never replay the wrong one. The final consume is a single
// conditional store operation: of any concurrent submissions of the same
// signed message, exactly one succeeds.
func (a *Authenticator) VerifyAndConsume(ctx context.Context, msg Message, signature, wallet string) error {
	now := a.nowFn().UTC()
	stored, err := a.store.Find(ctx, msg.Nonce)
	if err != nil {
		return err
	}
	if !stored.Usable(now) {
		return ErrNonceNotFound
	}
	if !stored.Matches(msg, wallet) {
		return ErrNonceNotFound
	}
	if err := VerifyMessage(msg, signature, wallet); err != nil {
		return err
	}
	return a.store.Consume(ctx, msg.Nonce, now)
}
