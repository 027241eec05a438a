package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNonceNotFound covers every way a challenge can fail to authenticate:
// missing, expired, already consumed, or bound to a different subject, wallet
// or operation. Callers receive a single class so responses do not reveal
// which check failed.
var ErrNonceNotFound = errors.New("nonce not found")

// Nonce is a persisted single-use authentication challenge.
type Nonce struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SubjectType   string     `gorm:"size:32;index:idx_nonce_subject" json:"subjectType"`
	SubjectID     string     `gorm:"size:64;index:idx_nonce_subject" json:"subjectId"`
	WalletAddress string     `gorm:"size:64;index" json:"walletAddress"`
	Token         string     `gorm:"size:128;uniqueIndex" json:"nonce"`
	Operation     Operation  `gorm:"size:16" json:"operation"`
	IssuedAt      time.Time  `json:"issuedAt"`
	ExpiresAt     time.Time  `gorm:"index" json:"expiresAt"`
	ConsumedAt    *time.Time `json:"consumedAt,omitempty"`
}

// Usable reports whether the challenge can still authenticate at the given
// time.
func (n *Nonce) Usable(now time.Time) bool {
	return n.ConsumedAt == nil && now.Before(n.ExpiresAt)
}

// Matches reports whether the challenge was minted for the given message and
// the caller-claimed wallet. A nonce issued for one agent can never
// authenticate an operation claimed for another, even under the same wallet.
func (n *Nonce) Matches(msg Message, wallet string) bool {
	return n.SubjectType == msg.SubjectType &&
		n.SubjectID == msg.SubjectID &&
		n.Operation == msg.Operation &&
		strings.EqualFold(n.WalletAddress, msg.WalletAddress) &&
		strings.EqualFold(n.WalletAddress, strings.TrimSpace(wallet))
}

// NonceStore provides durable storage for single-use challenges. The backend
// is selected at startup via configuration: in-process memory for single-node
// deployments, database-backed for horizontally scaled ones.
type NonceStore interface {
	Insert(ctx context.Context, nonce *Nonce) error
	// Find returns the challenge by its opaque token, or ErrNonceNotFound.
	Find(ctx context.Context, token string) (*Nonce, error)
	// Consume marks the challenge used, conditioned on it being unconsumed
	// and unexpired, in a single atomic step. Exactly one of any set of
	// concurrent consumers succeeds; the rest get ErrNonceNotFound.
	Consume(ctx context.Context, token string, now time.Time) error
	// PruneExpired removes expired challenges and reports how many were
	// deleted. The sweep is idempotent.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
