package auth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SigningDomain is the fixed domain separator embedded in every signing
// payload. Bumping the version invalidates all previously issued signatures.
const SigningDomain = "stakegate/v1"

// SubjectAgent is the only subject type the staking ledger currently serves.
const SubjectAgent = "agent"

// Operation names a ledger action a challenge can authorize.
type Operation string

const (
	OpStake   Operation = "stake"
	OpUnstake Operation = "unstake"
	OpClaim   Operation = "claim"
)

// ParseOperation validates an operation name received over the wire.
func ParseOperation(v string) (Operation, error) {
	switch Operation(strings.TrimSpace(v)) {
	case OpStake:
		return OpStake, nil
	case OpUnstake:
		return OpUnstake, nil
	case OpClaim:
		return OpClaim, nil
	default:
		return "", fmt.Errorf("unknown operation %q", v)
	}
}

// Message is the full authentication payload a wallet signs. Timestamps are
// unix seconds so the canonical form is byte-for-byte deterministic.
type Message struct {
	Domain        string    `json:"domain"`
	SubjectType   string    `json:"subjectType"`
	SubjectID     string    `json:"subjectId"`
	WalletAddress string    `json:"walletAddress"`
	Nonce         string    `json:"nonce"`
	IssuedAt      int64     `json:"issuedAt"`
	ExpiresAt     int64     `json:"expiresAt"`
	Operation     Operation `json:"operation"`
	ChainID       uint64    `json:"chainId"`
}

// Validate performs exhaustive field validation at the deserialization
// boundary. It rejects shapes the ledger should never see, independent of any
// signature or nonce checks.
func (m Message) Validate() error {
	if m.Domain != SigningDomain {
		return fmt.Errorf("unsupported signing domain %q", m.Domain)
	}
	if m.SubjectType != SubjectAgent {
		return fmt.Errorf("unsupported subject type %q", m.SubjectType)
	}
	if strings.TrimSpace(m.SubjectID) == "" {
		return fmt.Errorf("subject id is required")
	}
	if !common.IsHexAddress(m.WalletAddress) {
		return fmt.Errorf("malformed wallet address")
	}
	if strings.TrimSpace(m.Nonce) == "" {
		return fmt.Errorf("nonce is required")
	}
	if _, err := ParseOperation(string(m.Operation)); err != nil {
		return err
	}
	if m.IssuedAt <= 0 {
		return fmt.Errorf("issuedAt must be set")
	}
	if m.ExpiresAt <= m.IssuedAt {
		return fmt.Errorf("expiresAt must be after issuedAt")
	}
	return nil
}

// SigningString renders the canonical payload. Field order is fixed and every
// field is included, so two messages differing in any field serialize to
// different strings and a signature over one never validates the other.
func (m Message) SigningString() string {
	return strings.Join([]string{
		m.Domain,
		m.SubjectType,
		m.SubjectID,
		strings.ToLower(strings.TrimSpace(m.WalletAddress)),
		m.Nonce,
		strconv.FormatInt(m.IssuedAt, 10),
		strconv.FormatInt(m.ExpiresAt, 10),
		string(m.Operation),
		strconv.FormatUint(m.ChainID, 10),
	}, "\n")
}

// Digest hashes the canonical payload under the standard Ethereum
// personal-message prefix so ordinary wallet tooling produces compatible
// signatures.
func (m Message) Digest() []byte {
	payload := m.SigningString()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(payload), payload)
	return ethcrypto.Keccak256([]byte(prefixed))
}
