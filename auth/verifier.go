package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrSignatureMalformed rejects signatures that are not well-formed
	// 65-byte secp256k1 recoverable signatures.
	ErrSignatureMalformed = errors.New("signature malformed")
	// ErrSignatureInvalid indicates a well-formed signature that does not
	// recover to the expected wallet.
	ErrSignatureInvalid = errors.New("signature does not match wallet")
)

const signatureLength = 65

// DecodeSignature parses a hex-encoded recoverable signature and normalises
// the trailing recovery byte from the 27/28 convention to 0/1.
func DecodeSignature(signature string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex encoded", ErrSignatureMalformed)
	}
	if len(raw) != signatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrSignatureMalformed, signatureLength, len(raw))
	}
	sig := append([]byte(nil), raw...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return nil, fmt.Errorf("%w: invalid recovery id", ErrSignatureMalformed)
	}
	return sig, nil
}

// VerifyMessage recovers the signer of the message's canonical digest and
// compares it case-insensitively against the expected wallet. The function is
// pure with respect to persistence: no side effects, no storage access.
func VerifyMessage(msg Message, signature, expectedWallet string) error {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return err
	}
	pubKey, err := ethcrypto.SigToPub(msg.Digest(), sig)
	if err != nil {
		return fmt.Errorf("%w: unrecoverable signature", ErrSignatureMalformed)
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if !strings.EqualFold(recovered.Hex(), strings.TrimSpace(expectedWallet)) {
		return ErrSignatureInvalid
	}
	return nil
}
