package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validMessage() Message {
	return Message{
		Domain:        SigningDomain,
		SubjectType:   SubjectAgent,
		SubjectID:     "7a8f60c2-1b6c-4b15-9c6e-2d0f0e3db9aa",
		WalletAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		Nonce:         "deadbeef",
		IssuedAt:      1700000000,
		ExpiresAt:     1700000300,
		Operation:     OpStake,
		ChainID:       1,
	}
}

func TestMessageValidate(t *testing.T) {
	require.NoError(t, validMessage().Validate())

	cases := []struct {
		name   string
		mutate func(*Message)
	}{
		{"wrong domain", func(m *Message) { m.Domain = "stakegate/v0" }},
		{"wrong subject type", func(m *Message) { m.SubjectType = "studio" }},
		{"empty subject id", func(m *Message) { m.SubjectID = "  " }},
		{"bad wallet", func(m *Message) { m.WalletAddress = "0x123" }},
		{"empty nonce", func(m *Message) { m.Nonce = "" }},
		{"unknown operation", func(m *Message) { m.Operation = "transfer" }},
		{"zero issuedAt", func(m *Message) { m.IssuedAt = 0 }},
		{"expiry before issue", func(m *Message) { m.ExpiresAt = m.IssuedAt }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := validMessage()
			tc.mutate(&msg)
			require.Error(t, msg.Validate())
		})
	}
}

func TestSigningStringBindsEveryField(t *testing.T) {
	base := validMessage()
	mutations := []func(*Message){
		func(m *Message) { m.Domain = "stakegate/v2" },
		func(m *Message) { m.SubjectType = "operator" },
		func(m *Message) { m.SubjectID = "other" },
		func(m *Message) { m.WalletAddress = "0x0000000000000000000000000000000000000001" },
		func(m *Message) { m.Nonce = "feedface" },
		func(m *Message) { m.IssuedAt++ },
		func(m *Message) { m.ExpiresAt++ },
		func(m *Message) { m.Operation = OpClaim },
		func(m *Message) { m.ChainID++ },
	}
	seen := map[string]struct{}{base.SigningString(): {}}
	for i, mutate := range mutations {
		msg := base
		mutate(&msg)
		s := msg.SigningString()
		_, dup := seen[s]
		require.Falsef(t, dup, "mutation %d did not change the signing string", i)
		seen[s] = struct{}{}
	}
}

func TestSigningStringCaseInsensitiveWallet(t *testing.T) {
	lower := validMessage()
	lower.WalletAddress = strings.ToLower(lower.WalletAddress)
	require.Equal(t, validMessage().SigningString(), lower.SigningString())
}

func TestDigestTracksSigningString(t *testing.T) {
	a := validMessage()
	b := validMessage()
	b.Nonce = "feedface"
	require.NotEqual(t, a.Digest(), b.Digest())
	require.Len(t, a.Digest(), 32)
}

func TestParseOperation(t *testing.T) {
	for _, valid := range []string{"stake", "unstake", "claim"} {
		op, err := ParseOperation(valid)
		require.NoError(t, err)
		require.Equal(t, Operation(valid), op)
	}
	_, err := ParseOperation("withdraw")
	require.Error(t, err)
}
