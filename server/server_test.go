package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"stakegate/auth"
	"stakegate/staking"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	srv    *Server
	clock  *fakeClock
	key    *ecdsa.PrivateKey
	wallet string
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := staking.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	authenticator := auth.NewAuthenticator(auth.NewGormNonceStore(db), 0, clock.Now)
	ledger := staking.NewLedger(db, authenticator, staking.Config{}, clock.Now)
	if _, err := ledger.GetOrCreateDefaultPool(context.Background()); err != nil {
		t.Fatalf("bootstrap pool: %v", err)
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := New(Config{DB: db, Ledger: ledger, Auth: authenticator, ChainID: 1})
	return &testServer{
		srv:    srv,
		clock:  clock,
		key:    key,
		wallet: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// signedEnvelope requests a nonce over the API and returns a fully signed
// request body for the given operation.
func (ts *testServer) signedEnvelope(t *testing.T, agentID uuid.UUID, op auth.Operation) signedRequest {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/staking/nonce", nonceRequest{
		SubjectType:   auth.SubjectAgent,
		SubjectID:     agentID.String(),
		WalletAddress: ts.wallet,
		Operation:     string(op),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("nonce status = %d: %s", rec.Code, rec.Body.String())
	}
	var nr nonceResponse
	decodeBody(t, rec, &nr)

	msg := auth.Message{
		Domain:        auth.SigningDomain,
		SubjectType:   auth.SubjectAgent,
		SubjectID:     agentID.String(),
		WalletAddress: ts.wallet,
		Nonce:         nr.Nonce,
		IssuedAt:      nr.IssuedAt.Unix(),
		ExpiresAt:     nr.ExpiresAt.Unix(),
		Operation:     op,
		ChainID:       1,
	}
	sig, err := ethcrypto.Sign(msg.Digest(), ts.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signedRequest{
		AgentID:       agentID.String(),
		WalletAddress: ts.wallet,
		Signature:     hex.EncodeToString(sig),
		Message:       msg,
	}
}

func (ts *testServer) createStake(t *testing.T, agentID uuid.UUID, amountCents int64) staking.Stake {
	t.Helper()
	body := ts.signedEnvelope(t, agentID, auth.OpStake)
	body.AmountCents = amountCents
	rec := ts.do(t, http.MethodPost, "/v1/staking/stake", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("stake status = %d: %s", rec.Code, rec.Body.String())
	}
	var stake staking.Stake
	decodeBody(t, rec, &stake)
	return stake
}

func TestHealthz(t *testing.T) {
	ts := setupServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStakeEndToEnd(t *testing.T) {
	ts := setupServer(t)
	agentID := uuid.New()

	body := ts.signedEnvelope(t, agentID, auth.OpStake)
	body.AmountCents = 10_000
	rec := ts.do(t, http.MethodPost, "/v1/staking/stake", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("stake status = %d: %s", rec.Code, rec.Body.String())
	}
	var stake staking.Stake
	decodeBody(t, rec, &stake)
	if stake.Status != staking.StakeStatusActive {
		t.Fatalf("status = %s, want active", stake.Status)
	}

	// Replaying the identical request must fail with the generic message.
	rec = ts.do(t, http.MethodPost, "/v1/staking/stake", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d: %s", rec.Code, rec.Body.String())
	}
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	if errBody["error"] != "authentication failed" {
		t.Fatalf("replay error = %q", errBody["error"])
	}

	rec = ts.do(t, http.MethodGet, "/v1/staking/stakes/"+stake.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get stake status = %d: %s", rec.Code, rec.Body.String())
	}
	var status stakeStatusResponse
	decodeBody(t, rec, &status)
	if status.ID != stake.ID || status.UnclaimedRewardCents != 0 {
		t.Fatalf("status response = %+v", status)
	}

	rec = ts.do(t, http.MethodGet, "/v1/staking/agents/"+agentID.String()+"/stakes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list stakes status = %d", rec.Code)
	}
	var stakes []staking.Stake
	decodeBody(t, rec, &stakes)
	if len(stakes) != 1 || stakes[0].ID != stake.ID {
		t.Fatalf("stakes = %+v", stakes)
	}

	rec = ts.do(t, http.MethodGet, "/v1/staking/pools", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pools status = %d", rec.Code)
	}
	var pools []staking.Pool
	decodeBody(t, rec, &pools)
	if len(pools) != 1 || pools[0].TotalStakedCents != 10_000 || pools[0].TotalStakesCount != 1 {
		t.Fatalf("pools = %+v", pools)
	}
}

func TestStakeBelowMinimumResponse(t *testing.T) {
	ts := setupServer(t)
	body := ts.signedEnvelope(t, uuid.New(), auth.OpStake)
	body.AmountCents = 1
	rec := ts.do(t, http.MethodPost, "/v1/staking/stake", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStakeWrongSignerRejected(t *testing.T) {
	ts := setupServer(t)
	agentID := uuid.New()
	body := ts.signedEnvelope(t, agentID, auth.OpStake)
	body.AmountCents = 10_000

	otherKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := ethcrypto.Sign(body.Message.Digest(), otherKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body.Signature = hex.EncodeToString(sig)

	rec := ts.do(t, http.MethodPost, "/v1/staking/stake", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	if errBody["error"] != "authentication failed" {
		t.Fatalf("error = %q", errBody["error"])
	}
}

func TestUnstakeFlow(t *testing.T) {
	ts := setupServer(t)
	agentID := uuid.New()
	stake := ts.createStake(t, agentID, 10_000)

	// Too early: the conflict response reports when the lock lifts.
	body := ts.signedEnvelope(t, agentID, auth.OpUnstake)
	body.StakeID = stake.ID.String()
	rec := ts.do(t, http.MethodPost, "/v1/staking/unstake", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("locked status = %d: %s", rec.Code, rec.Body.String())
	}
	var lockedBody map[string]string
	decodeBody(t, rec, &lockedBody)
	if lockedBody["canUnstakeAt"] != stake.CanUnstakeAt.UTC().Format(time.RFC3339) {
		t.Fatalf("canUnstakeAt = %q, want %q", lockedBody["canUnstakeAt"], stake.CanUnstakeAt.UTC().Format(time.RFC3339))
	}

	ts.clock.Advance(staking.DefaultLockDuration + time.Minute)

	body = ts.signedEnvelope(t, agentID, auth.OpUnstake)
	body.StakeID = stake.ID.String()
	rec = ts.do(t, http.MethodPost, "/v1/staking/unstake", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unstake status = %d: %s", rec.Code, rec.Body.String())
	}
	var unstaked staking.Stake
	decodeBody(t, rec, &unstaked)
	if unstaked.Status != staking.StakeStatusUnstaked {
		t.Fatalf("status = %s, want unstaked", unstaked.Status)
	}

	body = ts.signedEnvelope(t, agentID, auth.OpUnstake)
	body.StakeID = stake.ID.String()
	rec = ts.do(t, http.MethodPost, "/v1/staking/unstake", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second unstake status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestClaimFlow(t *testing.T) {
	ts := setupServer(t)
	agentID := uuid.New()
	stake := ts.createStake(t, agentID, 100_000)

	ts.clock.Advance(30 * 24 * time.Hour)

	body := ts.signedEnvelope(t, agentID, auth.OpClaim)
	body.StakeID = stake.ID.String()
	rec := ts.do(t, http.MethodPost, "/v1/staking/claim", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d: %s", rec.Code, rec.Body.String())
	}
	var result staking.ClaimResult
	decodeBody(t, rec, &result)
	if result.ClaimedCents <= 0 || result.RewardsClaimed != 1 {
		t.Fatalf("claim result = %+v", result)
	}

	body = ts.signedEnvelope(t, agentID, auth.OpClaim)
	body.StakeID = stake.ID.String()
	rec = ts.do(t, http.MethodPost, "/v1/staking/claim", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second claim status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOperationMismatchRejectedEarly(t *testing.T) {
	ts := setupServer(t)
	agentID := uuid.New()
	stake := ts.createStake(t, agentID, 10_000)

	// A stake challenge presented to the unstake endpoint is refused before
	// any nonce lookup.
	body := ts.signedEnvelope(t, agentID, auth.OpStake)
	body.StakeID = stake.ID.String()
	rec := ts.do(t, http.MethodPost, "/v1/staking/unstake", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBadRequests(t *testing.T) {
	ts := setupServer(t)

	cases := []struct {
		name string
		path string
		body interface{}
	}{
		{"malformed json", "/v1/staking/stake", "not-json"},
		{"unknown operation", "/v1/staking/nonce", nonceRequest{SubjectType: auth.SubjectAgent, SubjectID: "a", WalletAddress: ts.wallet, Operation: "transfer"}},
		{"missing subject", "/v1/staking/nonce", nonceRequest{SubjectType: auth.SubjectAgent, WalletAddress: ts.wallet, Operation: "stake"}},
		{"invalid message", "/v1/staking/stake", signedRequest{AgentID: uuid.NewString(), WalletAddress: ts.wallet, Signature: "00", Message: auth.Message{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tc.path, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	t.Run("wrong chain id", func(t *testing.T) {
		body := ts.signedEnvelope(t, uuid.New(), auth.OpStake)
		body.Message.ChainID = 5
		body.AmountCents = 10_000
		rec := ts.do(t, http.MethodPost, "/v1/staking/stake", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
	})

	rec := ts.do(t, http.MethodGet, "/v1/staking/stakes/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid stake id status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/staking/stakes/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown stake status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/staking/agents/"+uuid.NewString()+"/stakes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown agent status = %d", rec.Code)
	}
	var stakes []staking.Stake
	decodeBody(t, rec, &stakes)
	if len(stakes) != 0 {
		t.Fatalf("stakes = %+v, want empty", stakes)
	}
}

func TestGetStakeAccruesOpportunistically(t *testing.T) {
	ts := setupServer(t)
	agentID := uuid.New()
	stake := ts.createStake(t, agentID, 10_000_000)

	ts.clock.Advance(48 * time.Hour)

	rec := ts.do(t, http.MethodGet, "/v1/staking/stakes/"+stake.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var status stakeStatusResponse
	decodeBody(t, rec, &status)
	if status.UnclaimedRewardCents <= 0 {
		t.Fatalf("unclaimedRewardCents = %d, want > 0", status.UnclaimedRewardCents)
	}
	if status.EarnedRewardsCents != status.UnclaimedRewardCents {
		t.Fatalf("earned = %d, unclaimed = %d", status.EarnedRewardsCents, status.UnclaimedRewardCents)
	}
}
