package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stakegate/auth"
	"stakegate/observability"
	"stakegate/staking"
)

type nonceRequest struct {
	SubjectType   string `json:"subjectType"`
	SubjectID     string `json:"subjectId"`
	WalletAddress string `json:"walletAddress"`
	Operation     string `json:"operation"`
}

type nonceResponse struct {
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// signedRequest is the shared envelope for the three ledger operations. The
// message is strictly typed and exhaustively validated before anything
// reaches the core.
type signedRequest struct {
	AgentID       string       `json:"agentId"`
	PoolID        string       `json:"poolId,omitempty"`
	StakeID       string       `json:"stakeId,omitempty"`
	AmountCents   int64        `json:"amountCents,omitempty"`
	WalletAddress string       `json:"walletAddress"`
	Signature     string       `json:"signature"`
	Message       auth.Message `json:"message"`
}

// IssueNonce mints a single-use challenge for a subject, wallet and
// operation.
func (s *Server) IssueNonce(w http.ResponseWriter, r *http.Request) {
	var req nonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	op, err := auth.ParseOperation(req.Operation)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		s.writeError(w, http.StatusBadRequest, "subjectId is required")
		return
	}
	nonce, err := s.Auth.IssueNonce(r.Context(), req.SubjectType, req.SubjectID, req.WalletAddress, op, s.NonceTTL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, nonceResponse{
		Nonce:     nonce.Token,
		IssuedAt:  nonce.IssuedAt,
		ExpiresAt: nonce.ExpiresAt,
	})
}

// decodeSigned parses and pre-validates the signed envelope. The expected
// operation is checked against the message up front so a challenge for one
// endpoint is rejected cheaply at another.
func (s *Server) decodeSigned(w http.ResponseWriter, r *http.Request, expected auth.Operation) (*signedRequest, uuid.UUID, bool) {
	var req signedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return nil, uuid.Nil, false
	}
	if err := req.Message.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid auth message: "+err.Error())
		return nil, uuid.Nil, false
	}
	if req.Message.Operation != expected {
		s.writeError(w, http.StatusBadRequest, "auth message operation mismatch")
		return nil, uuid.Nil, false
	}
	if req.Message.ChainID != s.ChainID {
		s.writeError(w, http.StatusBadRequest, "auth message chain id mismatch")
		return nil, uuid.Nil, false
	}
	agentID, err := uuid.Parse(strings.TrimSpace(req.AgentID))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid agent id")
		return nil, uuid.Nil, false
	}
	return &req, agentID, true
}

// CreateStake opens a staking position. An omitted poolId targets the
// default pool.
func (s *Server) CreateStake(w http.ResponseWriter, r *http.Request) {
	req, agentID, ok := s.decodeSigned(w, r, auth.OpStake)
	if !ok {
		return
	}
	var poolID *uuid.UUID
	if strings.TrimSpace(req.PoolID) != "" {
		parsed, err := uuid.Parse(req.PoolID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid pool id")
			return
		}
		poolID = &parsed
	}
	stake, err := s.Ledger.Stake(r.Context(), agentID, poolID, req.AmountCents, req.WalletAddress, req.Signature, req.Message)
	if err != nil {
		s.writeLedgerError(w, string(auth.OpStake), err)
		return
	}
	observability.Staking().Operations.WithLabelValues(string(auth.OpStake), "ok").Inc()
	s.writeJSON(w, http.StatusCreated, stake)
}

// Unstake withdraws a position once its time-lock has elapsed.
func (s *Server) Unstake(w http.ResponseWriter, r *http.Request) {
	req, agentID, ok := s.decodeSigned(w, r, auth.OpUnstake)
	if !ok {
		return
	}
	stakeID, err := uuid.Parse(strings.TrimSpace(req.StakeID))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stake id")
		return
	}
	stake, err := s.Ledger.Unstake(r.Context(), stakeID, agentID, req.Signature, req.Message)
	if err != nil {
		s.writeLedgerError(w, string(auth.OpUnstake), err)
		return
	}
	observability.Staking().Operations.WithLabelValues(string(auth.OpUnstake), "ok").Inc()
	s.writeJSON(w, http.StatusOK, stake)
}

// ClaimRewards pays out every unclaimed reward for a stake.
func (s *Server) ClaimRewards(w http.ResponseWriter, r *http.Request) {
	req, agentID, ok := s.decodeSigned(w, r, auth.OpClaim)
	if !ok {
		return
	}
	stakeID, err := uuid.Parse(strings.TrimSpace(req.StakeID))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stake id")
		return
	}
	result, err := s.Ledger.ClaimRewards(r.Context(), stakeID, agentID, req.Signature, req.Message)
	if err != nil {
		s.writeLedgerError(w, string(auth.OpClaim), err)
		return
	}
	observability.Staking().Operations.WithLabelValues(string(auth.OpClaim), "ok").Inc()
	s.writeJSON(w, http.StatusOK, result)
}

// ListPools returns every pool currently accepting stakes.
func (s *Server) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.Ledger.ActivePools(r.Context())
	if err != nil {
		s.logger.Error("list pools", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, pools)
}

type stakeStatusResponse struct {
	staking.Stake
	UnclaimedRewardCents int64 `json:"unclaimedRewardCents"`
}

// GetStake returns a stake with its unclaimed reward total, accruing pending
// interest opportunistically first.
func (s *Server) GetStake(w http.ResponseWriter, r *http.Request) {
	stakeID, err := uuid.Parse(chi.URLParam(r, "stakeID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stake id")
		return
	}
	if err := s.Ledger.CalculateRewards(r.Context(), stakeID); err != nil {
		s.writeLedgerError(w, "status", err)
		return
	}
	stake, err := s.Ledger.StakeByID(r.Context(), stakeID)
	if err != nil {
		s.writeLedgerError(w, "status", err)
		return
	}
	unclaimed, err := s.Ledger.UnclaimedRewardCents(r.Context(), stakeID)
	if err != nil {
		s.writeLedgerError(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stakeStatusResponse{Stake: *stake, UnclaimedRewardCents: unclaimed})
}

// ListAgentStakes returns the agent's stakes, newest first.
func (s *Server) ListAgentStakes(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	stakes, err := s.Ledger.StakesByAgent(r.Context(), agentID)
	if err != nil {
		s.logger.Error("list stakes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, stakes)
}
