package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/ledger"
	"esgcoupon/services/issuanced/rewards"
)

type budgetRequest struct {
	TotalBudget    int64 `json:"total_budget"`
	PerPersonLimit int64 `json:"per_person_limit"`
}

type issuanceRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Period string `json:"period"`
	Reason string `json:"reason,omitempty"`
	TxRef  string `json:"tx_ref,omitempty"`
}

type rewardRequest struct {
	UserID       string `json:"user_id,omitempty"`
	Period       string `json:"period,omitempty"`
	BaseAmount   int64  `json:"base_amount"`
	IncomeTier   string `json:"income_tier,omitempty"`
	IncomeDecile int    `json:"income_decile,omitempty"`
	RegionTier   string `json:"region_tier"`
	Activity     string `json:"activity"`
	Reason       string `json:"reason,omitempty"`
	TxRef        string `json:"tx_ref,omitempty"`
}

func (req rewardRequest) incomeTier() string {
	if tier := strings.TrimSpace(req.IncomeTier); tier != "" {
		return tier
	}
	if req.IncomeDecile != 0 {
		return rewards.IncomeTierFromDecile(req.IncomeDecile)
	}
	return ""
}

func (req rewardRequest) activity() string {
	if tag := strings.TrimSpace(req.Activity); tag != "" {
		return tag
	}
	return rewards.ActivityBasic
}

type rewardResponse struct {
	Reward   rewards.Reward   `json:"reward"`
	Decision *ledger.Decision `json:"decision,omitempty"`
	Record   *ledger.Record   `json:"record,omitempty"`
}

// SetBudget replaces a period's allocation.
func (s *Server) SetBudget(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	var req budgetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	alloc, err := s.Ledger.SetBudget(r.Context(), period, req.TotalBudget, req.PerPersonLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "budget.set", alloc.Period, req)
	s.writeJSON(w, http.StatusOK, alloc)
}

// GetBudget reports a period's allocation and utilisation.
func (s *Server) GetBudget(w http.ResponseWriter, r *http.Request) {
	status, err := s.Ledger.BudgetStatus(r.Context(), chi.URLParam(r, "period"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// CheckIssuance answers whether an issuance may proceed. A rejection is a
// normal decision and is reported with 200.
func (s *Server) CheckIssuance(w http.ResponseWriter, r *http.Request) {
	var req issuanceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := s.Ledger.CheckIssuance(r.Context(), req.UserID, req.Amount, req.Period)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// RecordIssuance commits an issuance cleared by a prior check.
func (s *Server) RecordIssuance(w http.ResponseWriter, r *http.Request) {
	var req issuanceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.Ledger.RecordIssuance(r.Context(), req.UserID, req.Amount, req.Reason, req.TxRef, req.Period)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "issuance.recorded", record.RecordID, record)
	s.writeJSON(w, http.StatusCreated, record)
}

// IssueReward prices a reward and issues it in one step.
func (s *Server) IssueReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reward, err := s.Rewards.Calculate(req.BaseAmount, req.incomeTier(), req.RegionTier, req.activity())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "reward:" + req.activity()
	}
	record, decision, err := s.Ledger.Issue(r.Context(), req.UserID, reward.FinalAmount, reason, req.TxRef, req.Period)
	if err != nil {
		if decision.Code != "" && !errors.Is(err, apperr.ErrUnavailable) {
			status := statusFor(err)
			s.writeJSON(w, status, map[string]any{
				"error":    err.Error(),
				"reward":   reward,
				"decision": decision,
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "issuance.rewarded", record.RecordID, record)
	s.writeJSON(w, http.StatusCreated, rewardResponse{Reward: reward, Decision: &decision, Record: &record})
}

// CalculateReward prices a reward without touching the ledger.
func (s *Server) CalculateReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reward, err := s.Rewards.Calculate(req.BaseAmount, req.incomeTier(), req.RegionTier, req.activity())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rewardResponse{Reward: reward})
}

// GetUserSummary aggregates a user's issuance.
func (s *Server) GetUserSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Ledger.UserSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// GetTopRecipients ranks users by total issuance.
func (s *Server) GetTopRecipients(w http.ResponseWriter, r *http.Request) {
	limit := ledger.DefaultTopRecipients
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	ranked, err := s.Ledger.TopRecipients(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recipients": ranked})
}
