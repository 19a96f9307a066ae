package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/auth"
	"esgcoupon/services/issuanced/authority"
	"esgcoupon/services/issuanced/authorizer"
)

type proposeRequest struct {
	Role    string             `json:"role,omitempty"`
	Payload authorizer.Payload `json:"payload"`
}

type approveRequest struct {
	Signer string `json:"signer"`
	Proof  string `json:"proof"`
}

type finalizeResponse struct {
	Descriptor authorizer.Descriptor `json:"descriptor"`
	TxRef      string                `json:"tx_ref,omitempty"`
}

func (s *Server) authorizerReady(w http.ResponseWriter, r *http.Request) bool {
	if s.Authorizer == nil {
		s.writeError(w, r, fmt.Errorf("%w: authorizations are not configured", apperr.ErrUnavailable))
		return false
	}
	return true
}

// ProposeAction opens a privileged action for approval. The role defaults to
// the one the payload requires.
func (s *Server) ProposeAction(w http.ResponseWriter, r *http.Request) {
	if !s.authorizerReady(w, r) {
		return
	}
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role := req.Payload.RequiredRole()
	if strings.TrimSpace(req.Role) != "" {
		parsed, err := authority.ParseRole(req.Role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		role = parsed
	}
	pending, err := s.Authorizer.Propose(r.Context(), role, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "authorization.proposed", pending.ActionID, map[string]any{
		"role":      pending.Role,
		"type":      pending.Payload.Type(),
		"threshold": pending.Threshold,
	})
	s.writeJSON(w, http.StatusCreated, pending)
}

// ApproveAction records one signer's approval. Tokens bound to a signer may
// only approve as that signer.
func (s *Server) ApproveAction(w http.ResponseWriter, r *http.Request) {
	if !s.authorizerReady(w, r) {
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	signer := strings.TrimSpace(req.Signer)
	if claims, err := auth.FromContext(r.Context()); err == nil && claims.Signer != "" {
		if signer == "" {
			signer = claims.Signer
		}
		if signer != claims.Signer {
			s.writeError(w, r, fmt.Errorf("%w: token is bound to %s", authorizer.ErrUnauthorizedSigner, claims.Signer))
			return
		}
	}
	actionID := chi.URLParam(r, "id")
	pending, err := s.Authorizer.Approve(r.Context(), actionID, signer, req.Proof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "authorization.approved", actionID, map[string]any{
		"signer":    signer,
		"approvals": len(pending.Approvals),
		"status":    pending.Status,
	})
	s.writeJSON(w, http.StatusOK, pending)
}

// FinalizeAction converts a ready action into its descriptor and, when a
// dispatcher is configured, submits it. Both steps are idempotent so a failed
// submission can be retried with the same call.
func (s *Server) FinalizeAction(w http.ResponseWriter, r *http.Request) {
	if !s.authorizerReady(w, r) {
		return
	}
	actionID := chi.URLParam(r, "id")
	desc, err := s.Authorizer.Finalize(r.Context(), actionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := finalizeResponse{Descriptor: desc}
	if s.Dispatcher != nil {
		txRef, err := s.Dispatcher.Broadcast(r.Context(), actionID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.TxRef = txRef
	}
	s.appendEvent(r.Context(), actor(r), "authorization.finalized", actionID, map[string]any{
		"signers": desc.Signers,
		"tx_ref":  resp.TxRef,
	})
	s.writeJSON(w, http.StatusOK, resp)
}

// GetAction returns the state of one action.
func (s *Server) GetAction(w http.ResponseWriter, r *http.Request) {
	if !s.authorizerReady(w, r) {
		return
	}
	pending, err := s.Authorizer.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pending)
}

// ListActions lists actions, optionally filtered by ?status=.
func (s *Server) ListActions(w http.ResponseWriter, r *http.Request) {
	if !s.authorizerReady(w, r) {
		return
	}
	status, err := authorizer.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actions, err := s.Authorizer.List(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"authorizations": actions})
}

// ListAuthorities describes every provisioned role.
func (s *Server) ListAuthorities(w http.ResponseWriter, r *http.Request) {
	if s.Authorities == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"authorities": []authority.View{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"authorities": s.Authorities.Describe()})
}
