package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"esgcoupon/crypto"
	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/ledger"
	"esgcoupon/services/issuanced/nodeapi"
	"esgcoupon/services/issuanced/policydoc"
)

type balanceResponse struct {
	Address string `json:"address"`
	AssetID string `json:"asset_id"`
	Amount  string `json:"amount"`
	OptedIn bool   `json:"opted_in"`
}

type anchorRequest struct {
	AssetID string `json:"asset_id,omitempty"`
	Network string `json:"network,omitempty"`
}

// GetBalance reads an account's balance from the token network. Accounts that
// have not opted in to the asset are reported as not found.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	if s.Oracle == nil {
		s.writeError(w, r, fmt.Errorf("%w: balance oracle is not configured", apperr.ErrUnavailable))
		return
	}
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if _, err := crypto.DecodeAddress(address); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid address: %v", apperr.ErrValidation, err))
		return
	}
	assetID := s.AssetID
	if q := strings.TrimSpace(r.URL.Query().Get("asset_id")); q != "" {
		assetID = q
	}
	balance, err := s.Oracle.Balance(r.Context(), address, assetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !balance.OptedIn {
		s.writeError(w, r, fmt.Errorf("%w: %s has not opted in to %s", nodeapi.ErrAssetNotFound, address, assetID))
		return
	}
	amount := "0"
	if balance.Amount != nil {
		amount = balance.Amount.Dec()
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		Address: balance.Address,
		AssetID: balance.AssetID,
		Amount:  amount,
		OptedIn: true,
	})
}

type assetResponse struct {
	AssetID      string         `json:"asset_id"`
	TotalSupply  string         `json:"total_supply"`
	MetadataHash string         `json:"metadata_hash"`
	Period       string         `json:"period"`
	Budget       *ledger.Status `json:"budget"`
}

// GetAsset reports the asset's on-chain state alongside the budget status of
// the requested period, defaulting to the current quarter. A period without an
// allocation yields a null budget.
func (s *Server) GetAsset(w http.ResponseWriter, r *http.Request) {
	if s.Oracle == nil {
		s.writeError(w, r, fmt.Errorf("%w: balance oracle is not configured", apperr.ErrUnavailable))
		return
	}
	query := r.URL.Query()
	assetID := s.AssetID
	if q := strings.TrimSpace(query.Get("asset_id")); q != "" {
		assetID = q
	}
	period := strings.TrimSpace(query.Get("period"))
	if period == "" {
		period = ledger.PeriodFor(s.Now())
	}
	asset, err := s.Oracle.Asset(r.Context(), assetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := assetResponse{
		AssetID:      asset.AssetID,
		TotalSupply:  "0",
		MetadataHash: asset.MetadataHash,
		Period:       period,
	}
	if asset.TotalSupply != nil {
		resp.TotalSupply = asset.TotalSupply.Dec()
	}
	status, err := s.Ledger.BudgetStatus(r.Context(), period)
	switch {
	case err == nil:
		resp.Budget = &status
	case errors.Is(err, ledger.ErrUnknownPeriod):
	default:
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// RunInvariants executes every invariant check and returns the signed report.
func (s *Server) RunInvariants(w http.ResponseWriter, r *http.Request) {
	if s.Verifier == nil {
		s.writeError(w, r, fmt.Errorf("%w: verifier is disabled", apperr.ErrUnavailable))
		return
	}
	report, err := s.Verifier.VerifyAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "invariants.verified", report.ID.String(), map[string]any{
		"all_passed": report.AllPassed,
		"degraded":   report.Degraded,
	})
	s.writeJSON(w, http.StatusOK, report)
}

// LatestReport returns the newest archived report.
func (s *Server) LatestReport(w http.ResponseWriter, r *http.Request) {
	if s.Verifier == nil {
		s.writeError(w, r, fmt.Errorf("%w: verifier is disabled", apperr.ErrUnavailable))
		return
	}
	report, err := s.Verifier.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) policiesReady(w http.ResponseWriter, r *http.Request) bool {
	if s.Policies == nil {
		s.writeError(w, r, fmt.Errorf("%w: policy store is not configured", apperr.ErrUnavailable))
		return false
	}
	return true
}

// CreatePolicy stores a policy document and returns it with its hash.
func (s *Server) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.policiesReady(w, r) {
		return
	}
	var doc policydoc.Document
	if err := decodeJSON(r, &doc); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, hash, err := s.Policies.SaveDocument(doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metadataHash, err := policydoc.MetadataHash(stored.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "policy.created", stored.DocumentID, map[string]string{
		"version":       stored.Version,
		"document_hash": hash,
	})
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"document":      stored,
		"document_hash": hash,
		"metadata_hash": metadataHash,
	})
}

// ListPolicies lists stored policy documents.
func (s *Server) ListPolicies(w http.ResponseWriter, r *http.Request) {
	if !s.policiesReady(w, r) {
		return
	}
	summaries, err := s.Policies.ListDocuments()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": summaries})
}

// GetPolicy returns a policy document with its current hash.
func (s *Server) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.policiesReady(w, r) {
		return
	}
	doc, err := s.Policies.Document(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hash, err := policydoc.DocumentHash(doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"document": doc, "document_hash": hash})
}

// AnchorPolicy records the document's metadata hash against the asset. The
// audit trail check compares the asset's committed hash with the newest
// anchor.
func (s *Server) AnchorPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.policiesReady(w, r) {
		return
	}
	var req anchorRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	doc, err := s.Policies.Document(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metadataHash, err := policydoc.MetadataHash(doc.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assetID := strings.TrimSpace(req.AssetID)
	if assetID == "" {
		assetID = s.AssetID
	}
	network := strings.TrimSpace(req.Network)
	if network == "" {
		network = s.Network
	}
	anchor, err := s.Policies.Anchor(metadataHash, assetID, network)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.appendEvent(r.Context(), actor(r), "policy.anchored", doc.DocumentID, anchor)
	s.writeJSON(w, http.StatusCreated, anchor)
}
