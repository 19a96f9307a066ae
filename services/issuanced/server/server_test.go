package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"esgcoupon/crypto"
	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/auth"
	"esgcoupon/services/issuanced/authority"
	"esgcoupon/services/issuanced/authorizer"
	"esgcoupon/services/issuanced/ledger"
	"esgcoupon/services/issuanced/models"
	"esgcoupon/services/issuanced/nodeapi"
	"esgcoupon/services/issuanced/verifier"
)

var testSecret = []byte("issuanced-server-secret-0123456789abcdef")

const testAsset = "ESG-1"

type testEnv struct {
	server  *Server
	handler http.Handler
	db      *gorm.DB
	oracle  *nodeapi.StaticOracle
	freeze  []*crypto.PrivateKey
	reserve string
	now     time.Time
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	led, err := ledger.New(ledger.Config{Store: ledger.NewMemoryStore(), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	freeze := []*crypto.PrivateKey{newKey(t), newKey(t), newKey(t)}
	participants := make([]crypto.Address, len(freeze))
	for i, key := range freeze {
		participants[i] = key.PubKey().Address()
	}
	group, err := authority.NewThreshold(2, participants)
	if err != nil {
		t.Fatalf("threshold: %v", err)
	}
	registry := authority.NewRegistry()
	if err := registry.Register(authority.RoleFreeze, group); err != nil {
		t.Fatalf("register: %v", err)
	}
	authz, err := authorizer.New(authorizer.Config{
		Registry: registry,
		Store:    authorizer.NewMemoryEventStore(),
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}

	oracle := nodeapi.NewStaticOracle()
	reserve := newKey(t).PubKey().Address().String()
	oracle.SetAsset(nodeapi.Asset{AssetID: testAsset, TotalSupply: uint256.NewInt(1000), MetadataHash: "abc"})
	oracle.SetBalance(reserve, testAsset, 1000)

	dispatcher, err := authorizer.NewDispatcher(authz, oracle, authorizer.WithRetryPolicy(1, time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	reports, err := verifier.NewSQLReportStore(db)
	if err != nil {
		t.Fatalf("report store: %v", err)
	}
	ver, err := verifier.New(verifier.Config{
		Oracle:               oracle,
		Ledger:               led,
		Registry:             verifier.AddressRegistry{AssetID: testAsset, ReserveAddress: reserve},
		ExpectedMetadataHash: "abc",
		Store:                reports,
		Now:                  func() time.Time { return now },
		LookupAttempts:       1,
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	mw, err := auth.NewMiddleware(auth.Options{Secret: testSecret, Issuer: "issuanced-tests", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv, err := New(Config{
		DB:          db,
		Ledger:      led,
		Authorizer:  authz,
		Dispatcher:  dispatcher,
		Authorities: registry,
		Oracle:      oracle,
		Verifier:    ver,
		AssetID:     testAsset,
		Auth:        mw,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &testEnv{server: srv, handler: srv.Handler(), db: db, oracle: oracle, freeze: freeze, reserve: reserve, now: now}
}

func (e *testEnv) token(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, "issuanced-tests", string(role)+"-1", role, time.Hour, e.now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) boundApproverToken(t *testing.T, signer string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":    "issuanced-tests",
		"sub":    "approver-bound",
		"role":   "approver",
		"signer": signer,
		"iat":    e.now.Unix(),
		"exp":    e.now.Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func (e *testEnv) do(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, "", http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, "", http.MethodGet, "/api/v1/budgets/2025-Q1", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestBudgetAndIssuanceFlow(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, auth.RoleAdmin)
	operator := env.token(t, auth.RoleOperator)

	if rec := env.do(t, operator, http.MethodPut, "/api/v1/budgets/2025-Q1", budgetRequest{TotalBudget: 10000, PerPersonLimit: 3000}); rec.Code != http.StatusForbidden {
		t.Fatalf("operator must not set budgets, got %d", rec.Code)
	}
	if rec := env.do(t, admin, http.MethodPut, "/api/v1/budgets/2025-Q1", budgetRequest{TotalBudget: 10000, PerPersonLimit: 3000}); rec.Code != http.StatusOK {
		t.Fatalf("set budget: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, admin, http.MethodPut, "/api/v1/budgets/2025-Q2", budgetRequest{TotalBudget: -1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative budget should be 400, got %d", rec.Code)
	}
	if rec := env.do(t, operator, http.MethodGet, "/api/v1/budgets/2099-Q1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown period should be 404, got %d", rec.Code)
	}

	req := issuanceRequest{UserID: "user001", Amount: 2000, Period: "2025-Q1", Reason: "recycling"}
	if rec := env.do(t, operator, http.MethodPost, "/api/v1/issuance/record", req); rec.Code != http.StatusConflict {
		t.Fatalf("record without precheck should be 409, got %d", rec.Code)
	}
	rec := env.do(t, operator, http.MethodPost, "/api/v1/issuance/check", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rec.Code, rec.Body.String())
	}
	if decision := decode[ledger.Decision](t, rec); !decision.Allowed || decision.Remaining != 10000 {
		t.Fatalf("unexpected decision %+v", decision)
	}
	rec = env.do(t, operator, http.MethodPost, "/api/v1/issuance/record", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("record: %d %s", rec.Code, rec.Body.String())
	}
	if record := decode[ledger.Record](t, rec); record.Amount != 2000 || record.RecordID == "" {
		t.Fatalf("unexpected record %+v", record)
	}

	over := issuanceRequest{UserID: "user001", Amount: 1500, Period: "2025-Q1"}
	rec = env.do(t, operator, http.MethodPost, "/api/v1/issuance/check", over)
	if decision := decode[ledger.Decision](t, rec); decision.Allowed || decision.Code != ledger.CodeLimitExceeded {
		t.Fatalf("expected limit rejection, got %+v", decision)
	}

	rec = env.do(t, operator, http.MethodGet, "/api/v1/budgets/2025-Q1", nil)
	status := decode[ledger.Status](t, rec)
	if status.Allocated != 2000 || status.Remaining != 8000 || status.UtilizationRate < 19.99 || status.UtilizationRate > 20.01 {
		t.Fatalf("unexpected status %+v", status)
	}

	var events int64
	env.db.Model(&models.Event{}).Where("action = ?", "issuance.recorded").Count(&events)
	if events != 1 {
		t.Fatalf("expected one audit event, got %d", events)
	}
}

func TestRewardIssuance(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, auth.RoleAdmin)
	operator := env.token(t, auth.RoleOperator)
	env.do(t, admin, http.MethodPut, "/api/v1/budgets/2025-Q1", budgetRequest{TotalBudget: 10000, PerPersonLimit: 3000})

	calc := rewardRequest{BaseAmount: 1000, IncomeDecile: 2, RegionTier: "rural", Activity: "recycling"}
	rec := env.do(t, operator, http.MethodPost, "/api/v1/rewards/calculate", calc)
	if rec.Code != http.StatusOK {
		t.Fatalf("calculate: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[rewardResponse](t, rec); got.Reward.FinalAmount != 2925 || got.Reward.BonusAmount != 1925 {
		t.Fatalf("unexpected reward %+v", got.Reward)
	}

	issue := calc
	issue.UserID = "citizen-7"
	issue.Period = "2025-Q1"
	rec = env.do(t, operator, http.MethodPost, "/api/v1/issuance/reward", issue)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reward: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[rewardResponse](t, rec); got.Record == nil || got.Record.Amount != 2925 {
		t.Fatalf("unexpected reward response %s", rec.Body.String())
	}

	again := rewardRequest{UserID: "citizen-7", Period: "2025-Q1", BaseAmount: 100, IncomeTier: "low", RegionTier: "rural"}
	if rec := env.do(t, operator, http.MethodPost, "/api/v1/issuance/reward", again); rec.Code != http.StatusForbidden {
		t.Fatalf("limit breach should be 403, got %d %s", rec.Code, rec.Body.String())
	}
	bad := rewardRequest{BaseAmount: 100, IncomeTier: "low", RegionTier: "lunar"}
	if rec := env.do(t, operator, http.MethodPost, "/api/v1/rewards/calculate", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown region should be 400, got %d", rec.Code)
	}

	auditor := env.token(t, auth.RoleAuditor)
	rec = env.do(t, auditor, http.MethodGet, "/api/v1/admin/top-recipients?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("top recipients: %d", rec.Code)
	}
	top := decode[map[string][]ledger.Recipient](t, rec)["recipients"]
	if len(top) != 1 || top[0].UserID != "citizen-7" || top[0].TotalIssued != 2925 {
		t.Fatalf("unexpected ranking %+v", top)
	}
	if rec := env.do(t, auditor, http.MethodGet, "/api/v1/admin/top-recipients?limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should be 400, got %d", rec.Code)
	}
}

func TestIssuanceIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, auth.RoleAdmin)
	operator := env.token(t, auth.RoleOperator)
	env.do(t, admin, http.MethodPut, "/api/v1/budgets/2025-Q1", budgetRequest{TotalBudget: 10000, PerPersonLimit: 5000})

	send := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(rewardRequest{UserID: "u1", Period: "2025-Q1", BaseAmount: 1000, IncomeTier: "high", RegionTier: "urban"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/issuance/reward", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+operator)
		req.Header.Set("Idempotency-Key", "reward-u1-1")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}
	first, second := send(), send()
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("unexpected statuses %d/%d", first.Code, second.Code)
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Fatalf("second call should be replayed")
	}
	status, err := env.server.Ledger.BudgetStatus(context.Background(), "2025-Q1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Allocated != 1000 {
		t.Fatalf("replay must not issue twice, allocated %d", status.Allocated)
	}
}

func TestAuthorizationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	approver := env.token(t, auth.RoleApprover)
	target := newKey(t).PubKey().Address().String()

	rec := env.do(t, approver, http.MethodPost, "/api/v1/authorizations", proposeRequest{
		Payload: authorizer.Payload{Freeze: &authorizer.Freeze{Target: target, Frozen: true}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", rec.Code, rec.Body.String())
	}
	pending := decode[authorizer.Pending](t, rec)
	if pending.Role != authority.RoleFreeze || pending.Threshold != 2 || pending.Status != authorizer.StatusCollecting {
		t.Fatalf("unexpected pending %+v", pending)
	}
	path := "/api/v1/authorizations/" + pending.ActionID

	if rec := env.do(t, approver, http.MethodPost, path+"/finalize", nil); rec.Code != http.StatusConflict {
		t.Fatalf("finalize before threshold should be 409, got %d", rec.Code)
	}

	approve := func(token string, key *crypto.PrivateKey, signer string) *httptest.ResponseRecorder {
		digest, err := hex.DecodeString(pending.Digest)
		if err != nil {
			t.Fatalf("digest: %v", err)
		}
		sig, err := key.Sign(digest)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return env.do(t, token, http.MethodPost, path+"/approvals", approveRequest{Signer: signer, Proof: hex.EncodeToString(sig)})
	}

	first := env.freeze[0].PubKey().Address().String()
	second := env.freeze[1].PubKey().Address().String()
	outsider := newKey(t)
	if rec := approve(approver, outsider, outsider.PubKey().Address().String()); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider approval should be 403, got %d", rec.Code)
	}
	bound := env.boundApproverToken(t, first)
	if rec := approve(bound, env.freeze[1], second); rec.Code != http.StatusForbidden {
		t.Fatalf("bound token approving as another signer should be 403, got %d", rec.Code)
	}
	if rec := approve(bound, env.freeze[0], ""); rec.Code != http.StatusOK {
		t.Fatalf("first approval: %d %s", rec.Code, rec.Body.String())
	}
	if rec := approve(approver, env.freeze[0], first); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate approval should be 409, got %d", rec.Code)
	}
	rec = approve(approver, env.freeze[1], second)
	if got := decode[authorizer.Pending](t, rec); got.Status != authorizer.StatusReady {
		t.Fatalf("expected ready, got %+v", got)
	}

	rec = env.do(t, approver, http.MethodPost, path+"/finalize", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", rec.Code, rec.Body.String())
	}
	final := decode[finalizeResponse](t, rec)
	if final.TxRef != "static-"+pending.ActionID || len(final.Descriptor.Signers) != 2 {
		t.Fatalf("unexpected finalize response %+v", final)
	}
	if rec := env.do(t, approver, http.MethodPost, path+"/finalize", nil); rec.Code != http.StatusOK {
		t.Fatalf("repeat finalize should succeed, got %d", rec.Code)
	}
	if n := len(env.oracle.Broadcasts()); n != 1 {
		t.Fatalf("expected a single broadcast, got %d", n)
	}

	auditor := env.token(t, auth.RoleAuditor)
	rec = env.do(t, auditor, http.MethodGet, "/api/v1/authorizations?status=broadcast", nil)
	list := decode[map[string][]authorizer.Pending](t, rec)["authorizations"]
	if len(list) != 1 || list[0].TxRef != final.TxRef {
		t.Fatalf("unexpected listing %+v", list)
	}
	if rec := env.do(t, auditor, http.MethodGet, "/api/v1/authorizations?status=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status filter should be 400, got %d", rec.Code)
	}
	if rec := env.do(t, auditor, http.MethodGet, "/api/v1/authorizations/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action should be 404, got %d", rec.Code)
	}
	rec = env.do(t, auditor, http.MethodGet, "/api/v1/authorities", nil)
	views := decode[map[string][]authority.View](t, rec)["authorities"]
	if len(views) != 1 || views[0].Role != authority.RoleFreeze || len(views[0].Participants) != 3 {
		t.Fatalf("unexpected authorities %+v", views)
	}
}

func TestBalanceLookup(t *testing.T) {
	env := newTestEnv(t)
	operator := env.token(t, auth.RoleOperator)

	rec := env.do(t, operator, http.MethodGet, "/api/v1/accounts/"+env.reserve+"/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[balanceResponse](t, rec); got.Amount != "1000" || !got.OptedIn {
		t.Fatalf("unexpected balance %+v", got)
	}
	stranger := newKey(t).PubKey().Address().String()
	if rec := env.do(t, operator, http.MethodGet, "/api/v1/accounts/"+stranger+"/balance", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("not opted in should be 404, got %d", rec.Code)
	}
	if rec := env.do(t, operator, http.MethodGet, "/api/v1/accounts/not-an-address/balance", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address should be 400, got %d", rec.Code)
	}
	env.oracle.SetUnreachable(stranger, true)
	if rec := env.do(t, operator, http.MethodGet, "/api/v1/accounts/"+stranger+"/balance", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unreachable node should be 503, got %d", rec.Code)
	}
}

func TestAssetOverview(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, auth.RoleAdmin)
	auditor := env.token(t, auth.RoleAuditor)

	if rec := env.do(t, admin, http.MethodPut, "/api/v1/budgets/2025-Q2", budgetRequest{TotalBudget: 5000, PerPersonLimit: 1000}); rec.Code != http.StatusOK {
		t.Fatalf("set budget: %d %s", rec.Code, rec.Body.String())
	}
	rec := env.do(t, auditor, http.MethodGet, "/api/v1/asset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("asset: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[assetResponse](t, rec)
	if got.AssetID != testAsset || got.TotalSupply != "1000" || got.MetadataHash != "abc" {
		t.Fatalf("unexpected asset %+v", got)
	}
	if got.Period != "2025-Q2" || got.Budget == nil || got.Budget.TotalBudget != 5000 || got.Budget.Remaining != 5000 {
		t.Fatalf("expected current quarter budget, got %+v", got)
	}

	rec = env.do(t, auditor, http.MethodGet, "/api/v1/asset?period=2099-Q1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("asset for unknown period: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[assetResponse](t, rec); got.Period != "2099-Q1" || got.Budget != nil {
		t.Fatalf("unknown period should carry a null budget, got %+v", got)
	}
	if rec := env.do(t, auditor, http.MethodGet, "/api/v1/asset?asset_id=ESG-404", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown asset should be 404, got %d", rec.Code)
	}
	if rec := env.do(t, env.token(t, auth.RoleApprover), http.MethodGet, "/api/v1/asset", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("approver should be forbidden, got %d", rec.Code)
	}

	env.server.Oracle = nil
	if rec := env.do(t, auditor, http.MethodGet, "/api/v1/asset", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing oracle should be 503, got %d", rec.Code)
	}
}

func TestInvariantEndpoints(t *testing.T) {
	env := newTestEnv(t)
	auditor := env.token(t, auth.RoleAuditor)

	if rec := env.do(t, auditor, http.MethodGet, "/api/v1/invariants/reports/latest", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("no report yet should be 404, got %d", rec.Code)
	}
	if rec := env.do(t, env.token(t, auth.RoleOperator), http.MethodPost, "/api/v1/invariants/verify", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("operator must not run verification, got %d", rec.Code)
	}
	rec := env.do(t, auditor, http.MethodPost, "/api/v1/invariants/verify", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	report := decode[verifier.Report](t, rec)
	if !report.AllPassed || len(report.Checks) != 4 || report.Digest == "" {
		t.Fatalf("unexpected report %+v", report)
	}
	rec = env.do(t, auditor, http.MethodGet, "/api/v1/invariants/reports/latest", nil)
	if latest := decode[verifier.Report](t, rec); latest.ID != report.ID {
		t.Fatalf("latest report %s, want %s", latest.ID, report.ID)
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := map[error]int{
		ledger.ErrInvalidBudget:          http.StatusBadRequest,
		ledger.ErrBudgetExhausted:        http.StatusForbidden,
		ledger.ErrUnknownPeriod:          http.StatusNotFound,
		ledger.ErrPrecheckViolation:      http.StatusConflict,
		ledger.ErrPeriodHalted:           http.StatusLocked,
		nodeapi.ErrUnavailable:           http.StatusServiceUnavailable,
		authorizer.ErrExpired:            http.StatusConflict,
		authorizer.ErrUnauthorizedSigner: http.StatusForbidden,
		errors.New("boom"):               http.StatusInternalServerError,
	}
	cases[fmt.Errorf("wrapped: %w", apperr.ErrPolicy)] = http.StatusForbidden
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}
