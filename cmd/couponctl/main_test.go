package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"esgcoupon/crypto"
	"esgcoupon/services/issuanced/authority"
	"esgcoupon/services/issuanced/authorizer"
	"esgcoupon/services/issuanced/policydoc"
	"esgcoupon/services/issuanced/verifier"
)

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func samplePending(t *testing.T) authorizer.Pending {
	t.Helper()
	target, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pending := authorizer.Pending{
		ActionID:  uuid.NewString(),
		Role:      authority.RoleFreeze,
		Authority: target.PubKey().Address().String(),
		Payload:   authorizer.Payload{Freeze: &authorizer.Freeze{Target: target.PubKey().Address().String(), Frozen: true}},
		Threshold: 2,
	}
	digest, err := authorizer.DigestOf(pending)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	pending.Digest = hex.EncodeToString(digest)
	return pending
}

func TestDigestRejectsTamperedAction(t *testing.T) {
	dir := t.TempDir()
	pending := samplePending(t)
	path := writeJSON(t, dir, "action.json", pending)

	var out bytes.Buffer
	if err := runDigest([]string{path}, &out); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if strings.TrimSpace(out.String()) != pending.Digest {
		t.Fatalf("expected %s, got %s", pending.Digest, out.String())
	}

	pending.Threshold = 1
	tampered := writeJSON(t, dir, "tampered.json", pending)
	if err := runDigest([]string{tampered}, &out); err == nil {
		t.Fatalf("expected tampered action to be rejected")
	}
}

func TestSignApprovalWithKeystore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(defaultPassEnv, "correct horse battery staple")
	keystorePath := filepath.Join(dir, "approver.keystore")

	var out bytes.Buffer
	if err := runKeygen([]string{"--keystore", keystorePath}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	address := strings.TrimSpace(out.String())
	if err := runKeygen([]string{"--keystore", keystorePath}, &out); err == nil {
		t.Fatalf("expected existing keystore to be protected")
	}

	out.Reset()
	if err := runAddress([]string{"--keystore", keystorePath}, &out); err != nil {
		t.Fatalf("address: %v", err)
	}
	if strings.TrimSpace(out.String()) != address {
		t.Fatalf("address mismatch: %s vs %s", out.String(), address)
	}

	pending := samplePending(t)
	actionPath := writeJSON(t, dir, "action.json", pending)
	out.Reset()
	if err := runSignApproval([]string{"--keystore", keystorePath, "--action", actionPath}, &out); err != nil {
		t.Fatalf("sign approval: %v", err)
	}
	var approval map[string]string
	if err := json.Unmarshal(out.Bytes(), &approval); err != nil {
		t.Fatalf("decode approval: %v", err)
	}
	if approval["signer"] != address {
		t.Fatalf("unexpected signer %s", approval["signer"])
	}
	signer, err := crypto.DecodeAddress(address)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if err := authorizer.VerifyProof(pending.Digest, signer, approval["proof"]); err != nil {
		t.Fatalf("proof does not verify: %v", err)
	}

	if err := runSignApproval([]string{"--keystore", keystorePath, "--action", actionPath, "--digest", strings.Repeat("00", 32)}, &out); err == nil {
		t.Fatalf("expected mismatched --digest to be rejected")
	}
}

func TestVerifyReportAndPolicyHash(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	report := verifier.Report{
		ID:          uuid.New(),
		GeneratedAt: time.Date(2025, 5, 1, 2, 0, 0, 0, time.UTC),
		AssetID:     "ESG-1",
		Checks:      []verifier.Check{{Name: verifier.CheckConservation, Status: verifier.StatusPassed}},
		AllPassed:   true,
	}
	if err := verifier.SignReport(&report, key); err != nil {
		t.Fatalf("sign report: %v", err)
	}
	path := writeJSON(t, dir, "report.json", report)
	var out bytes.Buffer
	if err := runVerifyReport([]string{"--signer", report.Signer, path}, &out); err != nil {
		t.Fatalf("verify report: %v", err)
	}
	if !strings.Contains(out.String(), "all checks passed") {
		t.Fatalf("unexpected output %s", out.String())
	}
	report.AllPassed = false
	forged := writeJSON(t, dir, "forged.json", report)
	if err := runVerifyReport([]string{forged}, &out); err == nil {
		t.Fatalf("expected modified report to fail verification")
	}

	meta := policydoc.Metadata{
		Name:          "ESG Coupon 2025",
		Description:   "Citizen participation reward coupon",
		PolicyVersion: "v1.0",
		ValidFrom:     "2025-01-01",
		ValidUntil:    "2025-12-31",
		RewardType:    "carbon_reduction",
		TargetRegion:  "nationwide",
	}
	metaPath := writeJSON(t, dir, "metadata.json", meta)
	out.Reset()
	if err := runPolicyHash([]string{metaPath}, &out); err != nil {
		t.Fatalf("policy hash: %v", err)
	}
	want, err := policydoc.MetadataHash(meta)
	if err != nil {
		t.Fatalf("metadata hash: %v", err)
	}
	if strings.TrimSpace(out.String()) != want {
		t.Fatalf("expected %s, got %s", want, out.String())
	}
}
