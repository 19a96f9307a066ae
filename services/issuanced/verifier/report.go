package verifier

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"esgcoupon/crypto"
)

// ErrReportSignature is returned when a report's digest or signature does not
// match its body.
var ErrReportSignature = errors.New("verifier: report signature invalid")

// ReportDigest hashes the report body with the digest, signature and signer
// fields cleared.
func ReportDigest(report Report) ([]byte, error) {
	report.Digest = ""
	report.Signature = ""
	report.Signer = ""
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("verifier: encode report: %w", err)
	}
	sum := blake3.Sum256(raw)
	return sum[:], nil
}

// SignReport fills the digest and, when key is non-nil, the signature and
// signer of report.
func SignReport(report *Report, key *crypto.PrivateKey) error {
	digest, err := ReportDigest(*report)
	if err != nil {
		return err
	}
	report.Digest = hex.EncodeToString(digest)
	report.Signature = ""
	report.Signer = ""
	if key == nil {
		return nil
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return fmt.Errorf("verifier: sign report: %w", err)
	}
	report.Signature = hex.EncodeToString(sig)
	report.Signer = key.PubKey().Address().String()
	return nil
}

// VerifyReport recomputes the digest and, for signed reports, checks the
// signature was produced by the recorded signer.
func VerifyReport(report Report) error {
	digest, err := ReportDigest(report)
	if err != nil {
		return err
	}
	if !strings.EqualFold(hex.EncodeToString(digest), report.Digest) {
		return fmt.Errorf("%w: digest mismatch", ErrReportSignature)
	}
	if report.Signature == "" {
		return nil
	}
	signer, err := crypto.DecodeAddress(report.Signer)
	if err != nil {
		return fmt.Errorf("%w: signer: %v", ErrReportSignature, err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(report.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrReportSignature, err)
	}
	if err := crypto.VerifySignature(signer, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrReportSignature, err)
	}
	return nil
}
