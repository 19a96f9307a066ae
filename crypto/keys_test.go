package crypto

import (
	"errors"
	"path/filepath"
	"testing"

	"lukechampine.com/blake3"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.Prefix() != ESGPrefix {
		t.Fatalf("unexpected prefix %q", addr.Prefix())
	}
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("round trip mismatch: %s vs %s", decoded, addr)
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected decode failure")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := blake3.Sum256([]byte("freeze esg1target"))
	sig, err := key.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(key.PubKey().Address(), digest[:], sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	other, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := VerifySignature(other.PubKey().Address(), digest[:], sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if _, err := key.Sign([]byte("short")); !errors.Is(err, ErrInvalidDigest) {
		t.Fatalf("expected invalid digest, got %v", err)
	}
	if _, err := RecoverAddress(digest[:], sig[:10]); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for truncated sig, got %v", err)
	}
}

func TestKeystoreSignerLoadsOnce(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "approver.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	calls := 0
	signer := NewKeystoreSigner(path, func() (string, error) {
		calls++
		return "correct horse", nil
	})
	addr, err := signer.Address()
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	if !addr.Equal(key.PubKey().Address()) {
		t.Fatalf("unexpected signer address %s", addr)
	}
	digest := blake3.Sum256([]byte("digest"))
	sig, err := signer.SignDigest(digest[:])
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	if err := VerifySignature(addr, digest[:], sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected passphrase to be requested once, got %d", calls)
	}

	wrong := NewKeystoreSigner(path, func() (string, error) { return "nope", nil })
	if _, err := wrong.Address(); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
