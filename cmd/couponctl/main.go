package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"esgcoupon/cmd/internal/passphrase"
	"esgcoupon/crypto"
	"esgcoupon/services/issuanced/auth"
	"esgcoupon/services/issuanced/authorizer"
	"esgcoupon/services/issuanced/policydoc"
	"esgcoupon/services/issuanced/verifier"
)

const (
	defaultPassEnv   = "COUPONCTL_KEYSTORE_PASS"
	defaultSecretEnv = "ISSUANCED_JWT_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "digest":
		err = runDigest(args, os.Stdout)
	case "sign-approval":
		err = runSignApproval(args, os.Stdout)
	case "address":
		err = runAddress(args, os.Stdout)
	case "keygen":
		err = runKeygen(args, os.Stdout)
	case "verify-report":
		err = runVerifyReport(args, os.Stdout)
	case "policy-hash":
		err = runPolicyHash(args, os.Stdout)
	case "token":
		err = runToken(args, os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: couponctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  digest <action.json>                        print the approval digest of an action")
	fmt.Fprintln(w, "  sign-approval --keystore <file> --action <action.json> | --digest <hex>")
	fmt.Fprintln(w, "                                              sign an approval and print {signer, proof}")
	fmt.Fprintln(w, "  address --keystore <file>                   print the keystore's signer address")
	fmt.Fprintln(w, "  keygen --keystore <file>                    create a new approver keystore")
	fmt.Fprintln(w, "  verify-report <report.json>                 check an invariant report's signature")
	fmt.Fprintln(w, "  policy-hash <metadata.json>                 print the ARC-3 metadata hash")
	fmt.Fprintln(w, "  token --subject <id> --role <role>          issue an API bearer token")
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func singleArg(fs *flag.FlagSet, args []string, what string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s requires exactly one %s argument", fs.Name(), what)
	}
	return fs.Arg(0), nil
}

// actionDigest recomputes an action's digest and rejects files whose embedded
// digest does not match their content.
func actionDigest(path string) (string, error) {
	var pending authorizer.Pending
	if err := readJSON(path, &pending); err != nil {
		return "", err
	}
	if strings.TrimSpace(pending.ActionID) == "" {
		return "", fmt.Errorf("%s: action_id missing", path)
	}
	digest, err := authorizer.DigestOf(pending)
	if err != nil {
		return "", err
	}
	computed := hex.EncodeToString(digest)
	if pending.Digest != "" && !strings.EqualFold(pending.Digest, computed) {
		return "", fmt.Errorf("%s: embedded digest %s does not match content (%s)", path, pending.Digest, computed)
	}
	return computed, nil
}

func runDigest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	path, err := singleArg(fs, args, "action file")
	if err != nil {
		return err
	}
	digest, err := actionDigest(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, digest)
	return nil
}

func runSignApproval(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign-approval", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Path to the approver keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	actionPath := fs.String("action", "", "Action JSON as returned by the authorizations API")
	digestHex := fs.String("digest", "", "Hex digest to sign")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keystorePath == "" {
		return errors.New("--keystore is required")
	}
	digest := strings.TrimSpace(*digestHex)
	if *actionPath != "" {
		computed, err := actionDigest(*actionPath)
		if err != nil {
			return err
		}
		if digest != "" && !strings.EqualFold(digest, computed) {
			return fmt.Errorf("--digest %s does not match action digest %s", digest, computed)
		}
		digest = computed
	}
	if digest == "" {
		return errors.New("one of --action or --digest is required")
	}

	source := passphrase.NewSource(*passEnv, "approver keystore")
	signer := crypto.NewKeystoreSigner(*keystorePath, source.Get)
	addr, err := signer.Address()
	if err != nil {
		return err
	}
	proof, err := authorizer.SignApproval(signer, digest)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(map[string]string{
		"signer": addr.String(),
		"proof":  proof,
		"digest": strings.ToLower(digest),
	})
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Path to the approver keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keystorePath == "" {
		return errors.New("--keystore is required")
	}
	source := passphrase.NewSource(*passEnv, "approver keystore")
	addr, err := crypto.NewKeystoreSigner(*keystorePath, source.Get).Address()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, addr.String())
	return nil
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keystorePath == "" {
		return errors.New("--keystore is required")
	}
	if _, err := os.Stat(*keystorePath); err == nil && !*force {
		return fmt.Errorf("%s already exists; use --force to overwrite", *keystorePath)
	}
	pass, err := passphrase.NewSource(*passEnv, "new approver keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return err
	}
	fmt.Fprintln(out, key.PubKey().Address().String())
	return nil
}

func runVerifyReport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify-report", flag.ContinueOnError)
	expected := fs.String("signer", "", "Require the report to be signed by this address")
	path, err := singleArg(fs, args, "report file")
	if err != nil {
		return err
	}
	var report verifier.Report
	if err := readJSON(path, &report); err != nil {
		return err
	}
	if err := verifier.VerifyReport(report); err != nil {
		return err
	}
	if *expected != "" && report.Signer != strings.TrimSpace(*expected) {
		return fmt.Errorf("report signed by %s, expected %s", report.Signer, *expected)
	}
	verdict := "all checks passed"
	if !report.AllPassed {
		verdict = "violations present"
	}
	if report.Degraded {
		verdict += " (degraded)"
	}
	fmt.Fprintf(out, "report %s signed by %s: %s\n", report.ID, report.Signer, verdict)
	return nil
}

func runPolicyHash(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("policy-hash", flag.ContinueOnError)
	path, err := singleArg(fs, args, "metadata file")
	if err != nil {
		return err
	}
	var meta policydoc.Metadata
	if err := readJSON(path, &meta); err != nil {
		return err
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	hash, err := policydoc.MetadataHash(meta)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the HS256 secret")
	issuer := fs.String("issuer", "", "Token issuer")
	subject := fs.String("subject", "", "Token subject")
	role := fs.String("role", "", "One of operator, approver, auditor, admin")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv(*secretEnv)
	if len(secret) < 32 {
		return fmt.Errorf("%s must hold a secret of at least 32 bytes", *secretEnv)
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}
	token, err := auth.IssueToken([]byte(secret), *issuer, strings.TrimSpace(*subject), auth.Role(strings.ToLower(strings.TrimSpace(*role))), *ttl, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
