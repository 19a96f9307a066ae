package main

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"esgcoupon/services/issuanced/config"
)

const repoRoot = "../.."

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv("ISSUANCED_JWT_SECRET", strings.Repeat("s", 32))
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(repoRoot); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := config.LoadConfig("services/issuanced/config.yaml")
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	if len(cfg.Authorities) != 4 {
		t.Fatalf("expected four authorities, got %d", len(cfg.Authorities))
	}
	if _, err := os.Stat(cfg.PolicyTable); err != nil {
		t.Fatalf("policy table %s: %v", cfg.PolicyTable, err)
	}
}

func TestDockerfileMatchesTree(t *testing.T) {
	path := filepath.Join(repoRoot, "deploy", "compose", "Dockerfile")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read Dockerfile: %v", err)
	}
	body := string(raw)

	stray, err := filepath.Glob(filepath.Join(repoRoot, "deploy", "compose", "*.go"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(stray) > 0 {
		t.Fatalf("non-Go build files must not carry a .go suffix: %v", stray)
	}

	if _, err := os.Stat(filepath.Join(repoRoot, "go.sum")); os.IsNotExist(err) {
		if strings.Contains(body, "COPY go.mod go.sum ./") {
			t.Fatalf("Dockerfile copies go.sum but the tree has none")
		}
	}

	for _, pkg := range regexp.MustCompile(`\./cmd/[a-z]+`).FindAllString(body, -1) {
		if _, err := os.Stat(filepath.Join(repoRoot, pkg, "main.go")); err != nil {
			t.Fatalf("Dockerfile builds %s which does not exist: %v", pkg, err)
		}
	}
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "COPY" || strings.HasPrefix(fields[1], "--") || fields[1] == "." {
			continue
		}
		for _, src := range fields[1 : len(fields)-1] {
			if strings.HasSuffix(src, "*") {
				continue
			}
			if _, err := os.Stat(filepath.Join(repoRoot, src)); err != nil {
				t.Fatalf("Dockerfile copies missing %s: %v", src, err)
			}
		}
	}
}
