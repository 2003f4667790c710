package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskbot/internal/auth"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "auth:\n  jwt_secret: test-secret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunHelp(t *testing.T) {
	for _, args := range [][]string{{"help"}, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Errorf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "taskbot") || !strings.Contains(out.String(), "serve") {
			t.Errorf("run(%v) output missing usage text: %q", args, out.String())
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("run() error = %v, want unknown command", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-verbose"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("run() error = %v, want unknown flag", err)
	}
}

func TestRunTokenRequiresUserID(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"token"})
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("run() error = %v, want usage error", err)
	}
}

func TestRunTokenMintsVerifiableToken(t *testing.T) {
	cfgPath := writeTestConfig(t)

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{
		"-config", cfgPath, "token", "user-123", "alice@example.com",
	})
	if err != nil {
		t.Fatalf("run() error: %v", err)
	}

	token := strings.TrimSpace(out.String())
	if token == "" {
		t.Fatal("no token printed")
	}

	// The minted token must verify against the same shared secret.
	verifier := auth.NewVerifier("test-secret", time.Hour)
	id, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id.UserID != "user-123" {
		t.Errorf("UserID = %q, want user-123", id.UserID)
	}
	if id.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", id.Email)
	}
}

func TestRunConfigEqualsForm(t *testing.T) {
	cfgPath := writeTestConfig(t)

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{
		"-config=" + cfgPath, "token", "user-456",
	})
	if err != nil {
		t.Fatalf("run() error: %v", err)
	}
	if strings.TrimSpace(out.String()) == "" {
		t.Error("no token printed")
	}
}

func TestRunMissingConfig(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{
		"-config", filepath.Join(t.TempDir(), "nope.yaml"), "token", "user-123",
	})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("run() error = %v, want config not found", err)
	}
}
