package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/selene-os/selene/core/pkg/audit"
	"github.com/selene-os/selene/core/pkg/auth"
	"github.com/selene-os/selene/core/pkg/identity"
	"github.com/selene-os/selene/core/pkg/ledger"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"selene", "frobnicate"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr = %q, want unknown-command message", errOut.String())
	}
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"selene", "help"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "mint-token") {
		t.Errorf("usage missing mint-token: %q", out.String())
	}
}

func TestMintTokenRoundTrip(t *testing.T) {
	seed := strings.Repeat("ab", 32)

	var out, errOut bytes.Buffer
	code := runMintTokenCmd(
		[]string{"--tenant", "t1", "--role", "selene-orchestrator", "--seed", seed},
		&out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}

	token := strings.TrimSpace(out.String())
	raw, _ := hex.DecodeString(seed)
	ks, err := identity.NewKeySetFromSeed(raw)
	if err != nil {
		t.Fatal(err)
	}
	claims := &auth.Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, ks.KeyFunc())
	if err != nil || !parsed.Valid {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.TenantID != "t1" || claims.Role != "selene-orchestrator" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestMintTokenRequiresTenantAndSeed(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runMintTokenCmd([]string{"--tenant", "t1"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestVerifyPackRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	for _, corr := range []string{"corr-1", "corr-2"} {
		if _, err := store.Append(ctx, &ledger.Event{
			TenantID:      "t1",
			CorrelationID: corr,
			TurnID:        "turn-1",
			EngineID:      "SEL.AUDIT",
			CapabilityID:  "SEL.AUDIT.ROW_COMMIT",
			EventType:     "NOTE_RECORDED",
			ReasonCode:    "OK",
			Payload:       map[string]any{"note": corr},
		}); err != nil {
			t.Fatal(err)
		}
	}

	exporter := audit.NewExporter(store, nil, []string{"SEL.AUDIT"})
	pack, _, err := exporter.GeneratePack(ctx, audit.ExportRequest{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	packPath := t.TempDir() + "/pack.zip"
	if err := os.WriteFile(packPath, pack, 0o600); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	if code := runVerifyCmd([]string{"--pack", packPath}, &out, &errOut); code != 0 {
		t.Fatalf("verify failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "2 events") {
		t.Errorf("stdout = %q, want 2 events reported", out.String())
	}
}

func TestVerifyRejectsTamperedPack(t *testing.T) {
	packPath := t.TempDir() + "/pack.zip"
	if err := os.WriteFile(packPath, []byte("not a zip"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	if code := runVerifyCmd([]string{"--pack", packPath}, &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
