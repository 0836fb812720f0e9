package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/selene-os/selene/core/pkg/audit"
	"github.com/selene-os/selene/core/pkg/auth"
	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/identity"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/store"
)

// kernelEngines are the partitions an unfiltered export covers.
var kernelEngines = []string{
	"SEL.AUDIT", "SEL.GOV", "SEL.SESSION", "SEL.VOICE", "SEL.REMIND", "SEL.POSITION",
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenantID string
		dbPath   string
		outPath  string
		bucket   string
		region   string
		endpoint string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant to export (REQUIRED)")
	cmd.StringVar(&dbPath, "db", "", "SQLite database path (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output zip path (REQUIRED unless --bucket)")
	cmd.StringVar(&bucket, "bucket", "", "Upload to this S3 bucket instead of writing a file")
	cmd.StringVar(&region, "region", "", "Bucket region")
	cmd.StringVar(&endpoint, "endpoint", "", "Custom S3 endpoint (MinIO, LocalStack)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" || dbPath == "" || (outPath == "" && bucket == "") {
		fmt.Fprintln(stderr, "Error: --tenant, --db and one of --out/--bucket are required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	st, err := store.OpenSQLite(dbPath, idempotency.WaitModeWait)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening %s: %v\n", dbPath, err)
		return 1
	}
	defer st.Close()

	exporter := audit.NewExporter(st, nil, kernelEngines)
	pack, checksum, err := exporter.GeneratePack(ctx, audit.ExportRequest{TenantID: tenantID})
	if err != nil {
		fmt.Fprintf(stderr, "Error generating pack: %v\n", err)
		return 1
	}

	if bucket != "" {
		uploader, err := audit.NewPackUploader(ctx, audit.PackUploaderConfig{
			Bucket: bucket, Region: region, Endpoint: endpoint,
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error creating uploader: %v\n", err)
			return 1
		}
		key, err := uploader.Upload(ctx, tenantID, checksum, pack)
		if err != nil {
			fmt.Fprintf(stderr, "Error uploading pack: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Evidence pack uploaded: s3://%s/%s (sha256 %s)\n", bucket, key, checksum)
		return 0
	}

	if err := os.WriteFile(outPath, pack, 0o600); err != nil {
		fmt.Fprintf(stderr, "Error writing %s: %v\n", outPath, err)
		return 1
	}
	fmt.Fprintf(stdout, "Evidence pack written: %s (sha256 %s)\n", outPath, checksum)
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var packPath string
	cmd.StringVar(&packPath, "pack", "", "Evidence pack zip path (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if packPath == "" {
		fmt.Fprintln(stderr, "Error: --pack is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(packPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading pack: %v\n", err)
		return 1
	}
	events, err := readPackEvents(data)
	if err != nil {
		fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		return 1
	}

	// Re-verify every partition's hash chain from the packed rows.
	partitions := map[string][]*ledger.Event{}
	for _, ev := range events {
		key := ev.TenantID + "/" + ev.EngineID
		partitions[key] = append(partitions[key], ev)
	}
	for key, part := range partitions {
		if err := ledger.VerifyChain(part); err != nil {
			fmt.Fprintf(stderr, "Verification failed: partition %s: %v\n", key, err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "OK: %d events across %d partitions verified\n", len(events), len(partitions))
	return 0
}

func readPackEvents(pack []byte) ([]*ledger.Event, error) {
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "events.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		raw, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		var events []*ledger.Event
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("decode events.json: %w", err)
		}
		return events, nil
	}
	return nil, fmt.Errorf("pack has no events.json")
}

func runMintTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mint-token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenantID string
		role     string
		subject  string
		seedHex  string
		ttl      time.Duration
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant binding (REQUIRED)")
	cmd.StringVar(&role, "role", "selene-orchestrator", "Caller role")
	cmd.StringVar(&subject, "subject", "svc-orchestrator", "Token subject")
	cmd.StringVar(&seedHex, "seed", "", "Hex Ed25519 seed matching the server's TOKEN_SEED (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" || seedHex == "" {
		fmt.Fprintln(stderr, "Error: --tenant and --seed are required")
		cmd.Usage()
		return 2
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		fmt.Fprintf(stderr, "Error: seed must be hex: %v\n", err)
		return 2
	}
	ks, err := identity.NewKeySetFromSeed(seed)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	now := time.Now().UTC()
	token, err := ks.Sign(context.Background(), auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "selene",
		},
		TenantID: tenantID,
		Role:     role,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error signing token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
