package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/amanthanvi/ticketdesk/internal/audit"
	"github.com/amanthanvi/ticketdesk/internal/storage"
)

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// VerifySummary is the part of a verification result that is safe to share.
// It carries no event details or actor identifiers.
type VerifySummary struct {
	Valid          bool             `json:"valid"`
	Tampered       bool             `json:"tampered"`
	Truncated      bool             `json:"truncated"`
	EventCount     int              `json:"event_count"`
	VerifiedPrefix int              `json:"verified_prefix"`
	Violations     int              `json:"violations"`
	Anonymizations int              `json:"anonymizations"`
	FirstViolation *audit.Violation `json:"first_violation,omitempty"`
}

type Bundle struct {
	GeneratedAt string         `json:"generated_at"`
	GOOS        string         `json:"goos"`
	GOARCH      string         `json:"goarch"`
	Version     map[string]any `json:"version,omitempty"`
	Ledger      *audit.Status  `json:"ledger,omitempty"`
	Verify      *VerifySummary `json:"verify,omitempty"`
	Storage     map[string]any `json:"storage,omitempty"`
	Checks      []Check        `json:"checks,omitempty"`
	Notes       []string       `json:"notes,omitempty"`
}

// Sources feeds Collect. Repo may be nil for a memory-only ledger.
type Sources struct {
	Ledger      *audit.Ledger
	Repo        storage.AuditRepository
	StoragePath string
	Version     map[string]any
}

func NewBundle() Bundle {
	return Bundle{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		GOOS:        runtime.GOOS,
		GOARCH:      runtime.GOARCH,
	}
}

// Collect gathers ledger status, a verification summary and a comparison of
// the in-memory chain tip with the durable one.
func Collect(ctx context.Context, src Sources) (Bundle, error) {
	bundle := NewBundle()
	bundle.Version = src.Version
	if src.Ledger == nil {
		return bundle, errors.New("collect debug bundle: ledger is required")
	}

	status := src.Ledger.Status()
	bundle.Ledger = &status

	result, err := src.Ledger.Verify(ctx)
	if err != nil {
		return bundle, fmt.Errorf("collect debug bundle: verify: %w", err)
	}
	bundle.Verify = summarize(result)
	bundle.Checks = append(bundle.Checks, chainCheck(result))
	bundle.Checks = append(bundle.Checks, Check{
		Name:    "storage_writes",
		OK:      !status.Dirty && status.LastStorageError == "",
		Message: storageWriteMessage(status),
	})

	if src.Repo == nil {
		bundle.Notes = append(bundle.Notes, "ledger is memory-only; no durable copy to compare")
		return bundle, nil
	}

	bundle.Storage = map[string]any{"path": src.StoragePath}
	count, err := src.Repo.Count(ctx)
	if err != nil {
		bundle.Checks = append(bundle.Checks, Check{Name: "durable_rows", OK: false, Message: err.Error()})
	} else {
		bundle.Storage["rows"] = count
		bundle.Checks = append(bundle.Checks, Check{
			Name:    "durable_rows",
			OK:      count == status.Events,
			Message: fmt.Sprintf("%d durable rows, %d in memory", count, status.Events),
		})
	}

	tip, err := src.Repo.ChainTip(ctx)
	if err != nil {
		bundle.Checks = append(bundle.Checks, Check{Name: "durable_chain_tip", OK: false, Message: err.Error()})
		return bundle, nil
	}
	bundle.Storage["chain_tip"] = tip
	check := Check{Name: "durable_chain_tip", OK: tip == status.ChainTip, Message: "durable chain tip matches memory"}
	if !check.OK {
		check.Message = "durable chain tip differs from memory; run a flush"
	}
	bundle.Checks = append(bundle.Checks, check)
	return bundle, nil
}

func summarize(result audit.VerifyResult) *VerifySummary {
	return &VerifySummary{
		Valid:          result.Valid,
		Tampered:       result.Tampered,
		Truncated:      result.Truncated,
		EventCount:     result.EventCount,
		VerifiedPrefix: result.VerifiedPrefix,
		Violations:     len(result.Violations),
		Anonymizations: len(result.Anonymizations),
		FirstViolation: result.FirstViolation,
	}
}

func chainCheck(result audit.VerifyResult) Check {
	switch {
	case result.Valid:
		return Check{Name: "chain_integrity", OK: true, Message: fmt.Sprintf("%d events verified", result.EventCount)}
	case result.Tampered:
		return Check{Name: "chain_integrity", OK: false, Message: fmt.Sprintf("unexplained violation at index %d", result.VerifiedPrefix)}
	default:
		return Check{Name: "chain_integrity", OK: true, Message: "all violations explained by recorded anonymizations"}
	}
}

func storageWriteMessage(status audit.Status) string {
	if status.LastStorageError != "" {
		return status.LastStorageError
	}
	if status.Dirty {
		return "pending rewrite of the durable window"
	}
	return "ok"
}

func WriteBundle(outputPath string, bundle Bundle) error {
	if outputPath == "" {
		return errors.New("write debug bundle: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("write debug bundle: create output directory: %w", err)
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("write debug bundle: marshal json: %w", err)
	}
	if err := os.WriteFile(outputPath, payload, 0o600); err != nil {
		return fmt.Errorf("write debug bundle: %w", err)
	}
	return nil
}
