package debug

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amanthanvi/ticketdesk/internal/audit"
	"github.com/amanthanvi/ticketdesk/internal/storage"
)

func TestWriteBundleWritesJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "bundle.json")
	bundle := NewBundle()
	bundle.Version = map[string]any{"version": "1.2.3"}

	require.NoError(t, WriteBundle(path, bundle))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Bundle
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, bundle.GOOS, decoded.GOOS)
	require.Equal(t, "1.2.3", decoded.Version["version"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteBundleRequiresOutputPath(t *testing.T) {
	t.Parallel()

	err := WriteBundle("", NewBundle())
	require.Error(t, err)
	require.Contains(t, err.Error(), "output path is required")
}

func TestCollectReportsHealthyDurableLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger, err := audit.New(ctx, store.Audit, audit.Options{})
	require.NoError(t, err)
	for _, action := range []string{audit.ActionAuthSignIn, audit.ActionTicketCreate} {
		_, err := ledger.Record(ctx, audit.Entry{Action: action, ResourceType: "ticket", ActorID: "agent-1", Details: map[string]any{"email": "a@example.com"}})
		require.NoError(t, err)
	}

	bundle, err := Collect(ctx, Sources{Ledger: ledger, Repo: store.Audit, StoragePath: store.Path()})
	require.NoError(t, err)
	require.Equal(t, 2, bundle.Ledger.Events)
	require.True(t, bundle.Verify.Valid)
	require.Equal(t, 2, bundle.Storage["rows"])
	for _, check := range bundle.Checks {
		require.Truef(t, check.OK, "%s: %s", check.Name, check.Message)
	}

	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "a@example.com")
	require.NotContains(t, string(raw), "agent-1")
}

func TestCollectFlagsTamperedChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	seed, err := audit.New(ctx, store.Audit, audit.Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := seed.Record(ctx, audit.Entry{Action: audit.ActionTicketUpdate, ResourceType: "ticket"})
		require.NoError(t, err)
	}
	_, err = store.DB().Exec(`UPDATE audit_events SET details_json = '{"forged":true}' WHERE seq = 2`)
	require.NoError(t, err)

	ledger, err := audit.New(ctx, store.Audit, audit.Options{})
	require.NoError(t, err)
	bundle, err := Collect(ctx, Sources{Ledger: ledger, Repo: store.Audit})
	require.NoError(t, err)
	require.True(t, bundle.Verify.Tampered)
	require.Equal(t, 1, bundle.Verify.VerifiedPrefix)
	require.False(t, findCheck(t, bundle, "chain_integrity").OK)
}

func TestCollectMemoryOnlyLedger(t *testing.T) {
	t.Parallel()

	ledger, err := audit.New(context.Background(), nil, audit.Options{})
	require.NoError(t, err)

	bundle, err := Collect(context.Background(), Sources{Ledger: ledger})
	require.NoError(t, err)
	require.Nil(t, bundle.Storage)
	require.Len(t, bundle.Notes, 1)

	_, err = Collect(context.Background(), Sources{})
	require.Error(t, err)
}

func findCheck(t *testing.T, bundle Bundle, name string) Check {
	t.Helper()
	for _, check := range bundle.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("check %q not found", name)
	return Check{}
}
