package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amanthanvi/ticketdesk/internal/audit"
	"github.com/amanthanvi/ticketdesk/internal/storage"
)

func TestVersionCommandOutputsBuildInfo(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, newCLIEnv(t), "version")
	require.NoError(t, err)
	require.Contains(t, out, "version=1.2.3")
	require.Contains(t, out, "commit=abc123")
	require.Contains(t, out, "build_time=2026-02-19T00:00:00Z")
}

func TestVersionCommandOutputsJSON(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, newCLIEnv(t), "--json", "version")
	require.NoError(t, err)

	var payload BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	require.Equal(t, "1.2.3", payload.Version)
	require.Equal(t, "abc123", payload.Commit)
}

func TestRootHasRequiredGlobalFlags(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := NewRootCommand(&out, testBuildInfo())

	for _, name := range []string{"json", "quiet", "timeout", "config", "db"} {
		require.NotNilf(t, cmd.PersistentFlags().Lookup(name), "missing flag %q", name)
	}
}

func TestRootHasAuditCommands(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := NewRootCommand(&out, testBuildInfo())

	for _, path := range [][]string{
		{"serve"},
		{"version"},
		{"debug", "bundle"},
		{"audit", "record"},
		{"audit", "list"},
		{"audit", "verify"},
		{"audit", "export"},
		{"audit", "anonymize"},
		{"audit", "stats"},
	} {
		found, _, err := cmd.Find(path)
		require.NoErrorf(t, err, "expected command %v", path)
		require.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestUnknownFlagReturnsUsageError(t *testing.T) {
	t.Parallel()

	_, err := runCLI(t, newCLIEnv(t), "--no-such-flag")
	require.Error(t, err)
	require.Equal(t, ExitCodeUsage, exitCode(err))
}

func TestRecordPersistsAcrossInvocations(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	out, err := runCLI(t, env, "audit", "record",
		"--action", "ticket.create", "--resource-type", "ticket", "--resource-id", "T-1",
		"--actor", "agent-7", "--details", `{"priority":2,"api_token":"t"}`)
	require.NoError(t, err)
	require.Contains(t, out, "recorded ")

	out, err = runCLI(t, env, "--json", "audit", "list", "--actor", "agent-7")
	require.NoError(t, err)
	var events []audit.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	require.Equal(t, "T-1", events[0].ResourceID)
	require.Equal(t, json.Number("2"), events[0].Details["priority"])
	require.Equal(t, "[REDACTED]", events[0].Details["api_token"])

	out, err = runCLI(t, env, "audit", "list")
	require.NoError(t, err)
	require.Contains(t, out, "TIMESTAMP")
	require.Contains(t, out, "ticket/T-1")
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	cases := [][]string{
		{"audit", "record", "--resource-type", "ticket"},
		{"audit", "record", "--action", "ticket.create"},
		{"audit", "record", "--action", "create", "--resource-type", "ticket"},
		{"audit", "record", "--action", "ticket.create", "--resource-type", "ticket", "--details", "[1,2]"},
		{"audit", "list", "--start", "yesterday"},
		{"audit", "list", "--limit", "-1"},
		{"audit", "export", "--format", "xml"},
		{"audit", "anonymize"},
		{"audit", "stats", "--top", "-2"},
	}
	for _, args := range cases {
		_, err := runCLI(t, env, args...)
		require.Errorf(t, err, "%v", args)
		require.Equalf(t, ExitCodeUsage, exitCode(err), "%v: %v", args, err)
	}
}

func TestVerifyReportsValidChain(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	recordN(t, env, 3)

	out, err := runCLI(t, env, "audit", "verify")
	require.NoError(t, err)
	require.Contains(t, out, "chain valid: 3 events")

	out, err = runCLI(t, env, "--json", "audit", "verify")
	require.NoError(t, err)
	var result audit.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.True(t, result.Valid)
	require.Equal(t, 3, result.VerifiedPrefix)
}

func TestVerifyTamperedChainExitsWithIntegrityCode(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	recordN(t, env, 3)

	store, err := storage.Open(filepath.Join(env["TICKETDESK_HOME"], "audit.db"))
	require.NoError(t, err)
	_, err = store.DB().Exec(`UPDATE audit_events SET resource_id = 'forged' WHERE seq = 2`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := runCLI(t, env, "audit", "verify")
	require.Error(t, err)
	require.Equal(t, ExitCodeIntegrity, exitCode(err))
	require.Contains(t, out, "chain TAMPERED")
	require.Contains(t, out, "hash_mismatch")
}

func TestAnonymizeThenVerifyIsExplained(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	for _, actor := range []string{"user-1", "user-2", "user-1"} {
		_, err := runCLI(t, env, "audit", "record", "--action", "auth.sign-in", "--resource-type", "session",
			"--actor", actor, "--details", `{"email":"someone@example.com"}`)
		require.NoError(t, err)
	}

	out, err := runCLI(t, env, "audit", "anonymize", "--actor", "user-1", "--requested-by", "dpo-1", "--reason", "request 42")
	require.NoError(t, err)
	require.Contains(t, out, "anonymized 2 events")

	out, err = runCLI(t, env, "audit", "verify")
	require.NoError(t, err)
	require.Contains(t, out, "chain valid (anonymized)")

	out, err = runCLI(t, env, "--json", "audit", "list", "--actor", "user-1")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)
}

func TestExportToFileVerifiesOffline(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	recordN(t, env, 4)
	exportPath := filepath.Join(t.TempDir(), "audit.json")

	out, err := runCLI(t, env, "audit", "export", "--output", exportPath, "--requested-by", "auditor-1")
	require.NoError(t, err)
	require.Contains(t, out, "export written")

	out, err = runCLI(t, env, "audit", "verify", "--file", exportPath)
	require.NoError(t, err)
	require.Contains(t, out, "chain valid: 4 events")

	out, err = runCLI(t, env, "--json", "audit", "list", "--action", "audit.export")
	require.NoError(t, err)
	var exports []audit.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(out), &exports))
	require.Len(t, exports, 1)
	require.Equal(t, "auditor-1", exports[0].ActorID)

	_, err = runCLI(t, env, "audit", "verify", "--file", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.Equal(t, ExitCodeIO, exitCode(err))
}

func TestExportCSVToStdout(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	recordN(t, env, 2)

	out, err := runCLI(t, env, "audit", "export", "--format", "csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\r\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "id,timestamp,actor_id"))
}

func TestStatsJSON(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	recordN(t, env, 3)

	out, err := runCLI(t, env, "--json", "audit", "stats", "--top", "1")
	require.NoError(t, err)
	var stats audit.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 3, stats.TotalEvents)
	require.Equal(t, []audit.ActionCount{{Action: audit.ActionTicketUpdate, Count: 3}}, stats.TopActions)
}

func TestDBFlagOverridesStoragePath(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	dbPath := filepath.Join(t.TempDir(), "nested", "custom.db")
	_, err := runCLI(t, env, "--db", dbPath, "audit", "record", "--action", "media.view", "--resource-type", "media")
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(env["TICKETDESK_HOME"], "audit.db"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestInvalidConfigIsUsageError(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[ledger]\nchannel = \"fax\"\n"), 0o600))

	_, err := runCLI(t, env, "--config", configPath, "audit", "stats")
	require.Error(t, err)
	require.Equal(t, ExitCodeUsage, exitCode(err))
}

func TestDebugBundleWritesFile(t *testing.T) {
	t.Parallel()

	env := newCLIEnv(t)
	recordN(t, env, 2)
	output := filepath.Join(t.TempDir(), "bundle.json")

	out, err := runCLI(t, env, "debug", "bundle", "--output", output)
	require.NoError(t, err)
	require.Contains(t, out, "debug bundle written")

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"chain_integrity"`)
	require.Contains(t, string(raw), `"version": "1.2.3"`)

	_, err = runCLI(t, env, "debug", "bundle")
	require.Equal(t, ExitCodeUsage, exitCode(err))
}

func TestCompletionGenerationBashZshFish(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, newCLIEnv(t), "completion", "bash")
	require.NoError(t, err)
	require.Contains(t, out, "__start_ticketdesk")

	out, err = runCLI(t, newCLIEnv(t), "completion", "zsh")
	require.NoError(t, err)
	require.Contains(t, out, "#compdef ticketdesk")

	out, err = runCLI(t, newCLIEnv(t), "completion", "fish")
	require.NoError(t, err)
	require.Contains(t, out, "complete -c ticketdesk")
}

func TestGenerateManPagesCreatesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, GenerateManPages(dir, testBuildInfo()))

	for _, name := range []string{"ticketdesk.1", "ticketdesk-audit.1", "ticketdesk-audit-verify.1", "ticketdesk-serve.1"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoErrorf(t, err, "missing man page %s", name)
	}
}

func TestMapCommandErrorCodes(t *testing.T) {
	t.Parallel()

	require.Nil(t, mapCommandError(nil))
	require.Equal(t, ExitCodeIntegrity, exitCode(mapCommandError(errIntegrityViolation)))
	require.Equal(t, ExitCodeUsage, exitCode(mapCommandError(audit.ErrInvalidFilter)))
	require.Equal(t, ExitCodeIO, exitCode(mapCommandError(&audit.StorageError{Op: audit.StorageOpRead, Err: errors.New("disk")})))
	require.Equal(t, ExitCodeIO, exitCode(mapCommandError(storage.ErrSchemaTooNew)))
	require.Equal(t, ExitCodeGeneric, exitCode(mapCommandError(errors.New("boom"))))

	usage := usageErrorf("bad %s", "flag")
	require.Same(t, usage, mapCommandError(usage))
}

func runCLI(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand(&out, io.Discard, testBuildInfo(), env)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newCLIEnv(t *testing.T) map[string]string {
	t.Helper()
	home := t.TempDir()
	return map[string]string{
		"TICKETDESK_HOME":        home,
		"TICKETDESK_CONFIG_PATH": filepath.Join(home, "config.toml"),
		"TICKETDESK_LOG_FILE":    "",
	}
}

func recordN(t *testing.T, env map[string]string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := runCLI(t, env, "audit", "record", "--action", "ticket.update", "--resource-type", "ticket")
		require.NoError(t, err)
	}
}

func testBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildTime: "2026-02-19T00:00:00Z",
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return withExit.ExitCode()
	}
	return -1
}
