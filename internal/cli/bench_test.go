package cli

import (
	"bytes"
	"io"
	"testing"
)

func BenchmarkCLIRoundTrip(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var out bytes.Buffer
		cmd := newRootCommand(&out, io.Discard, BuildInfo{Version: "bench", Commit: "bench", BuildTime: "bench"}, nil)
		cmd.SetArgs([]string{"version"})
		if err := cmd.Execute(); err != nil {
			b.Fatalf("execute version command: %v", err)
		}
	}
}

func BenchmarkAuditRecord(b *testing.B) {
	env := map[string]string{"TICKETDESK_HOME": b.TempDir()}
	env["TICKETDESK_CONFIG_PATH"] = env["TICKETDESK_HOME"] + "/config.toml"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cmd := newRootCommand(io.Discard, io.Discard, BuildInfo{}, env)
		cmd.SetArgs([]string{"audit", "record", "--action", "ticket.update", "--resource-type", "ticket"})
		if err := cmd.Execute(); err != nil {
			b.Fatalf("execute audit record: %v", err)
		}
	}
}
