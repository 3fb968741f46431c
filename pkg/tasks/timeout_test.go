package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stalledServer answers with headers and a few bytes, then stops sending
// until the client goes away.
func stalledServer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv.URL
}

func TestEveryTaskKindHonorsTimeout(t *testing.T) {
	requireUnix(t)
	const timeout = 300 * time.Millisecond
	slow := &ScriptPayload{Script: "sleep 30", Interpreter: "sh"}

	tests := []struct {
		name string
		kind Kind
		body func(t *testing.T) any
	}{
		{"script", KindScript, func(*testing.T) any { return slow }},
		{"install pre-install script", KindInstall, func(*testing.T) any {
			return InstallPayload{Source: SourcePackage, Name: "htop", Manager: "apt-get", PreInstall: slow}
		}},
		{"install stalled download", KindInstall, func(t *testing.T) any {
			return InstallPayload{Source: SourceArchive, URL: stalledServer(t) + "/app.tar.gz", Destination: t.TempDir()}
		}},
		{"policy command validation", KindPolicy, func(*testing.T) any {
			return PolicyPayload{
				Category:   CategorySecurity,
				Settings:   []SettingChange{{Name: "firewall.enabled", Value: json.RawMessage(`true`)}},
				Validation: &PolicyCheck{Command: &CommandPayload{Command: "sleep", Args: []string{"30"}}},
			}
		}},
		{"policy script validation", KindPolicy, func(*testing.T) any {
			return PolicyPayload{
				Category:   CategorySecurity,
				Settings:   []SettingChange{{Name: "firewall.enabled", Value: json.RawMessage(`true`)}},
				Validation: &PolicyCheck{Script: slow},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(
				WithDefaultTimeout(timeout),
				WithSettings(testSettings(&settingLog{})),
				WithTempRoot(t.TempDir()),
			)
			start := time.Now()
			res := engine.Execute(context.Background(), mkTask(t, tt.kind, tt.body(t)))

			require.Less(t, time.Since(start), timeout+waitDelay+time.Second)
			require.False(t, res.Success)
			require.Equal(t, Timeout, res.ErrorKind, res.Error)
		})
	}
}

func TestPolicyRollbackRunsAfterTimeout(t *testing.T) {
	requireUnix(t)
	log := &settingLog{}
	engine := NewEngine(WithDefaultTimeout(300*time.Millisecond), WithSettings(testSettings(log)))

	res := engine.Execute(context.Background(), mkTask(t, KindPolicy, PolicyPayload{
		Category:   CategorySecurity,
		Settings:   []SettingChange{{Name: "firewall.enabled", Value: json.RawMessage(`true`)}},
		Validation: &PolicyCheck{Command: &CommandPayload{Command: "sleep", Args: []string{"30"}}},
		Rollback: &PolicyAction{
			Command:  &CommandPayload{Command: "echo", Args: []string{"undone"}},
			Settings: []SettingChange{{Name: "firewall.enabled", Value: json.RawMessage(`false`)}},
		},
	}))

	require.Equal(t, Timeout, res.ErrorKind, res.Error)
	require.Equal(t, true, res.Metadata["rolled_back"], res.Metadata["rollback_error"])
	require.NotContains(t, res.Metadata, "rollback_error")
	require.Equal(t, []string{"firewall.enabled=true", "firewall.enabled=false"}, log.list())
}
