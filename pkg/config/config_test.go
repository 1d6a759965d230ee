package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/convsync/pkg/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFromYAML(t *testing.T) {
	p := writeConfig(t, `
backends:
  coach:
    endpoint: ws://localhost:8089/ws
    headers:
      Authorization: Bearer x
  events:
    transport: REDIS
attachments:
  max-per-conversation: 5
  owner-id: " user-1 "
queue:
  backend: memory
  sync-interval: 2s
  jitter: true
connection:
  send-buffer: 8
  high-water-mark: 100
`)
	v, err := NewViper(p)
	require.NoError(t, err)
	s, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, []string{"coach", "events"}, s.BackendNames())
	require.Equal(t, TransportWebSocket, s.Backends["coach"].Transport)
	require.Equal(t, TransportRedis, s.Backends["events"].Transport)
	require.Equal(t, "ws://localhost:8089/ws", s.Endpoints()["coach"])
	require.True(t, s.NeedsRedis())

	require.Equal(t, 5, s.Attachments.MaxPerConversation)
	require.Equal(t, "user-1", s.Attachments.OwnerID)
	require.Equal(t, []string{"workout_generated", "workout_approved"}, s.Attachments.SignalTypes)

	require.Equal(t, QueueMemory, s.Queue.Backend)
	require.Equal(t, "pending_workouts", s.Queue.Key)
	require.Equal(t, 2*time.Second, s.DriverOptions().Interval)
	b := s.Backoff()
	require.Equal(t, time.Second, b.InitialDelay)
	require.Equal(t, 2.0, b.Multiplier)
	require.Equal(t, 5*time.Minute, b.MaxDelay)
	require.True(t, b.Jitter)

	require.Equal(t, 10*time.Second, s.Connection.ConnectTimeout)
	require.Equal(t, 8, s.Connection.HighWaterMark)

	ws := s.WebSocketOptions("coach")
	require.Equal(t, 8, ws.SendBuffer)
	require.Equal(t, "Bearer x", ws.Header.Get("Authorization"))
	require.Nil(t, s.WebSocketOptions("events").Header)
}

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("backends", map[string]any{"main": map[string]any{"endpoint": "ws://x"}})
	s, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 20, s.Attachments.MaxPerConversation)
	require.Equal(t, QueueSQLite, s.Queue.Backend)
	require.Equal(t, filepath.Join(DefaultDir(), "convsync.db"), s.Storage.SQLitePath)
	require.Equal(t, 15*time.Second, s.Queue.SyncInterval)
	require.Equal(t, 48, s.Connection.HighWaterMark)
	require.False(t, s.NeedsRedis())
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeConfig(t, "backends:\n  main:\n    endpoint: ws://x\n")
	t.Setenv("CONVSYNC_ATTACHMENTS_MAX_PER_CONVERSATION", "3")
	v, err := NewViper(p)
	require.NoError(t, err)
	s, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 3, s.Attachments.MaxPerConversation)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no backends", "queue:\n  backend: memory\n"},
		{"unknown transport", "backends:\n  a:\n    endpoint: ws://x\n    transport: carrier-pigeon\n"},
		{"websocket without endpoint", "backends:\n  a:\n    transport: websocket\n"},
		{"zero cap", "backends:\n  a:\n    endpoint: ws://x\nattachments:\n  max-per-conversation: 0\n"},
		{"unknown queue backend", "backends:\n  a:\n    endpoint: ws://x\nqueue:\n  backend: etcd\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := NewViper(writeConfig(t, tc.body))
			require.NoError(t, err)
			_, err = Load(v)
			require.Error(t, err)
			require.True(t, errs.IsValidation(err), "got %v", err)
		})
	}
}

func TestNewViperMissingExplicitFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
