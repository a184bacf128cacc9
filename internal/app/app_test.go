package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waLog "go.mau.fi/whatsmeow/util/log"

	"mxcache/internal/infra/config"
)

const syncBody = `{
  "next_batch": "s1",
  "rooms": {
    "join": {
      "!abc:example.org": {
        "state": {"events": [
          {"type": "m.room.name", "state_key": "", "event_id": "$n", "sender": "@alice:example.org", "origin_server_ts": 1, "content": {"name": "Team"}},
          {"type": "m.room.member", "state_key": "@alice:example.org", "event_id": "$a", "sender": "@alice:example.org", "origin_server_ts": 1, "content": {"membership": "join", "displayname": "alice"}}
        ]},
        "timeline": {"events": [
          {"type": "m.room.message", "event_id": "$m", "sender": "@alice:example.org", "origin_server_ts": 2, "content": {"msgtype": "m.text", "body": "hi"}}
        ], "prev_batch": "p0"}
      }
    }
  }
}`

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.UserID = "@bob:example.org"
	cfg.PickleSecret = "secret"
	return cfg
}

func TestNewRequiresUserID(t *testing.T) {
	cfg := testConfig(t)
	cfg.UserID = ""
	_, err := NewWithLogger(cfg, waLog.Noop)
	assert.Error(t, err)
}

func TestApplySync(t *testing.T) {
	a, err := NewWithLogger(testConfig(t), waLog.Noop)
	require.NoError(t, err)
	defer a.Shutdown()

	require.NoError(t, a.ApplySync(strings.NewReader(syncBody)))
	info, ok := a.Container.Rooms.RoomInfo("!abc:example.org")
	require.True(t, ok)
	assert.Equal(t, "Team", info.Name)
	assert.Equal(t, "s1", a.Container.SyncState.NextBatchToken())

	assert.Error(t, a.ApplySync(strings.NewReader("{")))
}

func TestReopenKeepsData(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewWithLogger(cfg, waLog.Noop)
	require.NoError(t, err)
	require.NoError(t, a.ApplySync(strings.NewReader(syncBody)))
	require.NoError(t, a.Shutdown())

	a, err = NewWithLogger(cfg, waLog.Noop)
	require.NoError(t, err)
	defer a.Shutdown()
	assert.Equal(t, []string{"!abc:example.org"}, a.Container.Rooms.JoinedRooms())
	assert.Equal(t, "alice", a.Store.Names().DisplayName("!abc:example.org", "@alice:example.org"))
}

func TestMetricsHandler(t *testing.T) {
	a, err := NewWithLogger(testConfig(t), waLog.Noop)
	require.NoError(t, err)
	defer a.Shutdown()
	require.NoError(t, a.ApplySync(strings.NewReader(syncBody)))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mxcache_sync_batches_total")
}

func TestRetentionStopsOnShutdown(t *testing.T) {
	a, err := NewWithLogger(testConfig(t), waLog.Noop)
	require.NoError(t, err)

	a.StartRetention(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, a.Shutdown())
}
