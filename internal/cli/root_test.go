package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waLog "go.mau.fi/whatsmeow/util/log"

	"mxcache/internal/app"
	"mxcache/internal/infra/config"
	"mxcache/internal/store"
)

const (
	localUser = "@bob:example.org"
	testRoom  = "!abc:example.org"
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

// runCLI executes the root command against the cache in dir.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(syncBody))
	cmd.SetArgs(append([]string{"--cache-dir", dir, "--user", localUser}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func runJSON(t *testing.T, dir string, v interface{}, args ...string) {
	t.Helper()
	out, err := runCLI(t, dir, append(args, "--format", "json")...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

// ingested returns a cache dir holding syncBody.
func ingested(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var res map[string]string
	runJSON(t, dir, &res, "ingest", "-")
	require.Equal(t, "s1", res["next_batch"])
	return dir
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mxcache", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"rooms", "room", "members", "timeline", "search-rooms", "search-users",
		"devices", "ignored", "ingest", "prune", "check-format", "reset", "stats", "serve",
	}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "rooms", "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestIngestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(syncBody), 0600))

	out, err := runCLI(t, dir, "ingest", path)
	require.NoError(t, err)
	assert.Equal(t, "next_batch: s1\n", out)

	_, err = runCLI(t, dir, "ingest", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestIgnored(t *testing.T) {
	dir := t.TempDir()
	body := `{"next_batch": "s1", "account_data": {"events": [
		{"type": "m.ignored_user_list", "content": {"ignored_users": {"@eve:example.org": {}}}}
	]}}`
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	_, err := runCLI(t, dir, "ingest", path)
	require.NoError(t, err)

	var users []ignoredView
	runJSON(t, dir, &users, "ignored")
	require.Len(t, users, 1)
	assert.Equal(t, "@eve:example.org", users[0].UserID)
}

func TestRooms(t *testing.T) {
	dir := ingested(t)

	var rooms []roomView
	runJSON(t, dir, &rooms, "rooms")
	require.Len(t, rooms, 1)
	assert.Equal(t, testRoom, rooms[0].RoomID)
	assert.Equal(t, "Team", rooms[0].Name)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "hi", rooms[0].LastMessage.Body)
	assert.Equal(t, "alice", rooms[0].LastMessage.Username)

	out, err := runCLI(t, dir, "rooms")
	require.NoError(t, err)
	assert.Contains(t, out, "Team")
	assert.Contains(t, out, "alice: hi")
}

func TestRoom(t *testing.T) {
	dir := ingested(t)

	var room roomView
	runJSON(t, dir, &room, "room", testRoom)
	assert.Equal(t, "Team", room.Name)

	_, err := runCLI(t, dir, "room", "!missing:example.org")
	assert.ErrorContains(t, err, "not cached")
}

func TestMembersAndTimeline(t *testing.T) {
	dir := ingested(t)

	var members []store.RoomMember
	runJSON(t, dir, &members, "members", testRoom)
	require.Len(t, members, 1)
	assert.Equal(t, "@alice:example.org", members[0].UserID)
	assert.Equal(t, "alice", members[0].DisplayName)

	var timeline timelineView
	runJSON(t, dir, &timeline, "timeline", testRoom)
	assert.Equal(t, "p0", timeline.PrevBatch)
	require.Len(t, timeline.Events, 1)
	assert.Equal(t, "$m", timeline.Events[0].EventID)
	assert.Equal(t, "hi", timeline.Events[0].Body)
}

func TestSearch(t *testing.T) {
	dir := ingested(t)

	var rooms []roomMatch
	runJSON(t, dir, &rooms, "search-rooms", "Team")
	require.Len(t, rooms, 1)
	assert.Equal(t, testRoom, rooms[0].RoomID)

	var none []roomMatch
	runJSON(t, dir, &none, "search-rooms", "Team", "--limit", "0")
	assert.Empty(t, none)

	var users []userMatch
	runJSON(t, dir, &users, "search-users", testRoom, "alice")
	require.NotEmpty(t, users)
	assert.Equal(t, "@alice:example.org", users[0].UserID)
}

func TestMaintenance(t *testing.T) {
	dir := ingested(t)

	var stats map[string]interface{}
	runJSON(t, dir, &stats, "stats")
	assert.EqualValues(t, 1, stats["rooms"])
	assert.EqualValues(t, 1, stats["messages"])
	assert.Greater(t, stats["disk_bytes"], float64(0))

	var pruned map[string]int
	runJSON(t, dir, &pruned, "prune")
	assert.Equal(t, 0, pruned["deleted"])

	var format formatView
	runJSON(t, dir, &format, "check-format")
	assert.True(t, format.Valid)
	assert.Equal(t, store.CurrentFormatVersion, format.Current)

	_, err := runCLI(t, dir, "reset")
	assert.ErrorContains(t, err, "--yes")

	_, err = runCLI(t, dir, "reset", "--yes")
	require.NoError(t, err)

	var rooms []roomView
	runJSON(t, dir, &rooms, "rooms")
	assert.Empty(t, rooms)
}

func TestDevices(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CacheDir = dir
	cfg.UserID = localUser

	a, err := app.NewWithLogger(cfg, waLog.Noop)
	require.NoError(t, err)
	require.NoError(t, a.Container.Devices.SaveDeviceList("@alice:example.org", []string{"AAAA", "BBBB"}))
	require.NoError(t, a.Container.Devices.SaveDeviceKeys("AAAA", store.DeviceKeys{
		UserID:   "@alice:example.org",
		DeviceID: "AAAA",
		Keys:     map[string]string{"ed25519:AAAA": "abcdefgh", "curve25519:AAAA": "identity"},
	}))
	require.NoError(t, a.Shutdown())

	var devices []deviceView
	runJSON(t, dir, &devices, "devices", "@alice:example.org")
	require.Len(t, devices, 2)
	assert.Equal(t, "abcd efgh", devices[0].Fingerprint)
	assert.Equal(t, "identity", devices[0].Curve25519)
	assert.Empty(t, devices[1].Fingerprint)

	pngDir := t.TempDir()
	out, err := runCLI(t, dir, "devices", "@alice:example.org", "--qr", "--png", pngDir)
	require.NoError(t, err)
	assert.Contains(t, out, "AAAA abcd efgh")
	assert.Contains(t, out, "BBBB: device BBBB has no ed25519 key")
	assert.FileExists(t, filepath.Join(pngDir, "AAAA.png"))
	assert.NoFileExists(t, filepath.Join(pngDir, "BBBB.png"))
}
