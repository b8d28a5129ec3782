package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setArgs(t *testing.T, args ...string) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"tgforward"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func setCreds(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ID", "12345")
	t.Setenv("APP_HASH", "abcdef")
	t.Setenv("HOME", t.TempDir())
}

func TestParseWatchDefaults(t *testing.T) {
	setCreds(t)
	setArgs(t, "watch")

	cfg, err := ParseCLI("", "")
	require.NoError(t, err)

	assert.Equal(t, "watch", cfg.Command)
	assert.Equal(t, 12345, cfg.AppID)
	assert.Equal(t, "abcdef", cfg.AppHash)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, 200, cfg.PageSize)
	assert.Equal(t, 3*time.Second, cfg.QuietWindow)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.SessionPath)
}

func TestParseWatchFlags(t *testing.T) {
	setCreds(t)
	setArgs(t, "watch",
		"-namespace", "second",
		"-poll-interval", "5s",
		"-rule-concurrency", "2",
		"-db", "/tmp/custom.db",
		"-task-limit", "3")

	cfg, err := ParseCLI("", "")
	require.NoError(t, err)

	assert.Equal(t, "second", cfg.Namespace)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 2, cfg.RuleConcurrency)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.TaskLimit)
}

func TestParseForward(t *testing.T) {
	setCreds(t)
	setArgs(t, "forward", "-dest", "@target", "-mode", "direct",
		"https://t.me/chan/1", "https://t.me/chan/2")

	cfg, err := ParseCLI("", "")
	require.NoError(t, err)

	assert.Equal(t, "forward", cfg.Command)
	assert.Equal(t, "@target", cfg.Dest)
	assert.Equal(t, "direct", cfg.Mode)
	assert.Equal(t, []string{"https://t.me/chan/1", "https://t.me/chan/2"}, cfg.Links)
}

func TestParseForwardRequiresLinks(t *testing.T) {
	setCreds(t)
	setArgs(t, "forward")

	_, err := ParseCLI("", "")
	assert.Error(t, err)
}

func TestParseForwardRejectsBadMode(t *testing.T) {
	setCreds(t)
	setArgs(t, "forward", "-mode", "teleport", "https://t.me/chan/1")

	_, err := ParseCLI("", "")
	assert.Error(t, err)
}

func TestParseUnknownCommand(t *testing.T) {
	setCreds(t)
	setArgs(t, "frobnicate")

	_, err := ParseCLI("", "")
	assert.Error(t, err)
}

func TestParseRequiresCredentials(t *testing.T) {
	t.Setenv("APP_ID", "")
	t.Setenv("APP_HASH", "")
	setArgs(t, "watch")

	_, err := ParseCLI("", "")
	assert.Error(t, err)
}

func TestLdflagsCredentialsWin(t *testing.T) {
	setCreds(t)
	setArgs(t, "watch")

	cfg, err := ParseCLI("99999", "zzz")
	require.NoError(t, err)
	assert.Equal(t, 99999, cfg.AppID)
	assert.Equal(t, "zzz", cfg.AppHash)
}
