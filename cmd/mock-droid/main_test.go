package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kandev/droidctl/pkg/droid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParseArgs(t *testing.T) {
	inv, err := parseArgs([]string{"exec", "--input-format", "stream-jsonrpc", "--output-format", "stream-jsonrpc", "--cwd", "/w", "--model", "kimi-k2.5", "--auto", "high"})
	require.NoError(t, err)
	assert.Equal(t, invocation{InputFormat: "stream-jsonrpc", OutputFormat: "stream-jsonrpc", Cwd: "/w", Model: "kimi-k2.5", Auto: "high"}, inv)

	_, err = parseArgs([]string{"chat"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"exec", "--bogus"})
	assert.Error(t, err)
}

func TestScriptFromEnv(t *testing.T) {
	s, err := scriptFromEnv(env(map[string]string{
		"MOCK_DROID_REPLY":          "hi there",
		"MOCK_DROID_ASK_PERMISSION": "true",
		"MOCK_DROID_OPTIONS":        "proceed_once,cancel",
		"MOCK_DROID_DELTA_DELAY":    "5ms",
	}))
	require.NoError(t, err)
	assert.Equal(t, "hi there", s.Reply)
	assert.True(t, s.AskPermission)
	assert.Equal(t, []string{"proceed_once", "cancel"}, s.Options)
	assert.Equal(t, 5*time.Millisecond, s.DeltaDelay)

	_, err = scriptFromEnv(env(map[string]string{"MOCK_DROID_DELTA_DELAY": "soon"}))
	assert.Error(t, err)
}

var execArgs = []string{"exec", "--input-format", "stream-jsonrpc", "--output-format", "stream-jsonrpc", "--cwd", "."}

func TestRun_RequiresAPIKey(t *testing.T) {
	var stderr bytes.Buffer
	code := run(execArgs, env(nil), strings.NewReader(""), io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "FACTORY_API_KEY")
}

func TestRun_RejectsTextFormat(t *testing.T) {
	code := run([]string{"exec"}, env(map[string]string{"FACTORY_API_KEY": "k"}), strings.NewReader(""), io.Discard, io.Discard)
	assert.Equal(t, 2, code)
}

func TestRun_AnswersInitialize(t *testing.T) {
	var enc droid.Encoder
	req, err := enc.Request("1", "droid.initialize_session", droid.InitializeSessionParams{MachineID: "m", Cwd: "/w"})
	require.NoError(t, err)

	var stdout bytes.Buffer
	code := run(execArgs, env(map[string]string{"FACTORY_API_KEY": "k", "MOCK_DROID_SESSION_ID": "abc", "MOCK_DROID_EXIT_CODE": "3"}),
		bytes.NewReader(req), &stdout, io.Discard)
	assert.Equal(t, 3, code)

	resp, ok := droid.Decode(strings.TrimSpace(stdout.String())).(*droid.Response)
	require.True(t, ok)
	assert.Equal(t, "1", resp.ID)
	assert.JSONEq(t, `{"sessionId":"abc"}`, string(resp.Result))
}
