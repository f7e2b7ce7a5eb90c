package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/droidexec/mockdroid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// configDir writes a droidctl.yaml that keeps logs out of the test output.
func configDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "logging:\n  level: debug\n  format: json\n  outputPath: " + filepath.Join(dir, "droidctl.log") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "droidctl.yaml"), []byte(cfg), 0o644))
	return dir
}

func withSpawner(t *testing.T, sp *mockdroid.Spawner) {
	t.Helper()
	prev := extraExecOptions
	extraExecOptions = []droidexec.Option{droidexec.WithSpawner(sp)}
	t.Cleanup(func() { extraExecOptions = prev })
}

func TestDispatch_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitUsage, dispatch(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage")

	stderr.Reset()
	assert.Equal(t, exitUsage, dispatch([]string{"fly"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "fly"`)

	assert.Equal(t, exitOK, dispatch([]string{"help"}, &stdout, &stderr))
}

func TestParseRunFlags(t *testing.T) {
	var stderr bytes.Buffer
	f, err := parseRunFlags([]string{"-cwd", "/w", "-model", "glm-4.6", "fix the bug"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", f.prompt)
	assert.Equal(t, "/w", f.cwd)
	assert.Equal(t, "glm-4.6", f.model)

	_, err = parseRunFlags(nil, &stderr)
	assert.Error(t, err)
}

func TestRunCommand_PrintsReplyAndWritesDiagnostics(t *testing.T) {
	t.Setenv("FACTORY_API_KEY", "test-key")
	sp := &mockdroid.Spawner{Script: mockdroid.Script{Reply: "Fixed the bug", AskPermission: true}}
	withSpawner(t, sp)

	cfg := configDir(t)
	out := filepath.Join(t.TempDir(), "timeline.yaml")
	var stdout, stderr bytes.Buffer
	code := runCommand([]string{"-config", cfg, "-cwd", t.TempDir(), "-prompt", "fix it", "-timeline-out", out}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, "Fixed the bug\n", stdout.String())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var d diagnostics
	require.NoError(t, yaml.Unmarshal(raw, &d))
	assert.Equal(t, mockdroid.DefaultSessionID, d.SessionID)
	assert.Equal(t, "turn-idle", d.Reason)
	assert.Equal(t, "Fixed the bug", d.Text)
	assert.NotEmpty(t, d.Timeline)
	require.Len(t, d.Permissions, 1)
	assert.Equal(t, "proceed_auto_run", d.Permissions[0].Selected)
}

func TestRunCommand_MissingAPIKey(t *testing.T) {
	t.Setenv("FACTORY_API_KEY", "")
	sp := &mockdroid.Spawner{}
	withSpawner(t, sp)

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{"-config", configDir(t), "-prompt", "hi"}, &stdout, &stderr)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr.String(), "FACTORY_API_KEY")
	assert.Empty(t, sp.Specs())
}

func TestRunCommand_RunTimeout(t *testing.T) {
	t.Setenv("FACTORY_API_KEY", "test-key")
	t.Setenv("DROIDCTL_TIMEOUTS_RUN", "100ms")
	withSpawner(t, &mockdroid.Spawner{Script: mockdroid.Script{HangOnMessage: true}})

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{"-config", configDir(t), "-cwd", t.TempDir(), "-prompt", "hang"}, &stdout, &stderr)
	assert.Equal(t, exitTurnTimedOut, code)
	assert.Contains(t, stderr.String(), "timed out")
}

// TestEndToEnd_MockDroidBinary drives a real child process.
func TestEndToEnd_MockDroidBinary(t *testing.T) {
	if testing.Short() {
		t.Skip("builds and spawns mock-droid")
	}
	if runtime.GOOS == "windows" {
		t.Skip("process tests run on unix")
	}
	bin := filepath.Join(t.TempDir(), "mock-droid")
	build := exec.Command("go", "build", "-o", bin, "../mock-droid")
	build.Stderr = os.Stderr
	require.NoError(t, build.Run())

	t.Setenv("FACTORY_API_KEY", "test-key")
	t.Setenv("DROID_BIN", bin)
	t.Setenv("MOCK_DROID_REPLY", "hello from the child")
	t.Setenv("MOCK_DROID_SESSION_ID", "child-1")

	var stdout, stderr bytes.Buffer
	code := runCommand([]string{"-config", configDir(t), "-cwd", t.TempDir(), "-prompt", "hi"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, "hello from the child\n", stdout.String())
}
