// Package main implements mock-droid, a stand-in for `droid exec` that speaks
// the stream-jsonrpc protocol over stdin/stdout. Its behavior is scripted
// through MOCK_DROID_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec/mockdroid"
)

// invocation is what the droid CLI would have been asked to do.
type invocation struct {
	InputFormat  string
	OutputFormat string
	Cwd          string
	Model        string
	Auto         string
}

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, getenv func(string) string, stdin io.Reader, stdout, stderr io.Writer) int {
	inv, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "mock-droid: %v\n", err)
		return 2
	}
	if inv.InputFormat != "stream-jsonrpc" || inv.OutputFormat != "stream-jsonrpc" {
		fmt.Fprintln(stderr, "mock-droid: only stream-jsonrpc input and output are supported")
		return 2
	}
	if getenv("FACTORY_API_KEY") == "" {
		fmt.Fprintln(stderr, "mock-droid: FACTORY_API_KEY is not set")
		return 1
	}
	script, err := scriptFromEnv(getenv)
	if err != nil {
		fmt.Fprintf(stderr, "mock-droid: %v\n", err)
		return 2
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "json", OutputPath: "stderr"})
	if err != nil {
		log = logger.NewNop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mockdroid.New(script, log).Serve(ctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "mock-droid: %v\n", err)
		return 1
	}
	if code := getenv("MOCK_DROID_EXIT_CODE"); code != "" {
		n, err := strconv.Atoi(code)
		if err == nil {
			return n
		}
	}
	return 0
}

func parseArgs(args []string) (invocation, error) {
	if len(args) == 0 || args[0] != "exec" {
		return invocation{}, errors.New("usage: mock-droid exec [flags]")
	}
	var inv invocation
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&inv.InputFormat, "input-format", "text", "input format")
	fs.StringVar(&inv.OutputFormat, "output-format", "text", "output format")
	fs.StringVar(&inv.Cwd, "cwd", "", "working directory")
	fs.StringVar(&inv.Model, "model", "", "model id")
	fs.StringVar(&inv.Auto, "auto", "", "autonomy level")
	if err := fs.Parse(args[1:]); err != nil {
		return invocation{}, err
	}
	return inv, nil
}

func scriptFromEnv(getenv func(string) string) (mockdroid.Script, error) {
	s := mockdroid.Script{
		SessionID:     getenv("MOCK_DROID_SESSION_ID"),
		Reply:         getenv("MOCK_DROID_REPLY"),
		ToolName:      getenv("MOCK_DROID_TOOL"),
		RekeyTo:       getenv("MOCK_DROID_REKEY_TO"),
		AskPermission: truthy(getenv("MOCK_DROID_ASK_PERMISSION")),
		AskUser:       truthy(getenv("MOCK_DROID_ASK_USER")),
		HangOnMessage: truthy(getenv("MOCK_DROID_HANG")),
	}
	if opts := getenv("MOCK_DROID_OPTIONS"); opts != "" {
		s.Options = strings.Split(opts, ",")
	}
	if d := getenv("MOCK_DROID_DELTA_DELAY"); d != "" {
		delay, err := time.ParseDuration(d)
		if err != nil {
			return s, fmt.Errorf("MOCK_DROID_DELTA_DELAY: %w", err)
		}
		s.DeltaDelay = delay
	}
	return s, nil
}

func truthy(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
