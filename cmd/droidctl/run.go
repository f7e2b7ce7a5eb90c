package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/droidexec/permission"
	"github.com/kandev/droidctl/internal/droidexec/timeline"
	"github.com/kandev/droidctl/internal/droidexec/turn"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Exit codes for `droidctl run`.
const (
	exitOK           = 0
	exitFailed       = 1
	exitUsage        = 2
	exitTurnAborted  = 3
	exitTurnTimedOut = 4
)

// extraExecOptions lets tests swap the process spawner.
var extraExecOptions []droidexec.Option

type runFlags struct {
	config      string
	prompt      string
	cwd         string
	model       string
	auto        string
	session     string
	resume      string
	timelineOut string
	timeout     time.Duration
}

// diagnostics is the YAML document written by -timeline-out.
type diagnostics struct {
	SessionID   string             `yaml:"session_id"`
	Reason      string             `yaml:"reason"`
	Text        string             `yaml:"text"`
	Timeline    []timeline.Entry   `yaml:"timeline"`
	Permissions []permission.Event `yaml:"permissions"`
}

func parseRunFlags(args []string, stderr io.Writer) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "", "directory containing droidctl.yaml")
	fs.StringVar(&f.prompt, "prompt", "", "message to send (required)")
	fs.StringVar(&f.cwd, "cwd", "", "working directory for the agent (default: current directory)")
	fs.StringVar(&f.model, "model", "", "model id (default from config)")
	fs.StringVar(&f.auto, "auto", "", "autonomy level, e.g. auto-medium")
	fs.StringVar(&f.session, "session", "", "session id to start under")
	fs.StringVar(&f.resume, "resume", "", "previous session id to load")
	fs.StringVar(&f.timelineOut, "timeline-out", "", "write a YAML diagnostics dump to this file")
	fs.DurationVar(&f.timeout, "timeout", 0, "overall deadline for the turn (default: config run timeout)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.prompt == "" && fs.NArg() > 0 {
		f.prompt = fs.Arg(0)
	}
	if f.prompt == "" {
		return f, errors.New("-prompt is required")
	}
	return f, nil
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	f, err := parseRunFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "droidctl run: %v\n", err)
		}
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, f.config, extraExecOptions...)
	if err != nil {
		fmt.Fprintf(stderr, "droidctl run: %v\n", err)
		return exitFailed
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeouts.TerminateGrace+a.cfg.Timeouts.Settle+time.Second)
		defer cancel()
		a.close(closeCtx)
	}()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	unsubscribe := a.manager.OnEvent(func(ev droidexec.Event) {
		switch ev.Type {
		case droidexec.EventAssistantDelta:
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Fprint(stdout, text)
			}
		case droidexec.EventAgentError:
			fmt.Fprintf(stderr, "agent error: %v\n", ev.Data["message"])
		}
	})

	run, err := a.manager.Send(ctx, droidexec.SessionParams{
		SessionID:       f.session,
		Cwd:             f.cwd,
		ModelID:         f.model,
		AutonomyLevel:   f.auto,
		ResumeSessionID: f.resume,
		Text:            f.prompt,
	})
	if err != nil {
		unsubscribe()
		fmt.Fprintf(stderr, "droidctl run: %v\n", err)
		return exitFailed
	}

	reason, err := run.Wait(ctx)
	if err != nil {
		a.log.Info("interrupted, cancelling session", zap.String("session_id", run.SessionID()))
		cancelCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeouts.TerminateGrace+time.Second)
		_ = a.manager.Cancel(cancelCtx, run.SessionID())
		cancel()
		reason = run.Reason()
	}
	// Deltas are delivered asynchronously; detach only after the run's events
	// have drained so the reply is printed in full.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 2*time.Second)
	_ = a.manager.Flush(flushCtx)
	cancelFlush()
	unsubscribe()
	fmt.Fprintln(stdout)

	if f.timelineOut != "" {
		if err := writeDiagnostics(f.timelineOut, diagnostics{
			SessionID:   run.SessionID(),
			Reason:      string(reason),
			Text:        run.Text(),
			Timeline:    a.manager.Timeline(),
			Permissions: a.manager.Permissions(),
		}); err != nil {
			fmt.Fprintf(stderr, "droidctl run: %v\n", err)
			return exitFailed
		}
	}

	switch reason {
	case turn.ReasonTurnIdle:
		return exitOK
	case turn.ReasonTimeout:
		fmt.Fprintln(stderr, "droidctl run: turn timed out")
		return exitTurnTimedOut
	default:
		fmt.Fprintf(stderr, "droidctl run: turn ended: %s\n", reason)
		return exitTurnAborted
	}
}

func writeDiagnostics(path string, d diagnostics) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write diagnostics: %w", err)
	}
	return nil
}
