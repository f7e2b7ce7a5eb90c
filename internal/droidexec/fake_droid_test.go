package droidexec

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kandev/droidctl/internal/droidexec/process"
	"github.com/kandev/droidctl/pkg/droid"
	"github.com/stretchr/testify/require"
)

// fakeDroid stands in for the droid process. Requests written by the
// manager are answered by onRequest; tests script other output directly.
type fakeDroid struct {
	t   *testing.T
	enc droid.Encoder

	out    chan []byte
	events chan process.Event
	stderr []string

	mu         sync.Mutex
	spec       process.Spec
	received   []string
	responses  []*droid.Response
	onRequest  func(f *fakeDroid, req *droid.Request)
	ignoreTerm bool

	outMu     sync.Mutex
	outClosed bool
	closeOnce sync.Once
	exited    chan struct{}
	inbox     chan string
}

func newFakeDroid(t *testing.T) *fakeDroid {
	f := &fakeDroid{
		t:      t,
		out:    make(chan []byte, 256),
		events: make(chan process.Event, 8),
		exited: make(chan struct{}),
		inbox:  make(chan string, 256),
	}
	f.onRequest = defaultAgent("engine-1")
	go f.serve()
	return f
}

// defaultAgent acks every request and reports sessionID from initialize.
func defaultAgent(sessionID string) func(f *fakeDroid, req *droid.Request) {
	return func(f *fakeDroid, req *droid.Request) {
		switch droid.LocalName(req.Method) {
		case droid.MethodInitializeSession:
			f.respond(req, map[string]any{"sessionId": sessionID})
		default:
			f.respond(req, map[string]any{})
		}
	}
}

func (f *fakeDroid) spawner() Spawner {
	return SpawnFunc(func(spec process.Spec) (Process, error) {
		f.mu.Lock()
		f.spec = spec
		f.mu.Unlock()
		return f, nil
	})
}

func (f *fakeDroid) serve() {
	for line := range f.inbox {
		switch msg := droid.Decode(line).(type) {
		case *droid.Request:
			f.mu.Lock()
			handler := f.onRequest
			f.mu.Unlock()
			handler(f, msg)
		case *droid.Response:
			f.mu.Lock()
			f.responses = append(f.responses, msg)
			f.mu.Unlock()
		}
	}
}

func (f *fakeDroid) setHandler(h func(f *fakeDroid, req *droid.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRequest = h
}

// Write implements Process.
func (f *fakeDroid) Write(p []byte) error {
	select {
	case <-f.exited:
		return nil
	default:
	}
	f.mu.Lock()
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		f.received = append(f.received, line)
		f.inbox <- line
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeDroid) Output() <-chan []byte        { return f.out }
func (f *fakeDroid) Events() <-chan process.Event { return f.events }
func (f *fakeDroid) RecentStderr() []string       { return f.stderr }

// Terminate implements Process.
func (f *fakeDroid) Terminate() {
	f.mu.Lock()
	ignore := f.ignoreTerm
	f.mu.Unlock()
	if ignore {
		f.exit(process.Event{Kind: process.EventExit, ExitCode: 137, Signal: "SIGKILL"})
		return
	}
	f.exit(process.Event{Kind: process.EventExit, ExitCode: 143, Signal: "SIGTERM"})
}

func (f *fakeDroid) exit(ev process.Event) {
	f.closeOnce.Do(func() {
		close(f.exited)
		f.outMu.Lock()
		f.outClosed = true
		close(f.out)
		f.outMu.Unlock()
		f.events <- ev
	})
	<-f.exited
}

// push writes to the fake stdout; output after exit is dropped.
func (f *fakeDroid) push(data []byte) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	if f.outClosed {
		return
	}
	f.out <- data
}

func (f *fakeDroid) emitLine(line string) {
	f.push([]byte(line + "\n"))
}

func (f *fakeDroid) respond(req *droid.Request, result any) {
	data, err := f.enc.Response(req.ID, result, nil)
	require.NoError(f.t, err)
	f.push(data)
}

func (f *fakeDroid) respondError(req *droid.Request, code int, msg string) {
	data, err := f.enc.Response(req.ID, nil, &droid.Error{Code: code, Message: msg})
	require.NoError(f.t, err)
	f.push(data)
}

func (f *fakeDroid) request(id, method string, params any) {
	data, err := f.enc.Request(id, method, params)
	require.NoError(f.t, err)
	f.push(data)
}

func (f *fakeDroid) notify(notification map[string]any) {
	data, err := f.enc.Notification("droid.session_notification", map[string]any{"notification": notification})
	require.NoError(f.t, err)
	f.push(data)
}

func (f *fakeDroid) workingState(state string) {
	f.notify(map[string]any{"type": "droid_working_state_changed", "newState": state})
}

func (f *fakeDroid) requests() []*droid.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*droid.Request
	for _, line := range f.received {
		if req, ok := droid.Decode(line).(*droid.Request); ok {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeDroid) methods() []string {
	var out []string
	for _, r := range f.requests() {
		out = append(out, r.Method)
	}
	return out
}

func (f *fakeDroid) waitResponse(t *testing.T, id string) *droid.Response {
	t.Helper()
	var found *droid.Response
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, r := range f.responses {
			if r.ID == id {
				found = r
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func decodeResult(t *testing.T, resp *droid.Response, out any) {
	t.Helper()
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, out))
}
