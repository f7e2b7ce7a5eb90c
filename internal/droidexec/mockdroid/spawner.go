package mockdroid

import (
	"context"
	"io"
	"sync"

	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/droidexec/process"
)

// Spawner runs a fresh Agent in-process for every spawn, connected through
// pipes. Agents holds every agent started, in order.
type Spawner struct {
	Script Script
	Logger *logger.Logger

	mu     sync.Mutex
	agents []*Agent
	specs  []process.Spec
}

// Spawn implements droidexec.Spawner.
func (s *Spawner) Spawn(spec process.Spec) (droidexec.Process, error) {
	agent := New(s.Script, s.Logger)
	s.mu.Lock()
	s.agents = append(s.agents, agent)
	s.specs = append(s.specs, spec)
	s.mu.Unlock()
	return startPipeProcess(agent), nil
}

// Agents returns the agents spawned so far.
func (s *Spawner) Agents() []*Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Agent(nil), s.agents...)
}

// Specs returns the process specs passed to Spawn.
func (s *Spawner) Specs() []process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.Spec(nil), s.specs...)
}

// pipeProcess adapts an in-process Agent to droidexec.Process.
type pipeProcess struct {
	stdin  *io.PipeWriter
	cancel context.CancelFunc

	output chan []byte
	events chan process.Event
	done   chan struct{}
	once   sync.Once
}

func startPipeProcess(agent *Agent) *pipeProcess {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &pipeProcess{
		stdin:  inW,
		cancel: cancel,
		output: make(chan []byte, 64),
		events: make(chan process.Event, 2),
		done:   make(chan struct{}),
	}

	served := make(chan error, 1)
	go func() {
		err := agent.Serve(ctx, inR, outW)
		_ = outW.Close()
		_ = inR.Close()
		served <- err
	}()

	go func() {
		defer close(p.done)
		buf := make([]byte, 32*1024)
		for {
			n, err := outR.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				p.output <- chunk
			}
			if err != nil {
				break
			}
		}
		close(p.output)
		ev := process.Event{Kind: process.EventExit}
		if err := <-served; err != nil && err != context.Canceled {
			ev.ExitCode = 1
			ev.Err = err
		}
		p.events <- ev
	}()
	return p
}

func (p *pipeProcess) Write(b []byte) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if _, err := p.stdin.Write(b); err != nil && err != io.ErrClosedPipe {
		return err
	}
	return nil
}

func (p *pipeProcess) Output() <-chan []byte        { return p.output }
func (p *pipeProcess) Events() <-chan process.Event { return p.events }
func (p *pipeProcess) RecentStderr() []string       { return nil }

// Terminate closes stdin, stops the agent and waits for it to exit.
func (p *pipeProcess) Terminate() {
	p.once.Do(func() {
		_ = p.stdin.Close()
		p.cancel()
	})
	<-p.done
}
