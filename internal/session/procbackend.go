package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
)

// ProcBackendConfig describes how to launch the agent process for a
// session.
type ProcBackendConfig struct {
	// Command is the agent binary plus fixed arguments.
	Command []string

	// ProxyURL is the auth proxy base URL handed to the agent; the agent
	// routes provider traffic through it instead of holding credentials.
	ProxyURL string
}

// ProcBackend runs one agent process per session and speaks newline-JSON
// over its stdin/stdout. Each stdout line is one agent event; each command
// is one stdin line. The events channel closes when the process exits.
type ProcBackend struct {
	cfg           ProcBackendConfig
	sess          Session
	workspaceRoot string
	gatePort      int
	logger        *logger.Logger

	cmd    *exec.Cmd
	stdin  *json.Encoder
	events chan AgentEvent

	writeMu  sync.Mutex
	killOnce sync.Once
	exited   chan struct{}
}

// NewProcBackendFactory returns a factory launching cfg.Command for every
// activated session.
func NewProcBackendFactory(cfg ProcBackendConfig, log *logger.Logger) BackendFactory {
	return func(sess Session, workspaceRoot string, gatePort int) (Backend, error) {
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("agent command is not configured")
		}
		return &ProcBackend{
			cfg:           cfg,
			sess:          sess,
			workspaceRoot: workspaceRoot,
			gatePort:      gatePort,
			logger: log.WithFields(
				zap.String("component", "proc_backend"),
				zap.String("session_id", sess.ID)),
			events: make(chan AgentEvent, 256),
			exited: make(chan struct{}),
		}, nil
	}
}

// Start launches the agent process and blocks until it emits its first
// event, which the agent prints as a startup banner. The banner is
// forwarded downstream like any other event.
func (b *ProcBackend) Start(ctx context.Context) error {
	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	if b.workspaceRoot != "" {
		cmd.Dir = b.workspaceRoot
	}
	cmd.Env = append(os.Environ(),
		"OPPI_SESSION_ID="+b.sess.ID,
		"OPPI_GATE_PORT="+strconv.Itoa(b.gatePort),
		"OPPI_PROXY_URL="+b.cfg.ProxyURL,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	b.cmd = cmd
	b.stdin = json.NewEncoder(stdin)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			b.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
		}
	}()

	ready := make(chan struct{})
	go b.readLoop(stdout, ready)

	select {
	case <-ready:
		return nil
	case <-b.exited:
		// the process may have exited right after printing the banner
		select {
		case <-ready:
			return nil
		default:
		}
		b.Kill()
		return fmt.Errorf("agent exited before becoming ready")
	case <-ctx.Done():
		b.Kill()
		return fmt.Errorf("agent readiness: %w", ctx.Err())
	}
}

// readLoop pushes every agent event, the banner included, into b.events so
// the consumer sees them in emission order; ready only signals that the
// banner arrived.
func (b *ProcBackend) readLoop(stdout interface{ Read([]byte) (int, error) }, ready chan<- struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	banner := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			b.logger.Warn("invalid agent event", zap.Error(err))
			continue
		}
		typ, _ := raw["type"].(string)
		b.events <- AgentEvent{Type: typ, Data: raw}
		if !banner {
			banner = true
			close(ready)
		}
	}

	_ = b.cmd.Wait()
	close(b.exited)
	close(b.events)
}

// Send writes one command line to the agent's stdin.
func (b *ProcBackend) Send(ctx context.Context, command map[string]interface{}) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.stdin.Encode(command); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Abort asks the agent to interrupt its current turn without exiting.
func (b *ProcBackend) Abort(ctx context.Context) error {
	return b.Send(ctx, map[string]interface{}{"type": "abort"})
}

// Events returns the agent event stream.
func (b *ProcBackend) Events() <-chan AgentEvent {
	return b.events
}

// Stop asks the agent to shut down and waits for the process to exit or
// the context to expire.
func (b *ProcBackend) Stop(ctx context.Context) error {
	if err := b.Send(ctx, map[string]interface{}{"type": "shutdown"}); err != nil {
		return err
	}
	select {
	case <-b.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent shutdown: %w", ctx.Err())
	}
}

// Kill terminates the agent process immediately.
func (b *ProcBackend) Kill() {
	b.killOnce.Do(func() {
		if b.cmd != nil && b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
	})
}
