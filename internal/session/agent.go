package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/devpocket/relay/internal/protocol"
)

// AgentBackend wraps an external AI-agent subprocess as a Backend. The
// subprocess's contract is out of scope for this module: we only consume a
// newline-delimited event stream on stdout and a `--resume <token>` flag,
// per the spec's "out of scope" boundary around the agent binary itself.
type AgentBackend struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	emit      func(eventName string, payload any)
	closeOnce sync.Once
	closeCh   chan struct{}
	mu        sync.Mutex
	closed    bool
}

// AgentCommand returns the argv used to launch the agent binary for a
// fresh session (resume == "") or to resume a prior one.
func AgentCommand(binary, cwd, model, permissionMode, resume string) *exec.Cmd {
	args := []string{}
	if model != "" {
		args = append(args, "--model", model)
	}
	if permissionMode != "" {
		args = append(args, "--permission-mode", permissionMode)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	cmd := exec.Command(binary, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// NewAgentBackend starts the agent binary and begins streaming its stdout
// as (eventName, payload) tuples via emit. Each stdout line is expected to
// be a JSON object carrying its own string `type` field; malformed lines
// are forwarded as a raw `message` event rather than dropped, since the
// pty-output-parsing subsystem that would normally classify them is out
// of scope here.
func NewAgentBackend(cmd *exec.Cmd, emit func(eventName string, payload any)) (*AgentBackend, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent start: %w", err)
	}

	a := &AgentBackend{
		cmd:     cmd,
		stdin:   stdin,
		emit:    emit,
		closeCh: make(chan struct{}),
	}

	emit(protocol.EventAgentSpawned, map[string]any{"pid": cmd.Process.Pid})

	go a.consumeStdout(stdout)
	go a.consumeStderr(stderr)
	go a.watchExit()

	return a, nil
}

func (a *AgentBackend) consumeStdout(r io.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("agent stdout consumer panic: %v", rec)
		}
	}()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		eventName, payload := decodeAgentLine(line)
		a.emit(eventName, payload)
	}
}

func (a *AgentBackend) consumeStderr(r io.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("agent stderr consumer panic: %v", rec)
		}
	}()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		a.emit(protocol.EventError, map[string]any{"message": scanner.Text()})
	}
}

// decodeAgentLine classifies one stdout line into an event name and
// payload. A line that parses as a JSON object with a string "type" field
// is passed through verbatim; anything else becomes a raw message.
func decodeAgentLine(line string) (string, any) {
	var generic map[string]any
	if err := protocol.JSON.UnmarshalFromString(line, &generic); err == nil {
		if t, ok := generic["type"].(string); ok && t != "" {
			return t, generic
		}
	}
	return protocol.EventMessage, map[string]any{"text": strings.TrimSpace(line)}
}

func (a *AgentBackend) watchExit() {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("agent watchExit panic: %v", rec)
		}
	}()
	err := a.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	a.emit(protocol.EventAgentCompleted, map[string]any{"exitCode": exitCode})
	a.markClosed()
}

func (a *AgentBackend) markClosed() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.closeCh)
	})
}

// Write forwards an `input` frame's data to the agent's stdin.
func (a *AgentBackend) Write(p []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return os.ErrClosed
	}
	a.mu.Unlock()
	_, err := a.stdin.Write(p)
	return err
}

// Resize is a no-op for interactive-agent sessions; only terminal-kind
// sessions own a pty window.
func (a *AgentBackend) Resize(cols, rows int) error { return nil }

// Interrupt sends SIGINT to the agent's process group (spec: `interrupt`
// forwards an interrupt signal to the agent).
func (a *AgentBackend) Interrupt() error {
	if a.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-a.cmd.Process.Pid, syscall.SIGINT)
}

// Close terminates the agent process group.
func (a *AgentBackend) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	_ = a.stdin.Close()
	if a.cmd.Process != nil {
		_ = syscall.Kill(-a.cmd.Process.Pid, syscall.SIGTERM)
	}
	a.markClosed()
	return nil
}

// Done is closed once the agent process exits.
func (a *AgentBackend) Done() <-chan struct{} { return a.closeCh }
