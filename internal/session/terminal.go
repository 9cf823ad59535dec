package session

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/devpocket/relay/internal/protocol"
)

const (
	// maxBufferSize is the ring-buffer cap for replaying output to a
	// client that (re)attaches to a terminal-kind session.
	maxBufferSize = 100 * 1024

	// ansiReset is prepended to buffer replays so truncation never leaves
	// a dangling escape sequence's attribute state applied to new text.
	ansiReset = "\x1b[0m"
)

// TerminalBackend wraps a PTY-driven shell as a Backend, with an output
// ring buffer for replay and a raw-event emit callback so live output
// reaches the broker the same way an agent subprocess's stdout does.
type TerminalBackend struct {
	ptmx *os.File
	cmd  *exec.Cmd
	emit func(eventName string, payload any)

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	usePgrp bool

	bufMu sync.Mutex
	buf   []byte
}

// NewTerminalBackend starts shell in workingDir with the given environment
// overlay and initial window size. emit receives a protocol.EventRaw tuple
// for every chunk of pty output, mirroring NewAgentBackend's emit contract.
func NewTerminalBackend(shell, workingDir string, env map[string]string, cols, rows int, emit func(eventName string, payload any)) (*TerminalBackend, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	overridden := make(map[string]bool, len(env))
	for k := range env {
		overridden[k] = true
	}
	finalEnv := make([]string, 0, len(os.Environ())+len(env))
	for _, kv := range os.Environ() {
		if idx := indexByte(kv, '='); idx > 0 && !overridden[kv[:idx]] {
			finalEnv = append(finalEnv, kv)
		}
	}
	for k, v := range env {
		finalEnv = append(finalEnv, k+"="+v)
	}
	finalEnv = append(finalEnv, "TERM=xterm-256color")
	cmd.Env = finalEnv

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}

	t := &TerminalBackend{
		ptmx:    ptmx,
		cmd:     cmd,
		emit:    emit,
		closeCh: make(chan struct{}),
		usePgrp: usePgrp,
		buf:     make([]byte, 0, 4096),
	}
	go t.readLoop()
	go t.watchExit()
	return t, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (t *TerminalBackend) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("terminal readLoop panic: %v", r)
		}
		t.markDead()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if err != nil {
			return
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.appendBuffer(data)
			if t.emit != nil {
				t.emit(protocol.EventRaw, map[string]any{"data": string(data)})
			}
		}
	}
}

func (t *TerminalBackend) watchExit() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("terminal watchExit panic: %v", r)
		}
	}()
	if t.cmd.Process != nil {
		_, _ = t.cmd.Process.Wait()
	}
	t.markDead()
}

func (t *TerminalBackend) markDead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.closeCh)
}

func (t *TerminalBackend) appendBuffer(data []byte) {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	t.buf = append(t.buf, data...)
	if len(t.buf) > maxBufferSize {
		excess := len(t.buf) - maxBufferSize
		cutPoint := excess
		limit := excess + 256
		if limit > len(t.buf) {
			limit = len(t.buf)
		}
		for i := excess; i < limit; i++ {
			if t.buf[i] == '\n' {
				cutPoint = i + 1
				break
			}
		}
		t.buf = t.buf[cutPoint:]
	}
}

// Buffer returns a replay-ready copy of recent output, ANSI-reset prefixed.
func (t *TerminalBackend) Buffer() []byte {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	if len(t.buf) == 0 {
		return nil
	}
	out := make([]byte, 0, len(ansiReset)+len(t.buf))
	out = append(out, ansiReset...)
	out = append(out, t.buf...)
	return out
}

// Write sends input bytes to the shell (spec: `input` forwarded to the
// active session).
func (t *TerminalBackend) Write(p []byte) error {
	_, err := t.ptmx.Write(p)
	return err
}

// Resize changes the pty window size (spec: `resize` forwarded to
// terminal-kind session).
func (t *TerminalBackend) Resize(cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Interrupt sends SIGINT to the foreground process group; terminal-kind
// sessions interpret `interrupt` as a Ctrl-C rather than an agent signal.
func (t *TerminalBackend) Interrupt() error {
	if t.cmd.Process == nil {
		return nil
	}
	if t.usePgrp {
		return syscall.Kill(-t.cmd.Process.Pid, syscall.SIGINT)
	}
	return t.cmd.Process.Signal(syscall.SIGINT)
}

// Close terminates the shell and its process group.
func (t *TerminalBackend) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.ptmx != nil {
		_ = t.ptmx.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		if t.usePgrp {
			_ = syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
		} else {
			_ = t.cmd.Process.Kill()
		}
		_ = t.cmd.Wait()
	}
	t.markDead()
	return nil
}

// Done is closed when the shell process exits.
func (t *TerminalBackend) Done() <-chan struct{} { return t.closeCh }
