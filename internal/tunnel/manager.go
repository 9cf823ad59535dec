// Package tunnel owns a single child process that publishes
// http://localhost:<port> at a stable external URL, and transparently
// recovers when that child dies (spec §4.2 Tunnel Manager).
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects how the external URL is obtained.
type Mode string

const (
	// ModeQuick harvests the URL from the child's stderr; it changes on
	// every restart.
	ModeQuick Mode = "quick"
	// ModeNamed uses a pre-configured stable hostname.
	ModeNamed Mode = "named"
)

// recoverySchedule is the fixed backoff before each of the 3 recovery
// attempts (spec §4.2 Events, tunnel_failed).
var recoverySchedule = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// urlPattern matches the published-tunnel URL form scanned out of quick-
// mode stderr (e.g. cloudflared's trycloudflare.com URLs).
var urlPattern = regexp.MustCompile(`https://[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}(?:/[^\s]*)?`)

// TunnelStartError is returned when the child exits before publishing a
// URL.
type TunnelStartError struct{ Cause error }

func (e *TunnelStartError) Error() string { return fmt.Sprintf("tunnel failed to start: %v", e.Cause) }

// ConfigError signals a configuration problem (e.g. named mode without a
// hostname).
type ConfigError struct{ Message string }

func (e *ConfigError) Error() string { return e.Message }

// URLs is the pair returned once the tunnel is observed up.
type URLs struct {
	HTTPUrl string
	WSUrl   string
}

// Config describes how to launch and interpret the tunnel binary.
type Config struct {
	Mode     Mode
	Binary   string
	Args     []string
	Hostname string // required in ModeNamed
	Port     int    // local port being published
}

// EventHandler receives tunnel lifecycle events (spec §4.2 Events).
type EventHandler func(name string, payload map[string]any)

// Manager owns the tunnel child process and its auto-recovery loop.
type Manager struct {
	cfg     Config
	onEvent EventHandler

	mu                  sync.Mutex
	intentionalShutdown bool

	// handle is an atomically swappable pointer to the current running
	// process wrapper, so readers never observe a half-updated state
	// during a respawn (grounded on the reconnecting-session idiom: swap
	// the whole handle rather than mutate fields in place).
	handle atomic.Pointer[runningTunnel]
}

type runningTunnel struct {
	cmd *exec.Cmd
	url URLs
}

// New constructs a Manager for cfg.
func New(cfg Config, onEvent EventHandler) *Manager {
	return &Manager{cfg: cfg, onEvent: onEvent}
}

func (m *Manager) emit(name string, payload map[string]any) {
	if m.onEvent != nil {
		m.onEvent(name, payload)
	}
}

// Start launches the tunnel child and blocks until its URL is observed.
func (m *Manager) Start(ctx context.Context) (URLs, error) {
	if m.cfg.Mode == ModeNamed && m.cfg.Hostname == "" {
		return URLs{}, &ConfigError{Message: "named tunnel mode requires a hostname"}
	}

	urls, cmd, err := m.launch(ctx)
	if err != nil {
		return URLs{}, err
	}

	m.handle.Store(&runningTunnel{cmd: cmd, url: urls})
	go m.watch(ctx, cmd, urls, 0)

	return urls, nil
}

// launch starts the child once and waits (via stderr scanning in quick
// mode, or a "registered tunnel connection" line in named mode) for it to
// publish its URL, or returns TunnelStartError if it exits first.
func (m *Manager) launch(ctx context.Context) (URLs, *exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, m.cfg.Binary, m.cfg.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return URLs{}, nil, fmt.Errorf("tunnel stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return URLs{}, nil, &TunnelStartError{Cause: err}
	}

	type result struct {
		urls URLs
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(stderr)
		registered := m.cfg.Mode == ModeQuick // quick mode has no separate "registered" gate
		for scanner.Scan() {
			line := scanner.Text()
			if m.cfg.Mode == ModeNamed && !registered {
				if regexp.MustCompile(`registered tunnel connection`).MatchString(line) {
					registered = true
				} else {
					continue
				}
			}
			if m.cfg.Mode == ModeQuick {
				if match := urlPattern.FindString(line); match != "" {
					resultCh <- result{urls: URLs{HTTPUrl: match, WSUrl: toWSUrl(match)}}
					return
				}
			} else if registered {
				resultCh <- result{urls: URLs{
					HTTPUrl: "https://" + m.cfg.Hostname,
					WSUrl:   "wss://" + m.cfg.Hostname,
				}}
				return
			}
		}
		resultCh <- result{err: fmt.Errorf("tunnel process ended before publishing a url")}
	}()

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return URLs{}, nil, &TunnelStartError{Cause: r.err}
		}
		return r.urls, cmd, nil
	case err := <-exitCh:
		return URLs{}, nil, &TunnelStartError{Cause: err}
	}
}

func toWSUrl(httpURL string) string {
	if len(httpURL) > 5 && httpURL[:5] == "https" {
		return "wss" + httpURL[5:]
	}
	return "ws" + httpURL[4:]
}

// watch waits for the child to exit and, unless stop() was called, runs
// the recovery schedule.
func (m *Manager) watch(ctx context.Context, cmd *exec.Cmd, priorURLs URLs, attempt int) {
	err := cmd.Wait()

	m.mu.Lock()
	intentional := m.intentionalShutdown
	m.mu.Unlock()
	if intentional {
		return
	}

	code, signal := exitDetails(err)
	m.emit("tunnel_lost", map[string]any{"code": code, "signal": signal})

	m.recover(ctx, priorURLs, attempt)
}

func (m *Manager) recover(ctx context.Context, priorURLs URLs, attempt int) {
	if attempt >= len(recoverySchedule) {
		m.emit("tunnel_failed", map[string]any{"message": "recovery schedule exhausted", "lastExitCode": -1})
		return
	}

	delay := recoverySchedule[attempt]
	m.emit("tunnel_recovering", map[string]any{"attempt": attempt + 1, "delayMs": delay.Milliseconds()})

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	urls, cmd, err := m.launch(ctx)
	if err != nil {
		m.recover(ctx, priorURLs, attempt+1)
		return
	}

	m.handle.Store(&runningTunnel{cmd: cmd, url: urls})
	m.emit("tunnel_recovered", map[string]any{"attempt": attempt + 1, "httpUrl": urls.HTTPUrl, "wsUrl": urls.WSUrl})
	if urls.HTTPUrl != priorURLs.HTTPUrl {
		m.emit("tunnel_url_changed", map[string]any{"oldUrl": priorURLs.HTTPUrl, "newUrl": urls.HTTPUrl})
	}

	go m.watch(ctx, cmd, urls, 0)
}

// Stop sets intentionalShutdown and kills the child, preventing any
// recovery attempt.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.intentionalShutdown = true
	m.mu.Unlock()

	if h := m.handle.Load(); h != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// CurrentURLs returns the last known-good tunnel URLs, if any.
func (m *Manager) CurrentURLs() (URLs, bool) {
	h := m.handle.Load()
	if h == nil {
		return URLs{}, false
	}
	return h.url, true
}

func exitDetails(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), exitErr.String()
	}
	return -1, ""
}
