package session

import (
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDiscoveryInterval is how often the host is probed for candidate
// external sources (spec §4.3 Auto-discovery).
const DefaultDiscoveryInterval = 45 * time.Second

// Candidate is a terminal-multiplexer session discovered on the host that
// appears to be running the agent binary, but is not yet attached.
type Candidate struct {
	Source string // multiplexer session name
	Label  string // human-readable hint (e.g. the running command)
}

// ProbeFunc lists current candidates; swappable for tests.
type ProbeFunc func() ([]Candidate, error)

// TmuxProbe lists tmux sessions whose running command mentions agentBinary.
// Tmux itself is an external tool; absence of the binary (not installed)
// is treated as "no candidates", not an error.
func TmuxProbe(agentBinary string) ProbeFunc {
	return func() ([]Candidate, error) {
		out, err := exec.Command("tmux", "list-panes", "-a", "-F", "#{session_name}\t#{pane_current_command}").Output()
		if err != nil {
			return nil, nil
		}
		var candidates []Candidate
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, "\t", 2)
			if len(parts) != 2 {
				continue
			}
			if strings.Contains(parts[1], agentBinary) {
				candidates = append(candidates, Candidate{Source: parts[0], Label: parts[1]})
			}
		}
		return candidates, nil
	}
}

// Discovery periodically probes the host for candidate external sources
// and also watches the session-state file for external invalidation (e.g.
// a higher layer rewriting it out-of-process), re-triggering a probe.
type Discovery struct {
	probe    ProbeFunc
	interval time.Duration
	notify   func(Candidate)

	mu       sync.Mutex
	seen     map[string]struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDiscovery constructs a Discovery that calls notify for each newly
// seen candidate. interval <= 0 uses DefaultDiscoveryInterval.
func NewDiscovery(probe ProbeFunc, interval time.Duration, notify func(Candidate)) *Discovery {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	return &Discovery{
		probe:    probe,
		interval: interval,
		notify:   notify,
		seen:     make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the periodic probe loop and, if stateFilePath is non-empty, a
// supplementary fsnotify watch that forces an immediate re-probe whenever
// the session state file changes underneath the process.
func (d *Discovery) Start(stateFilePath string) {
	go d.loop()
	if stateFilePath != "" {
		go d.watchStateFile(stateFilePath)
	}
}

func (d *Discovery) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Discovery) loop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.tick()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Discovery) tick() {
	candidates, err := d.probe()
	if err != nil {
		logrus.WithError(err).Debug("discovery probe failed")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range candidates {
		if _, ok := d.seen[c.Source]; ok {
			continue
		}
		d.seen[c.Source] = struct{}{}
		if d.notify != nil {
			d.notify(c)
		}
	}
}

// watchStateFile uses fsnotify to catch an out-of-process rewrite of the
// session-state file and forces an immediate re-probe; this is purely
// supplementary to the ticker, never a replacement for it (the file may
// not exist at all between restarts).
func (d *Discovery) watchStateFile(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.WithError(err).Debug("discovery fsnotify unavailable")
		return
	}
	defer watcher.Close()

	dir := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		dir = path[:idx]
	}
	if err := watcher.Add(dir); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == path && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				d.tick()
			}
		case <-watcher.Errors:
		case <-d.stopCh:
			return
		}
	}
}
