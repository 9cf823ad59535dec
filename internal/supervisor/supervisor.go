package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChildState is the per-instance lifecycle state (spec §4.1 state machine).
type ChildState string

const (
	StateStarting ChildState = "starting"
	StateReady    ChildState = "ready"
	StateDraining ChildState = "draining"
	StateGone     ChildState = "gone"
)

// DefaultMaxRestarts is the consecutive-crash ceiling before the
// supervisor emits max_restarts_exceeded and terminates (spec §4.1).
const DefaultMaxRestarts = 10

// DefaultBackoffSchedule is the ascending restart-delay sequence; once
// exhausted, further restarts reuse the final value.
var DefaultBackoffSchedule = []time.Duration{
	2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second,
}

// DrainDeadline bounds how long restart() waits for drain_complete before
// escalating to a hard kill (spec §4.1, §5).
const DrainDeadline = 30 * time.Second

// DeployWindow is how long after deployCompleted() a crash counts toward
// the rollback trigger (spec §4.1 Deploy-crash-loop detector).
const DeployWindow = 60 * time.Second

// CrashesBeforeRollback is how many deploy-window crashes trigger
// rollbackToKnownGood (spec §4.1, property 7).
const CrashesBeforeRollback = 3

// ServerInstance is the supervisor's record of one child process
// (spec §3 ServerInstance).
type ServerInstance struct {
	PID          int
	StartedAt    time.Time
	State        ChildState
	cmd          *exec.Cmd
	ipc          *IPCChannel
	ipcParentW   *os.File
	ipcParentR   *os.File
	ipcChildR    *os.File
	ipcChildW    *os.File
}

// ChildFactory builds an *exec.Cmd for a new child instance. The
// Supervisor wires ExtraFiles for the IPC pipe and sets env vars telling
// the child which fds to use; the factory supplies argv/stdout/stderr/
// workdir and may set Env, which is kept and extended with the fd vars.
type ChildFactory func() *exec.Cmd

// Events the Supervisor emits for observability / broker bridging.
const (
	EventTunnelLost            = "tunnel_lost"
	EventMaxRestartsExceeded   = "max_restarts_exceeded"
	EventChildReady            = "ready"
	EventChildCrashed          = "crashed"
)

// Supervisor owns tunnel and child lifecycle, the restart/backoff loop,
// and the deploy-crash-loop detector.
type Supervisor struct {
	ConfigDir   string
	MaxRestarts int
	Backoff     []time.Duration

	newChild ChildFactory

	mu                 sync.Mutex
	current            *ServerInstance
	consecutiveCrashes int
	deployCrashTimes   []time.Time
	shuttingDown       bool
	restarts           int

	standby *Standby

	onEvent  func(name string, payload map[string]any)
	rollback func(DeployMarker) error
}

// New constructs a Supervisor. newChild is called on every (re)spawn.
func New(configDir string, newChild ChildFactory, onEvent func(string, map[string]any)) *Supervisor {
	s := &Supervisor{
		ConfigDir:   configDir,
		MaxRestarts: DefaultMaxRestarts,
		Backoff:     DefaultBackoffSchedule,
		newChild:    newChild,
		standby:     NewStandby(),
		onEvent:     onEvent,
	}
	s.rollback = s.rollbackToKnownGood
	return s
}

func (s *Supervisor) emit(name string, payload map[string]any) {
	if s.onEvent != nil {
		s.onEvent(name, payload)
	}
}

// RestartCount returns the number of times a child has been (re)spawned
// since this supervisor process started (1 after the first spawn), for
// the child's own GET / metrics (spec §6).
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// backoffFor returns the delay for the Nth (0-indexed) consecutive crash.
func (s *Supervisor) backoffFor(n int) time.Duration {
	if n >= len(s.Backoff) {
		return s.Backoff[len(s.Backoff)-1]
	}
	return s.Backoff[n]
}

// spawnChild starts a new child process wired with an IPC pipe and
// transitions it to StateStarting.
func (s *Supervisor) spawnChild() (*ServerInstance, error) {
	parentR, childW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ipc pipe (child->parent): %w", err)
	}
	childR, parentW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ipc pipe (parent->child): %w", err)
	}

	cmd := s.newChild()
	cmd.ExtraFiles = append(cmd.ExtraFiles, childR, childW)
	baseEnv := cmd.Env
	if baseEnv == nil {
		baseEnv = os.Environ()
	}
	cmd.Env = append(baseEnv, "RELAY_IPC_READ_FD=3", "RELAY_IPC_WRITE_FD=4")

	if err := cmd.Start(); err != nil {
		parentR.Close()
		parentW.Close()
		childR.Close()
		childW.Close()
		return nil, fmt.Errorf("start child: %w", err)
	}

	// Parent doesn't need the child's ends once inherited.
	childR.Close()
	childW.Close()

	inst := &ServerInstance{
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		State:      StateStarting,
		cmd:        cmd,
		ipc:        NewIPCChannel(parentW, parentR),
		ipcParentW: parentW,
		ipcParentR: parentR,
	}
	return inst, nil
}

// Start starts the standby server, spawns the first child, and runs the
// restart loop until shutdown. Blocks. The PID-file lock is not taken
// here; the caller acquires it before calling Start.
func (s *Supervisor) Start() error {
	if err := s.standby.Start(""); err != nil {
		logrus.WithError(err).Warn("standby server failed to bind; continuing without it")
	}

	for {
		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		inst, err := s.spawnChild()
		if err != nil {
			return fmt.Errorf("spawn child: %w", err)
		}

		s.mu.Lock()
		s.current = inst
		s.restarts++
		s.mu.Unlock()

		s.runChildIPCLoop(inst)

		s.mu.Lock()
		crashed := inst.State != StateGone || !s.shuttingDown
		s.mu.Unlock()
		if s.isShuttingDown() {
			return nil
		}
		if crashed {
			if s.handleCrash() {
				return fmt.Errorf("max_restarts_exceeded")
			}
		}
	}
}

func (s *Supervisor) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// runChildIPCLoop reads IPC frames from the child until it exits or the
// pipe errors, updating state transitions as it goes.
func (s *Supervisor) runChildIPCLoop(inst *ServerInstance) {
	done := make(chan struct{})
	go func() {
		_ = inst.cmd.Wait()
		close(done)
	}()

	for {
		msg, err := inst.ipc.Recv()
		if err != nil {
			<-done
			s.mu.Lock()
			inst.State = StateGone
			s.mu.Unlock()
			s.standby.NoteRestart()
			return
		}
		switch msg.Type {
		case IPCReady:
			s.mu.Lock()
			inst.State = StateReady
			s.consecutiveCrashes = 0
			s.mu.Unlock()
			s.standby.Stop()
			s.emit(EventChildReady, map[string]any{"pid": inst.PID})
		case IPCDrainComplete:
			s.mu.Lock()
			inst.State = StateGone
			s.mu.Unlock()
			<-done
			return
		}
	}
}

// handleCrash updates the consecutive-crash counter and the
// deploy-window crash list, triggering rollback or terminal failure as
// appropriate. Returns true if the supervisor should terminate itself.
func (s *Supervisor) handleCrash() bool {
	s.mu.Lock()
	s.consecutiveCrashes++
	n := s.consecutiveCrashes
	s.mu.Unlock()

	s.emit(EventChildCrashed, map[string]any{"consecutive": n})
	s.noteDeployWindowCrash()

	if n >= s.MaxRestarts {
		s.emit(EventMaxRestartsExceeded, map[string]any{"consecutive": n})
		return true
	}

	delay := s.backoffFor(n - 1)
	time.Sleep(delay)
	return false
}

// Restart performs a graceful drain of the current child and spawns a
// replacement (spec §4.1 restart()).
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	inst := s.current
	s.mu.Unlock()
	if inst == nil {
		return nil
	}

	if err := inst.ipc.Send(IPCMessage{Type: IPCDrain}); err != nil {
		return fmt.Errorf("send drain: %w", err)
	}

	s.mu.Lock()
	inst.State = StateDraining
	s.mu.Unlock()

	deadline := time.NewTimer(DrainDeadline)
	defer deadline.Stop()

	done := make(chan struct{})
	go func() {
		for {
			s.mu.Lock()
			state := inst.State
			s.mu.Unlock()
			if state == StateGone {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-deadline.C:
		_ = inst.cmd.Process.Kill()
	}
	return nil
}

// Shutdown sends a shutdown notice to the current child, stops the
// standby server, and removes the PID file. It does not stop the tunnel
// (the caller's own Tunnel Manager does) and does not exit the process.
// Idempotent.
func (s *Supervisor) Shutdown(pidFile *PIDFile) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	inst := s.current
	s.mu.Unlock()

	if inst != nil {
		_ = inst.ipc.Send(IPCMessage{Type: IPCShutdown})
	}
	s.standby.Stop()
	if pidFile != nil {
		_ = pidFile.Release()
	}
}

// DeployCompleted records the current wall-clock as the last-deploy
// timestamp, arming the crash-loop detector (spec §4.1 deployCompleted()).
func (s *Supervisor) DeployCompleted() {
	marker := DeployMarker{LastDeployAt: time.Now(), KnownGoodRef: ReadKnownGoodRef(s.ConfigDir)}
	_ = marker.Save(DeployMarkerPath(s.ConfigDir))
	s.mu.Lock()
	s.deployCrashTimes = nil
	s.mu.Unlock()
}
