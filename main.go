// Command relay is a single binary that plays one of three roles
// depending on how it is invoked: the supervisor (default) owns the
// tunnel, the PID lock, and the restart/rollback loop; the child
// (re-exec'd by the supervisor with the internal -child flag, spec §4.1)
// runs the actual session manager, broker, and HTTP/WS surface; and the
// validate role (re-exec'd by a rollback side-port check, spec §4.1
// rollbackToKnownGood) answers bare /health checks without touching the
// PID lock, IPC handshake, or tunnel, so it can run alongside a live
// supervisor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devpocket/relay/internal/api"
	"github.com/devpocket/relay/internal/broker"
	"github.com/devpocket/relay/internal/config"
	"github.com/devpocket/relay/internal/protocol"
	"github.com/devpocket/relay/internal/session"
	"github.com/devpocket/relay/internal/supervisor"
	"github.com/devpocket/relay/internal/tunnel"
)

// childFlag is the internal re-exec marker the supervisor passes to its
// own binary when spawning a child server instance. It is scanned for by
// hand rather than through the flag package so the rest of argv can be
// handed untouched to config.Load — supervisor and child accept the same
// flag surface otherwise, and config owns its own private FlagSet.
const childFlag = "-child"

// validateFlag marks a rollback side-port validation re-exec (see
// internal/supervisor/rollback.go's validateCandidateOnSidePort).
const validateFlag = "-validate"

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".relay")
}

func main() {
	args := os.Args[1:]
	isChild := false
	isValidate := false
	filtered := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case childFlag, "--child":
			isChild = true
		case validateFlag, "--validate":
			isValidate = true
		default:
			filtered = append(filtered, a)
		}
	}

	cfg, err := config.Load(filtered)
	if err != nil {
		logrus.WithError(err).Fatal("configuration error")
	}

	if isValidate {
		runValidate(cfg)
		return
	}

	dir := configDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logrus.WithError(err).Fatal("create config directory")
	}

	if isChild {
		runChild(dir, cfg)
		return
	}
	runSupervisor(dir, cfg, filtered)
}

// runValidate answers bare /health checks on cfg.Port and blocks until
// killed. It does not touch the PID file, IPC channel, tunnel, or session
// machinery, so a rollback candidate can be validated side-port while the
// real supervisor and child keep running undisturbed.
func runValidate(cfg config.Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"uptimeSeconds":0}`)
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("validation server failed")
	}
}

// runSupervisor owns the tunnel, the PID lock, and the child
// restart/rollback loop (spec §4.1).
func runSupervisor(dir string, cfg config.Config, childArgs []string) {
	pidFile := supervisor.NewPIDFile(filepath.Join(dir, "supervisor.pid"))
	if err := pidFile.Acquire(); err != nil {
		logrus.WithError(err).Fatal("acquire pid file")
	}
	defer pidFile.Release()

	exe, err := os.Executable()
	if err != nil {
		logrus.WithError(err).Fatal("resolve own executable path")
	}

	// sup is declared before the closure that reads its restart count,
	// since newChild only runs on later (re)spawns, long after New has
	// assigned sup — the same two-phase capture used for the session
	// spawner in runChild.
	var sup *supervisor.Supervisor
	newChild := func() *exec.Cmd {
		cmd := exec.Command(exe, append([]string{childFlag}, childArgs...)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		restartCount := 0
		if sup != nil {
			restartCount = sup.RestartCount()
		}
		cmd.Env = append(os.Environ(), fmt.Sprintf("RELAY_RESTART_COUNT=%d", restartCount))
		return cmd
	}

	onEvent := func(name string, payload map[string]any) {
		logrus.WithFields(logrus.Fields(payload)).WithField("component", "supervisor").Info(name)
	}

	sup = supervisor.New(dir, newChild, onEvent)

	tm := tunnel.New(tunnel.Config{
		Mode:     tunnel.Mode(cfg.TunnelMode),
		Binary:   cfg.TunnelBinary,
		Args:     tunnelArgsFor(cfg),
		Hostname: cfg.TunnelHostname,
		Port:     cfg.Port,
	}, func(name string, payload map[string]any) {
		logrus.WithFields(logrus.Fields(payload)).WithField("component", "tunnel").Info(name)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	urls, err := tm.Start(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("tunnel failed to start")
	}
	logrus.WithField("httpUrl", urls.HTTPUrl).Info("tunnel up")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		logrus.WithField("signal", sig).Info("shutdown signal received")
		tm.Stop()
		sup.Shutdown(pidFile)
		cancel()
	}()

	if err := sup.Start(); err != nil {
		logrus.WithError(err).Error("supervisor exited")
		os.Exit(1)
	}
}

func tunnelArgsFor(cfg config.Config) []string {
	target := fmt.Sprintf("http://localhost:%d", cfg.Port)
	switch tunnel.Mode(cfg.TunnelMode) {
	case tunnel.ModeNamed:
		return []string{"tunnel", "run", cfg.TunnelName}
	default:
		return []string{"tunnel", "--url", target}
	}
}

// runChild is the actual WS/HTTP server: session manager, broker, and the
// gin HTTP surface, wired to the supervisor over the inherited IPC pipe
// (spec §4.1 ServerInstance, §4.4 WS Broker).
func runChild(dir string, cfg config.Config) {
	ipc, err := childIPCChannel()
	if err != nil {
		logrus.WithError(err).Fatal("wire ipc channel")
	}

	// hookMgr centralizes every read-modify-write of the host settings
	// file behind one process-wide lock (spec §5 withSettingsLock); every
	// interactive-agent spawn registers through this single instance
	// rather than writing the file itself.
	hookMgr := session.NewSettingsHookManager(filepath.Join(dir, "settings.json"))
	permissionHookCommand := fmt.Sprintf(
		"curl -s -X POST -H 'Authorization: %s' -H 'Content-Type: application/json' http://127.0.0.1:%d/permission -d @-",
		cfg.APIToken, cfg.Port,
	)

	// mgr is declared before the spawner closure that captures it, since
	// the closure only runs once attachSession is called — long after
	// NewManager has returned and assigned it.
	var mgr *session.Manager
	spawner := func(id, source, cwd string, kind session.Kind) (session.Backend, error) {
		switch kind {
		case session.KindTerminal:
			return session.NewTerminalBackend(cfg.Shell, cwd, nil, 80, 24, func(name string, payload any) {
				mgr.Emit(id, name, payload)
			})
		case session.KindInteractiveAgent:
			if err := hookMgr.Register(permissionHookCommand); err != nil {
				logrus.WithError(err).Warn("failed to register permission hook, agent will run without permission bridging")
			}
			cmd := session.AgentCommand(cfg.AgentBinary, cwd, cfg.Model, cfg.PermissionMode, "")
			return session.NewAgentBackend(cmd, func(name string, payload any) {
				mgr.Emit(id, name, payload)
			})
		default:
			return nil, fmt.Errorf("unknown session kind %q", kind)
		}
	}
	mgr = session.NewManager(session.DefaultMaxSessions, spawner)

	statePath := filepath.Join(dir, "session-state.json")
	for _, p := range session.RestoreState(statePath) {
		if _, err := mgr.AttachSession(p.Name, p.Name, p.Cwd, "", session.KindInteractiveAgent); err != nil {
			logrus.WithError(err).WithField("session", p.Name).Warn("failed to restore session")
		}
	}

	b := broker.New(broker.Config{
		AuthRequired:  cfg.AuthRequired,
		Token:         cfg.APIToken,
		ServerMode:    protocol.ServerModeCLI,
		ServerVersion: "1.0.0",
		Cwd:           cfg.Cwd,
	}, mgr)
	go b.Run()

	if cfg.ExternalSource != "" {
		discovery := session.NewDiscovery(session.TmuxProbe(cfg.AgentBinary), 5*time.Second, func(c session.Candidate) {
			logrus.WithField("candidate", c).Info("discovered external session candidate")
		})
		discovery.Start(statePath)
		defer discovery.Stop()
	}

	restartCount := 0
	if n, err := strconv.Atoi(os.Getenv("RELAY_RESTART_COUNT")); err == nil {
		restartCount = n
	}
	router := api.SetupRouter(b, cfg.AuthRequired, restartCount)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: router}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("http server stopped")
		}
	}()

	if err := ipc.Send(supervisor.IPCMessage{Type: supervisor.IPCReady}); err != nil {
		logrus.WithError(err).Warn("failed to signal ready over ipc")
	}
	logrus.WithField("port", cfg.Port).Info("child server ready")

	for {
		msg, err := ipc.Recv()
		if err != nil {
			logrus.WithError(err).Warn("ipc channel closed, exiting")
			os.Exit(0)
		}
		switch msg.Type {
		case supervisor.IPCDrain:
			drain(statePath, mgr, b, srv, ipc)
			return
		case supervisor.IPCShutdown:
			shutdownNow(statePath, mgr, b, srv)
			return
		}
	}
}

// drain lets in-flight work finish, persists session state, and tells the
// supervisor it's safe to promote the new child (spec §4.1 drain protocol).
func drain(statePath string, mgr *session.Manager, b *broker.Broker, srv *http.Server, ipc *supervisor.IPCChannel) {
	// Let busy sessions reach idle before tearing anything down, bounded
	// well inside the supervisor's DrainDeadline.
	idleDeadline := time.Now().Add(20 * time.Second)
	for !mgr.AllIdle() && time.Now().Before(idleDeadline) {
		time.Sleep(200 * time.Millisecond)
	}
	b.Shutdown()
	if err := mgr.SerializeState(statePath); err != nil {
		logrus.WithError(err).Warn("failed to persist session state before drain")
	}
	mgr.DestroyAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	if err := ipc.Send(supervisor.IPCMessage{Type: supervisor.IPCDrainComplete}); err != nil {
		logrus.WithError(err).Warn("failed to acknowledge drain over ipc")
	}
}

func shutdownNow(statePath string, mgr *session.Manager, b *broker.Broker, srv *http.Server) {
	b.Shutdown()
	if err := mgr.SerializeState(statePath); err != nil {
		logrus.WithError(err).Warn("failed to persist session state before shutdown")
	}
	mgr.DestroyAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// childIPCChannel wraps the pipe fds the supervisor inherited into this
// process via ExtraFiles, identified by the env vars it set alongside
// them (spec §4.1 parent<->child IPC protocol): fd3 reads parent->child,
// fd4 writes child->parent.
func childIPCChannel() (*supervisor.IPCChannel, error) {
	readFD := os.NewFile(3, "relay-ipc-read")
	writeFD := os.NewFile(4, "relay-ipc-write")
	if readFD == nil || writeFD == nil {
		return nil, fmt.Errorf("missing inherited ipc file descriptors")
	}
	return supervisor.NewIPCChannel(writeFD, readFD), nil
}
