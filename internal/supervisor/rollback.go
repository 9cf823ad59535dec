package supervisor

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ValidationPort is where a rollback candidate is started for a
// side-port health check before being committed to (spec §9 open
// question grounding, adapted from the teacher's upgrade validation).
const ValidationPort = 17999

// noteDeployWindowCrash records a crash timestamp and, once
// CrashesBeforeRollback crashes have landed within DeployWindow of the
// last deploy marker, triggers rollbackToKnownGood exactly once (spec
// §4.1 Deploy-crash-loop detector, property 7, scenario S3).
func (s *Supervisor) noteDeployWindowCrash() {
	marker := LoadDeployMarker(DeployMarkerPath(s.ConfigDir))
	if marker.LastDeployAt.IsZero() || time.Since(marker.LastDeployAt) > DeployWindow {
		return
	}

	s.mu.Lock()
	s.deployCrashTimes = append(s.deployCrashTimes, time.Now())
	count := len(s.deployCrashTimes)
	s.mu.Unlock()

	if count < CrashesBeforeRollback {
		return
	}

	logger := logrus.WithField("component", "rollback")
	if err := s.rollback(marker); err != nil {
		logger.WithError(err).Warn("rollback failed, falling through to normal backoff")
		return
	}

	logger.Info("rollback succeeded, resetting deploy counters")
	s.mu.Lock()
	s.deployCrashTimes = nil
	s.mu.Unlock()
	// Disarm the deploy window (keep the known-good ref) so later crashes
	// go through normal backoff rather than another rollback.
	_ = DeployMarker{KnownGoodRef: marker.KnownGoodRef}.Save(DeployMarkerPath(s.ConfigDir))
}

// rollbackToKnownGood validates the known-good revision on a side port
// before committing to it, mirroring the teacher's
// validateNewBinary -> waitForHealthy -> verifyProcessRecovery pipeline.
func (s *Supervisor) rollbackToKnownGood(marker DeployMarker) error {
	if marker.KnownGoodRef == "" {
		return fmt.Errorf("no known-good revision recorded")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve current executable: %w", err)
	}

	if err := validateCandidateOnSidePort(exe, marker.KnownGoodRef); err != nil {
		return fmt.Errorf("candidate failed side-port validation: %w", err)
	}

	if err := WriteKnownGoodRef(s.ConfigDir, marker.KnownGoodRef); err != nil {
		return fmt.Errorf("persist known-good ref: %w", err)
	}

	return nil
}

// validateCandidateOnSidePort starts the candidate binary in its
// lightweight -validate role (a bare /health server, bypassing the PID
// lock, IPC handshake, and tunnel entirely so it can run alongside the
// still-live supervisor) against ValidationPort, waits for it to answer
// /health, then kills it. `ref` is not resolved to a distinct
// binary/checkout: the current executable is re-validated, with ref
// passed only as RELAY_ROLLBACK_REF in its environment.
func validateCandidateOnSidePort(exe, ref string) error {
	cmd := exec.Command(exe, "-validate", "-port", strconv.Itoa(ValidationPort), "-token", "rollback-validation")
	cmd.Env = append(os.Environ(), "RELAY_ROLLBACK_REF="+ref)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start candidate: %w", err)
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}()

	return waitForHealthy(fmt.Sprintf("http://127.0.0.1:%d", ValidationPort), 15*time.Second)
}

func waitForHealthy(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		} else {
			lastErr = err
		}
		time.Sleep(300 * time.Millisecond)
	}
	if lastErr != nil {
		return fmt.Errorf("health check timed out: %w", lastErr)
	}
	return fmt.Errorf("health check timed out after %v", timeout)
}
