package supervisor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"alpha_supervisor/internal/lock"
	"alpha_supervisor/internal/models"
)

// HealthTask is the health.bot handler. It checks PID liveness and the HTTP
// health endpoint, and restarts a dead worker unless a restart is already
// underway, one happened within the grace period, or dry-run is on.
func (s *Supervisor) HealthTask(ctx context.Context) models.TaskResult {
	pid := s.PID()
	source := "tracked"
	if pid == 0 {
		if info, err := lock.Read(s.opts.WorkerLockFile); err == nil {
			pid, source = info.PID, "lock file"
		}
	}
	alive := pid > 0 && s.pidAlive(pid)
	httpUp, httpDetail := s.probe(ctx)

	if alive {
		if httpUp {
			return models.TaskResult{OK: true, Summary: fmt.Sprintf("worker up (pid %d, HTTP %s)", pid, httpDetail)}
		}
		return models.TaskResult{OK: true, Summary: fmt.Sprintf("degraded: pid %d alive (%s), HTTP %s", pid, source, httpDetail)}
	}

	if s.dryRun.Load() {
		return models.TaskResult{OK: false, Summary: fmt.Sprintf("worker down (HTTP %s), dry run: no restart", httpDetail)}
	}

	now := s.clock.Now()
	s.mu.Lock()
	pending := s.stopPending != nil
	sinceShock := now.Sub(s.lastElectroshock)
	recent := !s.lastElectroshock.IsZero() && sinceShock < s.opts.HealthGrace
	if !recent && !pending && !s.startInProgress.Load() {
		s.lastElectroshock = now
	}
	s.mu.Unlock()

	switch {
	case s.startInProgress.Load():
		return models.TaskResult{OK: false, Summary: "worker down, start in progress"}
	case pending:
		return models.TaskResult{OK: false, Summary: "worker down, restart already scheduled"}
	case recent:
		return models.TaskResult{OK: false, Summary: fmt.Sprintf("worker down, within %s grace of last restart", s.opts.HealthGrace)}
	}

	log.Printf("⚡ Electroshock: worker dead (pid %d, HTTP %s), restarting", pid, httpDetail)
	err := s.start("electroshock")
	res := models.TaskResult{
		OK:      false,
		Summary: "worker down, electroshock restart triggered",
		Alert:   fmt.Sprintf("⚡ *Electroshock*\nWorker was down (HTTP %s). Cleanup and restart triggered.", httpDetail),
	}
	if err != nil {
		res.Summary = fmt.Sprintf("worker down, electroshock restart failed: %v", err)
	}
	return res
}

// probe GETs the health URL. 2xx and 304 count as up.
func (s *Supervisor) probe(ctx context.Context) (bool, string) {
	if s.opts.HealthURL == "" {
		return false, "unconfigured"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.HealthURL, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false, "unreachable"
	}
	resp.Body.Close()

	up := (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotModified
	return up, resp.Status
}
