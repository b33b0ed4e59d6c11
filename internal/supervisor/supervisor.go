package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"alpha_supervisor/internal/clock"
	"alpha_supervisor/internal/lock"
	"alpha_supervisor/internal/metrics"
	"alpha_supervisor/internal/models"
	"alpha_supervisor/internal/telegram"
)

var (
	// ErrStartInProgress is returned when Start is called while another spawn
	// has not settled yet.
	ErrStartInProgress = errors.New("worker start already in progress")
	// ErrStopping is returned once Shutdown has begun.
	ErrStopping = errors.New("supervisor is shutting down")
)

// Worker status values reported in snapshots.
const (
	StatusIdle       = "idle"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusRestarting = "restarting"
	StatusCrashed    = "crashed"
	StatusCooldown   = "cooldown"
)

// Options are the supervisor's tunables. Zero durations are not defaulted;
// the caller passes the resolved configuration.
type Options struct {
	RestartExitCode    int
	EnvDenylist        []string
	HealthURL          string
	WorkerLockFile     string
	StopGrace          time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	StabilityThreshold time.Duration
	RapidCrashLimit    int
	RapidCrashWindow   time.Duration
	CrashCooldown      time.Duration
	RestartDelay       time.Duration
	StartGuardTimeout  time.Duration
	HealthGrace        time.Duration
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Wait blocks until exit. It returns the exit code, or a non-nil error
	// when the process ended without one (signal, I/O failure).
	Wait() (int, error)
	Signal(sig os.Signal) error
}

// Launcher spawns the worker with the given environment.
type Launcher interface {
	Launch(env []string) (Process, error)
}

// Cleaner clears everything that could stop a fresh worker from starting.
// It must be idempotent and must never fail its caller.
type Cleaner interface {
	Cleanup(trackedPID int)
}

// afterFunc schedules f after d and returns a stop function.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfter(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Supervisor owns the worker process lifecycle: spawn, exit classification,
// crash backoff, the rapid-crash circuit breaker and the health-check
// restart path.
type Supervisor struct {
	opts     Options
	launcher Launcher
	cleaner  Cleaner
	alerter  telegram.Alerter
	clock    clock.Clock
	after    afterFunc
	pidAlive func(int) bool
	http     *http.Client

	dryRun          atomic.Bool
	startInProgress atomic.Bool
	stopping        atomic.Bool

	mu               sync.Mutex
	proc             Process
	done             chan struct{}
	startedAt        time.Time
	status           string
	consecutive      int
	window           *CrashWindow
	restarts         int
	crashes          int
	lastElectroshock time.Time
	stopGuard        func() bool
	stopPending      func() bool
}

// New creates a Supervisor. It does not spawn anything until Start.
func New(opts Options, launcher Launcher, cleaner Cleaner, alerter telegram.Alerter, clk clock.Clock) *Supervisor {
	return &Supervisor{
		opts:     opts,
		launcher: launcher,
		cleaner:  cleaner,
		alerter:  alerter,
		clock:    clk,
		after:    realAfter,
		pidAlive: lock.PIDAlive,
		http:     &http.Client{Timeout: 5 * time.Second},
		status:   StatusIdle,
		window:   NewCrashWindow(opts.RapidCrashWindow),
	}
}

// SetDryRun disables the health task's automatic restart.
func (s *Supervisor) SetDryRun(v bool) { s.dryRun.Store(v) }

// Start cleans up and spawns a new worker. Concurrent calls are rejected
// with ErrStartInProgress. A spawn failure is classified as a crash.
func (s *Supervisor) Start() error {
	return s.start("initial")
}

func (s *Supervisor) start(reason string) error {
	if s.stopping.Load() {
		return ErrStopping
	}
	if !s.startInProgress.CompareAndSwap(false, true) {
		return ErrStartInProgress
	}

	// Detach the previous child so its exit is not classified again.
	s.mu.Lock()
	tracked := 0
	if s.proc != nil {
		tracked = s.proc.Pid()
		s.proc = nil
	}
	if s.stopPending != nil {
		s.stopPending()
		s.stopPending = nil
	}
	s.mu.Unlock()

	s.cleaner.Cleanup(tracked)

	env := BuildEnv(os.Environ(), s.opts.EnvDenylist, os.Getpid())
	proc, err := s.launcher.Launch(env)
	if err != nil {
		s.startInProgress.Store(false)
		log.Printf("ERROR: worker spawn failed: %v", err)
		s.onCrash(0, fmt.Sprintf("spawn error: %v", err))
		return fmt.Errorf("spawn worker: %w", err)
	}

	done := make(chan struct{})
	now := s.clock.Now()

	s.mu.Lock()
	s.proc = proc
	s.done = done
	s.startedAt = now
	s.status = StatusRunning
	if reason != "initial" {
		s.restarts++
	}
	if s.stopGuard != nil {
		s.stopGuard()
	}
	s.stopGuard = s.after(s.opts.StartGuardTimeout, func() {
		s.startInProgress.Store(false)
	})
	s.mu.Unlock()

	metrics.WorkerUp.Set(1)
	metrics.WorkerRestarts.WithLabelValues(reason).Inc()
	log.Printf("🚀 Worker started (pid %d, reason %s)", proc.Pid(), reason)

	go func() {
		code, err := proc.Wait()
		close(done)
		s.handleExit(proc, code, err)
	}()
	return nil
}

// handleExit classifies a worker exit and schedules what comes next.
func (s *Supervisor) handleExit(proc Process, code int, waitErr error) {
	s.mu.Lock()
	if s.proc != proc {
		// Replaced by a newer spawn; nothing to classify.
		s.mu.Unlock()
		return
	}
	uptime := s.clock.Now().Sub(s.startedAt)
	s.proc = nil
	if s.stopGuard != nil {
		s.stopGuard()
		s.stopGuard = nil
	}
	s.startInProgress.Store(false)
	metrics.WorkerUp.Set(0)

	if s.stopping.Load() {
		s.status = StatusStopped
		s.mu.Unlock()
		log.Printf("Worker exited during shutdown (code %d)", code)
		return
	}

	switch {
	case waitErr == nil && code == 0:
		s.status = StatusStopped
		s.consecutive = 0
		s.window.Reset()
		s.mu.Unlock()
		log.Printf("🛑 Worker exited cleanly after %s, not restarting", uptime.Round(time.Second))
		s.alerter.Alert(telegram.Format("🛑", "Worker stopped", "Clean exit (code 0). Supervisor stays up."))

	case waitErr == nil && code == s.opts.RestartExitCode:
		s.status = StatusRestarting
		s.consecutive = 0
		s.window.Reset()
		s.stopPending = s.after(s.opts.RestartDelay, func() { s.retry("requested") })
		s.mu.Unlock()
		log.Printf("🔄 Worker requested restart (code %d), respawning in %s", code, s.opts.RestartDelay)

	default:
		s.mu.Unlock()
		reason := fmt.Sprintf("exit code %d", code)
		if waitErr != nil {
			reason = waitErr.Error()
		}
		s.onCrash(uptime, reason)
	}
}

// onCrash records a crash and schedules either a backoff restart or a
// cooldown when the rapid-crash threshold is reached.
func (s *Supervisor) onCrash(uptime time.Duration, reason string) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		return
	}
	s.crashes++
	if uptime > s.opts.StabilityThreshold {
		s.consecutive = 1
	} else {
		s.consecutive++
	}
	inWindow := s.window.Add(now)
	metrics.WorkerCrashes.Inc()

	if inWindow >= s.opts.RapidCrashLimit {
		s.window.Reset()
		s.consecutive = 0
		s.status = StatusCooldown
		s.stopPending = s.after(s.opts.CrashCooldown, func() { s.retry("cooldown") })
		s.mu.Unlock()

		metrics.Cooldowns.Inc()
		log.Printf("🧊 Worker crashed %d times within %s (%s). Cooling down for %s",
			inWindow, s.opts.RapidCrashWindow, reason, s.opts.CrashCooldown)
		s.alerter.Alert(telegram.Format("🧊", "Worker crash loop",
			fmt.Sprintf("%d crashes in %s, last: %s\nNext attempt in %s.",
				inWindow, s.opts.RapidCrashWindow, telegram.Escape(reason), s.opts.CrashCooldown)))
		return
	}

	delay := Backoff(s.consecutive, s.opts.BackoffBase, s.opts.BackoffCap)
	n := s.consecutive
	s.status = StatusCrashed
	s.stopPending = s.after(delay, func() { s.retry("crash") })
	s.mu.Unlock()

	log.Printf("💥 Worker crashed (%s, uptime %s). Restart #%d in %s", reason, uptime.Round(time.Second), n, delay)
}

func (s *Supervisor) retry(reason string) {
	s.mu.Lock()
	s.stopPending = nil
	s.mu.Unlock()
	if err := s.start(reason); err != nil && !errors.Is(err, ErrStopping) {
		log.Printf("Warning: scheduled worker restart (%s) not performed: %v", reason, err)
	}
}

// Backoff returns min(base * 2^(n-1), cap) for the n-th consecutive crash.
func Backoff(n int, base, cap time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// PID returns the tracked worker PID, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Snapshot returns the externally visible worker state.
func (s *Supervisor) Snapshot() models.WorkerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := models.WorkerSnapshot{
		Status:   s.status,
		Restarts: s.restarts,
		Crashes:  s.crashes,
	}
	if s.proc != nil {
		snap.PID = s.proc.Pid()
		snap.StartedAt = s.startedAt
		snap.UptimeSec = int64(s.clock.Now().Sub(s.startedAt).Seconds())
	}
	return snap
}

// Shutdown stops scheduling restarts and terminates the worker: SIGTERM,
// then SIGKILL once the grace period or ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopping.Store(true)

	s.mu.Lock()
	if s.stopPending != nil {
		s.stopPending()
		s.stopPending = nil
	}
	proc, done := s.proc, s.done
	s.mu.Unlock()

	if proc == nil {
		return
	}

	log.Printf("Stopping worker (pid %d)...", proc.Pid())
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Printf("Warning: SIGTERM to worker failed: %v", err)
	}

	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Printf("Worker ignored SIGTERM, sending SIGKILL")
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		log.Printf("Warning: SIGKILL to worker failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// BuildEnv returns base minus the deny-listed keys, plus the markers that tell
// the worker it runs under this supervisor.
func BuildEnv(base, deny []string, supervisorPID int) []string {
	denied := make(map[string]bool, len(deny)+2)
	for _, k := range deny {
		denied[k] = true
	}
	denied["SUPERVISED"] = true
	denied["SUPERVISOR_PID"] = true

	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if denied[key] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "SUPERVISED=1", "SUPERVISOR_PID="+strconv.Itoa(supervisorPID))
}
