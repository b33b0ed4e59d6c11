package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized option. Values come from the process
// environment (optionally seeded from a .env file) plus the schedule file.
type Config struct {
	Version string

	Timezone string
	Location *time.Location

	// Worker process
	WorkerCommand      string
	WorkerArgs         []string
	WorkerDir          string
	WorkerLockFile     string
	WorkerEnvDenylist  []string
	HealthURL          string
	ReservedPorts      []int
	RestartExitCode    int
	RivalMarker        string
	WorkerStopGrace    time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	StabilityThreshold time.Duration
	RapidCrashLimit    int
	RapidCrashWindow   time.Duration
	CrashCooldown      time.Duration
	RestartDelay       time.Duration
	StartGuardTimeout  time.Duration
	HealthGrace        time.Duration

	// Scheduler
	TickPeriod          time.Duration
	TaskTimeout         time.Duration
	BriefingTimeout     time.Duration
	HealthIntervalMins  int
	BracketIntervalMins int
	ScheduleFile        string
	Schedule            Schedule

	// Files
	StateDir    string
	LogDir      string
	MaxLogBytes int64

	MetricsAddr string

	// Integrations
	TelegramToken  string
	TelegramChatID string
	BrokerEnabled  bool
}

// requiredSecretVars are never printed in full.
var requiredSecretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"TELEGRAM_BOT_TOKEN":  true,
	"TELEGRAM_CHAT_ID":    true,
}

// Load initializes the configuration.
// It tries to read a .env file and then resolves every option from the
// environment, falling back to defaults. Only an unknown timezone or a
// broken schedule file is an error.
func Load() (*Config, error) {
	// Load .env variables into the process environment
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	} else {
		printEnvFile()
	}

	cfg := &Config{
		Timezone: getEnv("SUPERVISOR_TZ", "America/New_York"),

		WorkerCommand:      getEnv("WORKER_COMMAND", "node"),
		WorkerArgs:         getEnvAsList("WORKER_ARGS", []string{"dist/index.js"}),
		WorkerDir:          getEnv("WORKER_DIR", "."),
		WorkerEnvDenylist:  getEnvAsList("WORKER_ENV_DENYLIST", []string{"AGENT_SESSION_ID", "AGENT_NESTED", "AGENT_PARENT_PID"}),
		HealthURL:          getEnv("HEALTH_URL", "http://127.0.0.1:3000/health"),
		ReservedPorts:      getEnvAsInts("RESERVED_PORTS", []int{3000}),
		RestartExitCode:    getEnvAsInt("RESTART_EXIT_CODE", 42),
		RivalMarker:        getEnv("RIVAL_MARKER", "alpha_supervisor"),
		WorkerStopGrace:    getEnvAsPositiveDuration("WORKER_STOP_GRACE", 5*time.Second),
		BackoffBase:        getEnvAsPositiveDuration("BACKOFF_BASE", 5*time.Second),
		BackoffCap:         getEnvAsPositiveDuration("BACKOFF_CAP", 5*time.Minute),
		StabilityThreshold: getEnvAsPositiveDuration("STABILITY_THRESHOLD", 5*time.Minute),
		RapidCrashLimit:    getEnvAsPositiveInt("RAPID_CRASH_THRESHOLD", 5),
		RapidCrashWindow:   getEnvAsPositiveDuration("RAPID_CRASH_WINDOW", 60*time.Second),
		CrashCooldown:      getEnvAsPositiveDuration("CRASH_COOLDOWN", 10*time.Minute),
		RestartDelay:       getEnvAsDuration("RESTART_DELAY", 2*time.Second),
		StartGuardTimeout:  getEnvAsPositiveDuration("START_GUARD_TIMEOUT", 30*time.Second),
		HealthGrace:        getEnvAsDuration("HEALTH_GRACE", 90*time.Second),

		TickPeriod:          getEnvAsPositiveDuration("TICK_PERIOD", 60*time.Second),
		TaskTimeout:         getEnvAsPositiveDuration("TASK_TIMEOUT", 2*time.Minute),
		BriefingTimeout:     getEnvAsPositiveDuration("BRIEFING_TIMEOUT", 5*time.Minute),
		HealthIntervalMins:  getEnvAsPositiveInt("HEALTH_INTERVAL_MINS", 1),
		BracketIntervalMins: getEnvAsPositiveInt("BRACKET_INTERVAL_MINS", 5),
		ScheduleFile:        getEnv("SCHEDULE_FILE", "schedule.yaml"),

		StateDir:    getEnv("STATE_DIR", "state"),
		LogDir:      getEnv("LOG_DIR", "logs"),
		MaxLogBytes: int64(getEnvAsFloat64("MAX_LOG_SIZE_MB", 5) * 1024 * 1024),

		MetricsAddr: getEnv("METRICS_ADDR", ""),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),
		BrokerEnabled:  os.Getenv("APCA_API_KEY_ID") != "" && os.Getenv("APCA_API_SECRET_KEY") != "",
	}
	cfg.WorkerLockFile = getEnv("WORKER_LOCK_FILE", filepath.Join(cfg.StateDir, "worker.lock"))

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown SUPERVISOR_TZ %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	sched, err := LoadSchedule(cfg.ScheduleFile)
	if err != nil {
		return nil, err
	}
	cfg.Schedule = sched

	if !cfg.BrokerEnabled {
		log.Println("Warning: APCA credentials missing, bracket order task disabled")
	}
	return cfg, nil
}

// LockFile is the supervisor's single-instance lock.
func (c *Config) LockFile() string { return filepath.Join(c.StateDir, "supervisor.lock") }

// HeartbeatFile is the externally readable status snapshot.
func (c *Config) HeartbeatFile() string { return filepath.Join(c.StateDir, "heartbeat.json") }

// BracketJournalFile persists the bracket ladders across restarts.
func (c *Config) BracketJournalFile() string { return filepath.Join(c.StateDir, "brackets.json") }

// SupervisorLogFile is the supervisor's own rotated log.
func (c *Config) SupervisorLogFile() string { return filepath.Join(c.LogDir, "supervisor.log") }

// WorkerLogFile captures the worker's stdout and stderr.
func (c *Config) WorkerLogFile() string { return filepath.Join(c.LogDir, "worker.log") }

// printEnvFile prints variables defined in the .env file, masking secrets.
func printEnvFile() {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	log.Println("--- .env File Variables ---")
	for key, val := range envMap {
		log.Printf("%s=%s", key, maskValue(key, val))
	}
	log.Println("---------------------------")
}

// maskValue shows only the last 4 chars of a secret.
func maskValue(key, val string) string {
	if !requiredSecretVars[key] {
		return val
	}
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}
