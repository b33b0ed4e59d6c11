package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"alpha_supervisor/internal/bracket"
	"alpha_supervisor/internal/briefing"
	"alpha_supervisor/internal/clock"
	"alpha_supervisor/internal/config"
	"alpha_supervisor/internal/lock"
	"alpha_supervisor/internal/logger"
	"alpha_supervisor/internal/market"
	"alpha_supervisor/internal/market/alpaca"
	"alpha_supervisor/internal/metrics"
	"alpha_supervisor/internal/scheduler"
	"alpha_supervisor/internal/supervisor"
	"alpha_supervisor/internal/telegram"
)

const VersionFile = "version.latest"

// main is the entry point of the application.
func main() {
	os.Exit(run())
}

// run wires everything and blocks until a signal arrives. Deferred cleanup
// (lock release, log files) happens before main exits with its code.
func run() int {
	testMode := flag.Bool("test", false, "run every task and briefing once, print PASS/FAIL and exit")
	flag.Parse()

	// 1. Initialization
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ERROR: config: %v", err)
	}
	cfg.Version = readVersion()

	if rotator := logger.Setup(cfg.SupervisorLogFile(), cfg.MaxLogBytes); rotator != nil {
		defer rotator.Close()
	}

	instance, err := lock.Acquire(cfg.LockFile())
	if err != nil {
		log.Fatalf("ERROR: another supervisor is running: %v", err)
	}
	defer func() {
		if err := instance.Release(); err != nil {
			log.Printf("Warning: lock release: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Dependencies
	notifier := telegram.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	clk := clock.New(cfg.Location)

	var workerOut io.Writer = os.Stdout
	workerLog, err := logger.NewRotator(cfg.WorkerLogFile(), cfg.MaxLogBytes)
	if err != nil {
		log.Printf("Warning: worker log unavailable, worker output goes to stdout only: %v", err)
	} else {
		defer workerLog.Close()
		workerOut = io.MultiWriter(os.Stdout, workerLog)
	}

	launcher := &supervisor.ExecLauncher{
		Command: cfg.WorkerCommand,
		Args:    cfg.WorkerArgs,
		Dir:     cfg.WorkerDir,
		Output:  workerOut,
	}
	cleaner := supervisor.NewOSCleaner(cfg.ReservedPorts, cfg.RivalMarker, cfg.WorkerLockFile, cfg.WorkerStopGrace)

	sup := supervisor.New(supervisor.Options{
		RestartExitCode:    cfg.RestartExitCode,
		EnvDenylist:        cfg.WorkerEnvDenylist,
		HealthURL:          cfg.HealthURL,
		WorkerLockFile:     cfg.WorkerLockFile,
		StopGrace:          cfg.WorkerStopGrace,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		StabilityThreshold: cfg.StabilityThreshold,
		RapidCrashLimit:    cfg.RapidCrashLimit,
		RapidCrashWindow:   cfg.RapidCrashWindow,
		CrashCooldown:      cfg.CrashCooldown,
		RestartDelay:       cfg.RestartDelay,
		StartGuardTimeout:  cfg.StartGuardTimeout,
		HealthGrace:        cfg.HealthGrace,
	}, launcher, cleaner, notifier, clk)
	if *testMode {
		sup.SetDryRun(true)
	}

	sched := scheduler.New(scheduler.Options{
		TickPeriod:      cfg.TickPeriod,
		TaskTimeout:     cfg.TaskTimeout,
		BriefingTimeout: cfg.BriefingTimeout,
		HeartbeatFile:   cfg.HeartbeatFile(),
	}, clk, notifier, sup.Snapshot)

	// 3. Task and briefing table
	var (
		accounts market.AccountProvider
		ladders  func() int
	)
	sched.RegisterTask("health.bot", "🩺", time.Duration(cfg.HealthIntervalMins)*time.Minute, sup.HealthTask, scheduler.TaskOptions{})
	if cfg.BrokerEnabled {
		provider := alpaca.NewProvider()
		accounts = provider
		brackets := bracket.NewManager(provider, cfg.BracketJournalFile(), clk)
		ladders = func() int { return len(brackets.Journal()) }
		sched.RegisterTask("bracket.orders", "🛡️", time.Duration(cfg.BracketIntervalMins)*time.Minute, brackets.Run,
			scheduler.TaskOptions{MarketHoursOnly: true})
	}

	reporter := briefing.NewReporter(accounts, clk, sup.Snapshot, ladders, filepath.Join(cfg.LogDir, "daily_performance.log"))
	sched.RegisterBriefing("market.open", reporter.MarketOpen)
	sched.RegisterBriefing("market.close", reporter.MarketClose)
	sched.RegisterBriefing("supervisor.daily", reporter.SupervisorDaily)
	sched.SetSchedule(cfg.Schedule)

	if *testMode {
		return runTests(ctx, sched)
	}

	updates, err := config.WatchSchedule(ctx, cfg.ScheduleFile)
	if err != nil {
		log.Printf("Warning: schedule hot reload disabled: %v", err)
	} else {
		go func() {
			for s := range updates {
				sched.QueueSchedule(s)
			}
		}()
	}

	go metrics.Serve(ctx, cfg.MetricsAddr)

	// 4. Worker
	log.Printf("Alpha Supervisor %s Initialized (TZ %s, tick %s)", cfg.Version, cfg.Timezone, cfg.TickPeriod)
	if err := sup.Start(); err != nil && !errors.Is(err, supervisor.ErrStartInProgress) {
		log.Printf("ERROR: initial worker start: %v", err)
	}
	notifier.Alert(telegram.Format("🚀", "Supervisor started", fmt.Sprintf("Version %s, worker %s", telegram.Escape(cfg.Version), telegram.Escape(cfg.WorkerCommand))))

	// 5. Main loop
	sched.Run(ctx)

	log.Println("⚠️ Supervisor Shutting Down: System signal received.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WorkerStopGrace+5*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)
	notifier.Alert(telegram.Format("🛑", "Supervisor stopped", ""))
	return 0
}

// runTests executes every task and briefing once and returns the process
// exit code. Only a failed briefing is fatal.
func runTests(ctx context.Context, sched *scheduler.Scheduler) int {
	fmt.Printf("Self-test: tasks %s\n", strings.Join(sched.TaskNames(), ", "))
	code := 0
	for _, o := range sched.RunAll(ctx) {
		verdict := "PASS"
		if !o.Result.OK {
			verdict = "FAIL"
			if o.Kind == "briefing" {
				code = 1
			}
		}
		fmt.Printf("%s %-8s %-18s %s\n", verdict, o.Kind, o.Name, o.Result.Summary)
	}
	return code
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
