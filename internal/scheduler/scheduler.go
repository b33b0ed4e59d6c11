// Package scheduler runs the cooperative tick loop: interval tasks with
// market-hours gating and per-task timeouts, plus daily one-shot briefings.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"alpha_supervisor/internal/clock"
	"alpha_supervisor/internal/config"
	"alpha_supervisor/internal/metrics"
	"alpha_supervisor/internal/models"
	"alpha_supervisor/internal/storage"
	"alpha_supervisor/internal/telegram"

	"github.com/robfig/cron/v3"
)

// Handler is a task or briefing body. It must honour ctx: once the deadline
// passes its result is discarded.
type Handler func(ctx context.Context) models.TaskResult

// TaskOptions are optional task settings.
type TaskOptions struct {
	MarketHoursOnly bool
}

type task struct {
	name            string
	icon            string
	baseInterval    time.Duration
	interval        time.Duration
	handler         Handler
	marketHoursOnly bool
	enabled         bool
	lastRun         time.Time
}

type briefing struct {
	key      string
	hour     int
	minute   int
	handler  Handler
	disabled bool
}

// Outcome is one line of a RunAll report.
type Outcome struct {
	Kind   string // task, briefing
	Name   string
	Result models.TaskResult
}

// Options configure a Scheduler.
type Options struct {
	TickPeriod      time.Duration
	TaskTimeout     time.Duration
	BriefingTimeout time.Duration
	HeartbeatFile   string
}

// Scheduler owns the task registry and the briefing table.
type Scheduler struct {
	opts    Options
	clock   *clock.TimeProvider
	alerter telegram.Alerter
	worker  func() models.WorkerSnapshot

	ticking atomic.Bool

	mu        sync.Mutex
	tasks     []*task
	byName    map[string]*task
	handlers  map[string]Handler
	briefings []*briefing
	fired     map[string]string // key -> date key
	heartbeat models.HeartbeatState
	pending   *config.Schedule
}

// New creates a Scheduler. worker may be nil when no process is supervised.
// Briefings already fired today according to an existing heartbeat file are
// not fired again after a restart.
func New(opts Options, clk *clock.TimeProvider, alerter telegram.Alerter, worker func() models.WorkerSnapshot) *Scheduler {
	s := &Scheduler{
		opts:     opts,
		clock:    clk,
		alerter:  alerter,
		worker:   worker,
		byName:   make(map[string]*task),
		handlers: make(map[string]Handler),
		fired:    make(map[string]string),
		heartbeat: models.HeartbeatState{
			Tasks:     make(map[string]models.TaskResult),
			Briefings: make(map[string]string),
		},
	}

	if opts.HeartbeatFile != "" {
		var prev models.HeartbeatState
		if err := storage.LoadJSON(opts.HeartbeatFile, &prev); err == nil {
			for k, v := range prev.Briefings {
				s.fired[k] = v
			}
		}
	}
	return s
}

// RegisterTask adds an interval task. It has never run, so it is due on the
// first tick.
func (s *Scheduler) RegisterTask(name, icon string, interval time.Duration, h Handler, opts TaskOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &task{
		name:            name,
		icon:            icon,
		baseInterval:    interval,
		interval:        interval,
		handler:         h,
		marketHoursOnly: opts.MarketHoursOnly,
		enabled:         true,
	}
	s.tasks = append(s.tasks, t)
	s.byName[name] = t
}

// RegisterBriefing makes a briefing handler available under key. It fires
// only once a schedule row with that key is applied.
func (s *Scheduler) RegisterBriefing(key string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key] = h
}

// SetSchedule applies a schedule immediately.
func (s *Scheduler) SetSchedule(sched config.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(sched)
}

// QueueSchedule stores a schedule to be applied at the start of the next tick.
func (s *Scheduler) QueueSchedule(sched config.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &sched
}

func (s *Scheduler) applyLocked(sched config.Schedule) {
	var table []*briefing
	for _, row := range sched.Briefings {
		h, ok := s.handlers[row.Key]
		if !ok {
			log.Printf("Warning: schedule lists unknown briefing %q, ignored", row.Key)
			continue
		}
		table = append(table, &briefing{
			key:      row.Key,
			hour:     row.Hour,
			minute:   row.Minute,
			handler:  h,
			disabled: row.Disabled,
		})
	}
	s.briefings = table

	for _, t := range s.tasks {
		t.interval = t.baseInterval
		t.enabled = true
		if o, ok := sched.Tasks[t.name]; ok {
			if o.IntervalMins > 0 {
				t.interval = time.Duration(o.IntervalMins) * time.Minute
			}
			t.enabled = !o.Disabled
		}
	}
	for name := range sched.Tasks {
		if _, ok := s.byName[name]; !ok {
			log.Printf("Warning: schedule overrides unknown task %q, ignored", name)
		}
	}
}

// Run ticks immediately and then every TickPeriod until ctx is cancelled.
// A tick that is still running when the next one is due causes that next one
// to be skipped.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(ctx)
		}()
	}

	log.Printf("⏱️ Scheduler started (tick %s, %d tasks)", s.opts.TickPeriod, len(s.tasks))
	fire()

	ticker := time.NewTicker(s.opts.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Scheduler stopping...")
			wg.Wait()
			return
		case <-ticker.C:
			fire()
		}
	}
}

// Tick performs one pass: briefings, due tasks, alert forwarding and the
// heartbeat write. It reports false when skipped because another tick is
// still in flight.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.ticking.CompareAndSwap(false, true) {
		metrics.TicksSkipped.Inc()
		log.Println("Warning: previous tick still running, skipping this one")
		return false
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	if s.pending != nil {
		s.applyLocked(*s.pending)
		s.pending = nil
	}
	s.mu.Unlock()

	s.runBriefings(ctx)
	s.runTasks(ctx)
	s.persist()

	metrics.Ticks.Inc()
	return true
}

// runBriefings fires each briefing at most once per civil day, on the first
// tick inside its hour at or after its minute. The match is on the hour, so
// a briefing whose whole hour was missed (supervisor down, clock jump) is
// skipped for that day rather than fired late at, say, 11:00 for a 9:35 slot.
func (s *Scheduler) runBriefings(ctx context.Context) {
	now := s.clock.Now()
	hour, minute := now.Hour(), now.Minute()
	today := now.Format(clock.DateKeyLayout)

	var due []*briefing
	s.mu.Lock()
	for _, b := range s.briefings {
		if b.disabled || s.fired[b.key] == today {
			continue
		}
		if hour == b.hour && minute >= b.minute {
			s.fired[b.key] = today
			due = append(due, b)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	// One deadline for the whole pass.
	bctx, cancel := context.WithTimeout(ctx, s.opts.BriefingTimeout)
	defer cancel()

	for _, b := range due {
		if bctx.Err() != nil {
			s.reportBriefing(b.key, models.TaskResult{OK: false, Summary: "skipped: briefing pass timed out", RanAt: s.clock.Now()})
			continue
		}
		res, _ := s.invoke(bctx, s.opts.BriefingTimeout, b.handler)
		s.reportBriefing(b.key, res)
	}
}

func (s *Scheduler) reportBriefing(key string, res models.TaskResult) {
	if res.OK {
		metrics.Briefings.WithLabelValues(key, "ok").Inc()
		log.Printf("📣 Briefing %s delivered: %s", key, res.Summary)
		if res.Alert != "" {
			s.alerter.Alert(res.Alert)
		}
		return
	}
	metrics.Briefings.WithLabelValues(key, "fail").Inc()
	log.Printf("ERROR: briefing %s failed: %s", key, res.Summary)
	s.alerter.Alert(telegram.Format("⚠️", "Briefing failed", fmt.Sprintf("%s: %s", telegram.Escape(key), telegram.Escape(res.Summary))))
}

func (s *Scheduler) runTasks(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	s.mu.Unlock()

	marketOpen := s.clock.MarketOpen()

	for _, t := range tasks {
		now := s.clock.Now()

		s.mu.Lock()
		run := t.enabled &&
			(!t.marketHoursOnly || marketOpen) &&
			(t.lastRun.IsZero() || now.Sub(t.lastRun) >= t.interval)
		if run {
			t.lastRun = now
		}
		s.mu.Unlock()
		if !run {
			continue
		}

		res, timedOut := s.invoke(ctx, s.opts.TaskTimeout, t.handler)
		s.recordTask(t, res, timedOut)
	}
}

func (s *Scheduler) recordTask(t *task, res models.TaskResult, timedOut bool) {
	label := "ok"
	switch {
	case timedOut:
		label = "timeout"
	case !res.OK:
		label = "fail"
	}
	metrics.TaskRuns.WithLabelValues(t.name, label).Inc()
	if d, err := time.ParseDuration(res.Duration); err == nil {
		metrics.TaskDuration.WithLabelValues(t.name).Observe(d.Seconds())
	}

	if res.OK {
		log.Printf("%s %s: %s", t.icon, t.name, res.Summary)
	} else {
		log.Printf("ERROR: %s %s: %s", t.icon, t.name, res.Summary)
	}

	if res.Alert != "" {
		s.alerter.Alert(res.Alert)
	}

	s.mu.Lock()
	s.heartbeat.Tasks[t.name] = res
	s.mu.Unlock()
}

// invoke runs h under timeout. Panics and timeouts become failed results;
// the second return value reports a timeout.
func (s *Scheduler) invoke(ctx context.Context, timeout time.Duration, h Handler) (models.TaskResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ranAt := s.clock.Now()
	start := time.Now()
	ch := make(chan models.TaskResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- models.TaskResult{OK: false, Summary: fmt.Sprintf("panic: %v", r)}
			}
		}()
		ch <- h(ctx)
	}()

	var res models.TaskResult
	timedOut := false
	select {
	case res = <-ch:
	case <-ctx.Done():
		timedOut = true
		res = models.TaskResult{OK: false, Summary: fmt.Sprintf("timed out after %s", time.Since(start).Round(time.Millisecond))}
	}
	res.RanAt = ranAt
	res.Duration = time.Since(start).Round(time.Millisecond).String()
	return res, timedOut
}

// RunAll runs every registered task and every scheduled briefing once,
// ignoring intervals, gates and the fired-today table.
func (s *Scheduler) RunAll(ctx context.Context) []Outcome {
	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	briefings := append([]*briefing(nil), s.briefings...)
	s.mu.Unlock()

	var out []Outcome
	for _, t := range tasks {
		res, timedOut := s.invoke(ctx, s.opts.TaskTimeout, t.handler)
		s.recordTask(t, res, timedOut)
		out = append(out, Outcome{Kind: "task", Name: t.name, Result: res})
	}
	for _, b := range briefings {
		res, _ := s.invoke(ctx, s.opts.BriefingTimeout, b.handler)
		s.reportBriefing(b.key, res)
		out = append(out, Outcome{Kind: "briefing", Name: b.key, Result: res})
	}
	s.persist()
	return out
}

// Heartbeat returns a copy of the current snapshot.
func (s *Scheduler) Heartbeat() models.HeartbeatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() models.HeartbeatState {
	hb := s.heartbeat
	hb.Tasks = make(map[string]models.TaskResult, len(s.heartbeat.Tasks))
	for k, v := range s.heartbeat.Tasks {
		hb.Tasks[k] = v
	}
	hb.Briefings = make(map[string]string, len(s.fired))
	for k, v := range s.fired {
		hb.Briefings[k] = v
	}
	return hb
}

func (s *Scheduler) persist() {
	now := s.clock.Now()

	var worker models.WorkerSnapshot
	if s.worker != nil {
		worker = s.worker()
	}

	s.mu.Lock()
	s.heartbeat.LastTick = now
	s.heartbeat.TickCount++
	s.heartbeat.Worker = worker
	s.heartbeat.NextBriefings = s.nextBriefingsLocked(now)
	hb := s.snapshotLocked()
	s.mu.Unlock()

	if s.opts.HeartbeatFile == "" {
		return
	}
	if err := storage.SaveJSON(s.opts.HeartbeatFile, hb); err != nil {
		log.Printf("ERROR: heartbeat write failed: %v", err)
	}
}

// nextBriefingsLocked computes when each enabled briefing will fire next.
func (s *Scheduler) nextBriefingsLocked(now time.Time) map[string]time.Time {
	next := make(map[string]time.Time, len(s.briefings))
	today := now.Format(clock.DateKeyLayout)
	for _, b := range s.briefings {
		if b.disabled {
			continue
		}
		// Still pending today: it fires on the next tick.
		if s.fired[b.key] != today && now.Hour() == b.hour && now.Minute() >= b.minute {
			next[b.key] = now
			continue
		}
		sched, err := cronSchedule(s.clock.Location(), b.hour, b.minute)
		if err != nil {
			log.Printf("Warning: next fire time for %s: %v", b.key, err)
			continue
		}
		next[b.key] = sched.Next(now)
	}
	return next
}

func cronSchedule(loc *time.Location, hour, minute int) (cron.Schedule, error) {
	return cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), minute, hour))
}

// TaskNames lists registered tasks in name order.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}
