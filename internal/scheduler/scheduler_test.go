package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alpha_supervisor/internal/clock"
	"alpha_supervisor/internal/config"
	"alpha_supervisor/internal/models"
	"alpha_supervisor/internal/storage"
)

type spyAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *spyAlerter) Alert(text string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, text)
	a.mu.Unlock()
}

func (a *spyAlerter) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}

// manualTime is a settable wall clock.
type manualTime struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualTime) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

func (m *manualTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

var nyc = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type fixture struct {
	sched   *Scheduler
	now     *manualTime
	alerter *spyAlerter
	hbPath  string
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	f := &fixture{
		now:     &manualTime{t: start},
		alerter: &spyAlerter{},
		hbPath:  filepath.Join(t.TempDir(), "heartbeat.json"),
	}
	opts := Options{
		TickPeriod:      time.Minute,
		TaskTimeout:     200 * time.Millisecond,
		BriefingTimeout: 200 * time.Millisecond,
		HeartbeatFile:   f.hbPath,
	}
	worker := func() models.WorkerSnapshot { return models.WorkerSnapshot{Status: "running", PID: 4242} }
	f.sched = New(opts, clock.NewWithSource(nyc, f.now.Now), f.alerter, worker)
	return f
}

func okHandler(counter *atomic.Int32) Handler {
	return func(ctx context.Context) models.TaskResult {
		counter.Add(1)
		return models.TaskResult{OK: true, Summary: "done"}
	}
}

// Monday 2026-03-02 08:00 New York.
func monday(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, nyc)
}

func TestBriefing_FiresOncePerDay(t *testing.T) {
	f := newFixture(t, monday(8, 0))
	var fired atomic.Int32
	f.sched.RegisterBriefing("market.open", okHandler(&fired))
	f.sched.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{{Key: "market.open", Hour: 9, Minute: 35}}})

	steps := []struct {
		at   time.Time
		want int32
	}{
		{monday(9, 34), 0},
		{monday(9, 35), 1},
		{monday(9, 36), 1},
		{monday(9, 59), 1},
		{monday(10, 0), 1},
		{monday(9, 40).AddDate(0, 0, 1), 2}, // Late tick next day still fires
		{monday(9, 41).AddDate(0, 0, 1), 2},
	}
	for _, st := range steps {
		f.now.Set(st.at)
		f.sched.Tick(context.Background())
		if got := fired.Load(); got != st.want {
			t.Errorf("At %s: expected %d firings, got %d", st.at.Format("01-02 15:04"), st.want, got)
		}
	}
}

func TestBriefing_MinuteZeroFiresAnywhereInHour(t *testing.T) {
	f := newFixture(t, monday(20, 47))
	var fired atomic.Int32
	f.sched.RegisterBriefing("supervisor.daily", okHandler(&fired))
	f.sched.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{{Key: "supervisor.daily", Hour: 20}}})

	f.sched.Tick(context.Background())
	if fired.Load() != 1 {
		t.Errorf("Expected firing at 20:47 for a 20:00 briefing")
	}
}

func TestBriefing_MissedHourIsSkippedUntilNextDay(t *testing.T) {
	f := newFixture(t, monday(11, 0))
	var fired atomic.Int32
	f.sched.RegisterBriefing("market.open", okHandler(&fired))
	f.sched.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{{Key: "market.open", Hour: 9, Minute: 35}}})

	for _, at := range []time.Time{monday(11, 0), monday(15, 30), monday(23, 59)} {
		f.now.Set(at)
		f.sched.Tick(context.Background())
	}
	if got := fired.Load(); got != 0 {
		t.Errorf("Expected no late firing after the 9:00 hour passed, got %d", got)
	}

	f.now.Set(monday(9, 35).AddDate(0, 0, 1))
	f.sched.Tick(context.Background())
	if got := fired.Load(); got != 1 {
		t.Errorf("Expected firing at next day's slot, got %d", got)
	}
}

func TestBriefing_FailureIsAlertedAndNotRetriedSameDay(t *testing.T) {
	f := newFixture(t, monday(16, 5))
	var calls atomic.Int32
	f.sched.RegisterBriefing("market.close", func(ctx context.Context) models.TaskResult {
		calls.Add(1)
		panic("report generator exploded")
	})
	f.sched.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{{Key: "market.close", Hour: 16, Minute: 5}}})

	f.sched.Tick(context.Background())
	f.now.Advance(time.Minute)
	f.sched.Tick(context.Background())

	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", calls.Load())
	}
	msgs := f.alerter.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "Briefing failed") {
		t.Errorf("Expected one failure alert, got %v", msgs)
	}
}

func TestBriefing_AggregateTimeout(t *testing.T) {
	f := newFixture(t, monday(9, 35))
	release := make(chan struct{})
	defer close(release)

	var second atomic.Int32
	f.sched.RegisterBriefing("slow", func(ctx context.Context) models.TaskResult {
		<-release
		return models.TaskResult{OK: true}
	})
	f.sched.RegisterBriefing("after", okHandler(&second))
	f.sched.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{
		{Key: "slow", Hour: 9},
		{Key: "after", Hour: 9},
	}})

	start := time.Now()
	f.sched.Tick(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Tick stalled for %s", elapsed)
	}
	if second.Load() != 0 {
		t.Errorf("Briefings after the aggregate deadline must not run")
	}
	hb := f.sched.Heartbeat()
	if hb.Briefings["slow"] != "2026-03-02" || hb.Briefings["after"] != "2026-03-02" {
		t.Errorf("Both briefings must be marked fired, got %v", hb.Briefings)
	}
}

func TestTasks_IntervalAndFirstRun(t *testing.T) {
	f := newFixture(t, monday(12, 0))
	var runs atomic.Int32
	f.sched.RegisterTask("health.bot", "🩺", 5*time.Minute, okHandler(&runs), TaskOptions{})

	for i := 0; i < 11; i++ {
		f.sched.Tick(context.Background())
		f.now.Advance(time.Minute)
	}
	// Minutes 0, 5 and 10.
	if runs.Load() != 3 {
		t.Errorf("Expected 3 runs, got %d", runs.Load())
	}
}

func TestTasks_MarketHoursGate(t *testing.T) {
	f := newFixture(t, monday(9, 29))
	var runs atomic.Int32
	f.sched.RegisterTask("bracket.orders", "📐", time.Minute, okHandler(&runs), TaskOptions{MarketHoursOnly: true})

	f.sched.Tick(context.Background())
	if runs.Load() != 0 {
		t.Errorf("Gated task must not run before the open")
	}

	f.now.Set(monday(9, 30))
	f.sched.Tick(context.Background())
	if runs.Load() != 1 {
		t.Errorf("Gated task must run once the market opens")
	}

	f.now.Set(time.Date(2026, 3, 7, 12, 0, 0, 0, nyc)) // Saturday
	f.sched.Tick(context.Background())
	if runs.Load() != 1 {
		t.Errorf("Gated task must not run on weekends")
	}
}

func TestTasks_TimeoutAndPanicBecomeFailures(t *testing.T) {
	f := newFixture(t, monday(12, 0))
	release := make(chan struct{})
	defer close(release)

	var after atomic.Int32
	f.sched.RegisterTask("stuck", "🐢", time.Minute, func(ctx context.Context) models.TaskResult {
		<-release
		return models.TaskResult{OK: true}
	}, TaskOptions{})
	f.sched.RegisterTask("boom", "💣", time.Minute, func(ctx context.Context) models.TaskResult {
		var m map[string]int
		m["x"] = 1
		return models.TaskResult{OK: true}
	}, TaskOptions{})
	f.sched.RegisterTask("after", "✅", time.Minute, okHandler(&after), TaskOptions{})

	if !f.sched.Tick(context.Background()) {
		t.Fatalf("Tick unexpectedly skipped")
	}

	hb := f.sched.Heartbeat()
	if res := hb.Tasks["stuck"]; res.OK || !strings.Contains(res.Summary, "timed out") {
		t.Errorf("Expected timeout result, got %+v", res)
	}
	if res := hb.Tasks["boom"]; res.OK || !strings.Contains(res.Summary, "panic") {
		t.Errorf("Expected panic result, got %+v", res)
	}
	if after.Load() != 1 {
		t.Errorf("A failing task must not stop the loop")
	}
}

func TestTasks_AlertForwarded(t *testing.T) {
	f := newFixture(t, monday(12, 0))
	f.sched.RegisterTask("health.bot", "🩺", time.Minute, func(ctx context.Context) models.TaskResult {
		return models.TaskResult{OK: false, Summary: "down", Alert: "⚡ restarted"}
	}, TaskOptions{})
	f.sched.RegisterTask("quiet", "🤫", time.Minute, func(ctx context.Context) models.TaskResult {
		return models.TaskResult{OK: false, Summary: "meh"}
	}, TaskOptions{})

	f.sched.Tick(context.Background())

	msgs := f.alerter.Messages()
	if len(msgs) != 1 || msgs[0] != "⚡ restarted" {
		t.Errorf("Expected exactly the task alert, got %v", msgs)
	}
}

func TestTick_OverlapIsSkipped(t *testing.T) {
	f := newFixture(t, monday(12, 0))
	f.sched.opts.TaskTimeout = 5 * time.Second

	started := make(chan struct{})
	release := make(chan struct{})
	f.sched.RegisterTask("slow", "🐢", time.Minute, func(ctx context.Context) models.TaskResult {
		close(started)
		<-release
		return models.TaskResult{OK: true}
	}, TaskOptions{})

	done := make(chan bool)
	go func() { done <- f.sched.Tick(context.Background()) }()
	<-started

	if f.sched.Tick(context.Background()) {
		t.Errorf("Overlapping tick must be skipped")
	}
	close(release)
	if !<-done {
		t.Errorf("First tick must complete")
	}
}

func TestHeartbeat_PersistedAndMerged(t *testing.T) {
	f := newFixture(t, monday(9, 35))
	var n atomic.Int32
	f.sched.RegisterTask("a", "🅰️", time.Minute, okHandler(&n), TaskOptions{})
	f.sched.RegisterTask("b", "🅱️", time.Hour, okHandler(&n), TaskOptions{})
	f.sched.RegisterBriefing("market.open", okHandler(&n))
	f.sched.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{{Key: "market.open", Hour: 9, Minute: 35}}})

	f.sched.Tick(context.Background())
	f.now.Advance(time.Minute)
	f.sched.Tick(context.Background()) // only "a" runs; "b" must survive in the snapshot

	var hb models.HeartbeatState
	if err := storage.LoadJSON(f.hbPath, &hb); err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}
	if hb.TickCount != 2 {
		t.Errorf("Expected tick count 2, got %d", hb.TickCount)
	}
	if _, ok := hb.Tasks["b"]; !ok || len(hb.Tasks) != 2 {
		t.Errorf("Expected merged task results, got %v", hb.Tasks)
	}
	if hb.Worker.PID != 4242 {
		t.Errorf("Expected worker snapshot, got %+v", hb.Worker)
	}
	if hb.Briefings["market.open"] != "2026-03-02" {
		t.Errorf("Expected fired date, got %v", hb.Briefings)
	}
	want := time.Date(2026, 3, 3, 9, 35, 0, 0, nyc)
	if next := hb.NextBriefings["market.open"]; !next.Equal(want) {
		t.Errorf("Expected next fire %s, got %s", want, next)
	}
}

func TestNew_RestoresFiredFromHeartbeat(t *testing.T) {
	f := newFixture(t, monday(9, 40))
	storage.SaveJSON(f.hbPath, models.HeartbeatState{Briefings: map[string]string{"market.open": "2026-03-02"}})

	s := New(f.sched.opts, clock.NewWithSource(nyc, f.now.Now), f.alerter, nil)
	var fired atomic.Int32
	s.RegisterBriefing("market.open", okHandler(&fired))
	s.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{{Key: "market.open", Hour: 9, Minute: 35}}})

	s.Tick(context.Background())
	if fired.Load() != 0 {
		t.Errorf("Briefing already fired today must not fire after restart")
	}
}

func TestQueueSchedule_AppliedNextTick(t *testing.T) {
	f := newFixture(t, monday(12, 0))
	var runs atomic.Int32
	f.sched.RegisterTask("health.bot", "🩺", time.Minute, okHandler(&runs), TaskOptions{})

	f.sched.QueueSchedule(config.Schedule{Tasks: map[string]config.TaskOverride{"health.bot": {Disabled: true}}})
	f.sched.Tick(context.Background())
	if runs.Load() != 0 {
		t.Errorf("Disabled task must not run")
	}

	f.sched.QueueSchedule(config.Schedule{Tasks: map[string]config.TaskOverride{"health.bot": {IntervalMins: 10}}})
	f.now.Advance(time.Minute)
	f.sched.Tick(context.Background())
	f.now.Advance(5 * time.Minute)
	f.sched.Tick(context.Background())
	if runs.Load() != 1 {
		t.Errorf("Expected one run under the 10 minute override, got %d", runs.Load())
	}
}

func TestRunAll(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 7, 3, 0, 0, 0, nyc)) // Saturday night
	var runs atomic.Int32
	f.sched.RegisterTask("bracket.orders", "📐", time.Hour, okHandler(&runs), TaskOptions{MarketHoursOnly: true})
	f.sched.RegisterBriefing("ok", okHandler(&runs))
	f.sched.RegisterBriefing("bad", func(ctx context.Context) models.TaskResult {
		return models.TaskResult{OK: false, Summary: "no data"}
	})
	f.sched.SetSchedule(config.Schedule{Briefings: []config.BriefingSpec{{Key: "ok", Hour: 9}, {Key: "bad", Hour: 16}}})

	out := f.sched.RunAll(context.Background())
	if len(out) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(out))
	}
	if runs.Load() != 2 {
		t.Errorf("Expected gated task and briefing to run regardless of time, got %d", runs.Load())
	}
	if out[2].Kind != "briefing" || out[2].Name != "bad" || out[2].Result.OK {
		t.Errorf("Unexpected last outcome %+v", out[2])
	}
	if names := f.sched.TaskNames(); len(names) != 1 || names[0] != "bracket.orders" {
		t.Errorf("Expected task names [bracket.orders], got %v", names)
	}
}
