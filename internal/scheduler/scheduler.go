// Package scheduler maintains one recurring timer per registered name.
//
// Names are stable, human-readable keys (e.g. "monitor:42"): registering
// a name that already exists replaces the previous timer (idempotent
// reschedule), and Remove cancels it. Timers are not durable; callers
// rebuild them from persisted state on startup.
//
// Jobs run on a small worker pool so one slow tick cannot block the
// trigger loop or other timers. A per-name overlap guard skips a fire
// when the previous run for the same name is still executing.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pagewatch/pkg/logx"
)

type Config struct {
	Workers int // default 4

	// SettleDelay postpones the first fire of every interval timer to
	// avoid a burst of checks immediately after (re)start.
	SettleDelay time.Duration // default 10s

	// JobTimeout bounds a single run. 0 disables the bound.
	JobTimeout time.Duration
}

type runState struct {
	mu      sync.Mutex
	running bool
}

type jobDef struct {
	name    string
	every   time.Duration // 0 for cron-spec entries
	spec    string        // cron spec for non-interval entries
	run     func(ctx context.Context) error
	entryID cron.EntryID
	state   *runState
}

type task struct {
	name  string
	run   func(ctx context.Context) error
	state *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*jobDef

	queue  chan task
	stopCh chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 10 * time.Second
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// settleSchedule fires once after start, then every interval.
type settleSchedule struct {
	start time.Time
	every time.Duration
}

func (s settleSchedule) Next(t time.Time) time.Time {
	if t.Before(s.start) {
		return s.start
	}
	return t.Add(s.every)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	s.queue = make(chan task, 256)
	s.c = cron.New(cron.WithParser(s.parser))

	// Register definitions added before Start (e.g. rehydration).
	for _, d := range s.defs {
		s.registerLocked(d)
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(s.runCtx)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("workers", s.cfg.Workers), logx.Int("timers", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.runCancel != nil {
		s.runCancel()
	}
	var cronDone <-chan struct{}
	if s.c != nil {
		cronDone = s.c.Stop().Done()
		s.c = nil
	}
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if cronDone != nil {
		select {
		case <-cronDone:
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Upsert installs a recurring timer firing every interval, replacing any
// existing timer with the same name. The first fire is delayed by the
// configured settle delay. Safe to call before Start; the timer is then
// installed when the scheduler starts.
func (s *Service) Upsert(name string, every time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if every <= 0 {
		return errors.New("interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(name)
	s.removeLocked(name)
	d := &jobDef{name: name, every: every, run: job, state: st}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
		s.log.Debug("timer installed", logx.String("name", name), logx.Duration("every", every))
	}
	return nil
}

// UpsertCron installs a cron-spec timer (e.g. "0 9 * * *" for a daily
// job), replacing any existing timer with the same name.
func (s *Service) UpsertCron(name, spec string, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(name)
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, run: job, state: st}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
		s.log.Debug("timer installed", logx.String("name", name), logx.String("spec", spec))
	}
	return nil
}

// Remove cancels the timer with the given name. It reports whether a
// timer existed; removing an unknown name is a no-op.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(name)
	if removed {
		s.log.Debug("timer removed", logx.String("name", name))
	}
	return removed
}

// Names returns the currently registered timer names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	return out
}

// stateLocked returns the overlap guard for name. The guard is keyed
// by name, not by timer entry: a replacement timer installed while the
// previous tick for the same name is still in flight must share its
// predecessor's run state, or the two could execute concurrently.
// Call with s.mu held.
func (s *Service) stateLocked(name string) *runState {
	if d, ok := s.defs[name]; ok {
		return d.state
	}
	return &runState{}
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// registerLocked installs d into the running cron. Call with s.mu held.
func (s *Service) registerLocked(d *jobDef) {
	fire := func() {
		d.state.mu.Lock()
		running := d.state.running
		d.state.mu.Unlock()
		if running {
			// Previous tick for the same name still in flight: skip,
			// never run two ticks for one name concurrently.
			s.log.Debug("tick skipped (previous run still running)", logx.String("name", d.name))
			return
		}
		s.enqueue(task{name: d.name, run: d.run, state: d.state})
	}

	if d.every > 0 {
		d.entryID = s.c.Schedule(
			settleSchedule{start: time.Now().Add(s.cfg.SettleDelay), every: d.every},
			cron.FuncJob(fire),
		)
		return
	}
	sched, err := s.parser.Parse(d.spec)
	if err != nil {
		s.log.Error("timer register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(fire))
}

func (s *Service) enqueue(t task) {
	select {
	case s.queue <- t:
	default:
		s.log.Warn("scheduler queue full, dropping tick", logx.String("name", t.name))
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.workerWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	t.state.mu.Lock()
	if t.state.running {
		t.state.mu.Unlock()
		return
	}
	t.state.running = true
	t.state.mu.Unlock()
	defer func() {
		t.state.mu.Lock()
		t.state.running = false
		t.state.mu.Unlock()
	}()

	runCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := t.run(runCtx); err != nil {
		// One tick failing must never take down other timers.
		s.log.Warn("tick failed", logx.String("name", t.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("tick ok", logx.String("name", t.name), logx.Duration("took", time.Since(start)))
}
