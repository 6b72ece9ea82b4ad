// Package watch is the change-detection core: it owns monitor
// lifecycle, keeps the scheduler in sync with persisted state, and
// runs the per-tick reconciliation that turns detector output into
// store writes and notifications.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pagewatch/internal/page"
	"pagewatch/internal/storage"
	"pagewatch/pkg/logx"
)

// ErrNotFound covers both a missing monitor id and a monitor owned by
// a different user; callers see a single "not found".
var ErrNotFound = errors.New("monitor not found")

// Job is the typed per-timer context: everything a tick needs to
// re-fetch state. The scheduler never holds a copy of mutable monitor
// fields, so a stale Job can only reference, not resurrect, a row.
type Job struct {
	MonitorID       int64
	URL             string
	UserID          int64
	IntervalMinutes int
}

// Scheduler is the timer facility the service drives. One live timer
// per name; Upsert replaces, Remove cancels.
type Scheduler interface {
	Upsert(name string, every time.Duration, job func(ctx context.Context) error) error
	UpsertCron(name, spec string, job func(ctx context.Context) error) error
	Remove(name string) bool
}

// Notifier delivers user-facing messages, best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

type Config struct {
	// AdminChatID receives the daily status report; 0 disables it.
	AdminChatID int64
	// ReportAt is the local HH:MM time of the daily report.
	ReportAt string // default "09:00"
}

type Service struct {
	cfg      Config
	store    storage.Store
	sched    Scheduler
	detector *page.Detector
	notifier Notifier
	log      logx.Logger

	now func() time.Time
}

func New(cfg Config, store storage.Store, sched Scheduler, detector *page.Detector, notifier Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		detector: detector,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

func timerName(monitorID int64) string {
	return "monitor:" + strconv.FormatInt(monitorID, 10)
}

// ---- user operations ----

// CreateOrUpdateMonitor registers url for periodic checks. rawContent
// is the already-verified page body from the follow flow; its digest is
// persisted as the comparison baseline so the first tick has something
// to compare against. An existing active monitor for the same
// (user, URL) pair is updated in place.
func (s *Service) CreateOrUpdateMonitor(ctx context.Context, userID int64, url string, intervalMinutes int, rawContent string) (string, error) {
	if intervalMinutes < storage.MinIntervalMinutes {
		return "", fmt.Errorf("%w: %d < %d", storage.ErrIntervalTooShort, intervalMinutes, storage.MinIntervalMinutes)
	}

	digest := page.Hash(page.Normalize(rawContent))
	m, created, err := s.store.UpsertMonitor(ctx, storage.Monitor{
		UserID:          userID,
		URL:             url,
		IntervalMinutes: intervalMinutes,
		LastChecked:     s.now(),
		ContentHash:     digest,
	})
	if err != nil {
		return "", err
	}

	if err := s.schedule(m); err != nil {
		return "", err
	}

	s.log.Info("monitor saved",
		logx.Int64("monitor_id", m.ID), logx.Int64("user_id", userID),
		logx.String("url", url), logx.Int("interval_min", intervalMinutes), logx.Bool("created", created))

	if created {
		return fmt.Sprintf("✅ Started monitoring %s every %d minutes.", url, intervalMinutes), nil
	}
	return fmt.Sprintf("✅ Updated existing monitor for %s to %d minutes.", url, intervalMinutes), nil
}

// RemoveMonitor hard-deletes the monitor and synchronously cancels its
// timer. A tick already in flight self-terminates on its next load.
func (s *Service) RemoveMonitor(ctx context.Context, userID, monitorID int64) (string, error) {
	m, err := s.owned(ctx, userID, monitorID)
	if err != nil {
		return "", err
	}
	if err := s.store.DeleteMonitor(ctx, monitorID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	s.sched.Remove(timerName(monitorID))
	s.log.Info("monitor removed", logx.Int64("monitor_id", monitorID), logx.Int64("user_id", userID))
	return fmt.Sprintf("🗑️ Stopped monitoring %s.", m.URL), nil
}

// UpdateInterval changes the check interval and reschedules the timer.
func (s *Service) UpdateInterval(ctx context.Context, userID, monitorID int64, intervalMinutes int) (string, error) {
	if intervalMinutes < storage.MinIntervalMinutes {
		return "", fmt.Errorf("%w: %d < %d", storage.ErrIntervalTooShort, intervalMinutes, storage.MinIntervalMinutes)
	}
	m, err := s.owned(ctx, userID, monitorID)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateInterval(ctx, monitorID, intervalMinutes); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	m.IntervalMinutes = intervalMinutes
	if m.Active {
		if err := s.schedule(m); err != nil {
			return "", err
		}
	}
	s.log.Info("monitor interval updated", logx.Int64("monitor_id", monitorID), logx.Int("interval_min", intervalMinutes))
	return fmt.Sprintf("✅ Updated frequency to %d minutes for %s.", intervalMinutes, m.URL), nil
}

// ListMonitors renders the user's monitors as confirmation text.
func (s *Service) ListMonitors(ctx context.Context, userID int64) (string, error) {
	monitors, err := s.store.ListMonitorsByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(monitors) == 0 {
		return "You are not monitoring any URLs.", nil
	}
	var b strings.Builder
	b.WriteString("Your monitored pages:\n")
	for _, m := range monitors {
		status := "✅ active"
		if !m.Active {
			status = "⏸ paused"
		}
		fmt.Fprintf(&b, "- %s (every %dm) [%s]\n", m.URL, m.IntervalMinutes, status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ActiveMonitors lists the user's active monitors for selection UIs.
func (s *Service) ActiveMonitors(ctx context.Context, userID int64) ([]storage.Monitor, error) {
	monitors, err := s.store.ListMonitorsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := monitors[:0]
	for _, m := range monitors {
		if m.Active {
			active = append(active, m)
		}
	}
	return active, nil
}

func (s *Service) owned(ctx context.Context, userID, monitorID int64) (storage.Monitor, error) {
	m, err := s.store.GetMonitor(ctx, monitorID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Monitor{}, ErrNotFound
	}
	if err != nil {
		return storage.Monitor{}, err
	}
	if m.UserID != userID {
		return storage.Monitor{}, ErrNotFound
	}
	return m, nil
}

// ---- scheduling ----

func (s *Service) schedule(m storage.Monitor) error {
	job := Job{MonitorID: m.ID, URL: m.URL, UserID: m.UserID, IntervalMinutes: m.IntervalMinutes}
	return s.sched.Upsert(timerName(m.ID), time.Duration(m.IntervalMinutes)*time.Minute, func(ctx context.Context) error {
		return s.runCheck(ctx, job)
	})
}

// Rehydrate rebuilds timers from persisted state. It is the sole
// recovery mechanism after restart; timer state itself is not durable.
// Call it once, after storage init and before user requests.
func (s *Service) Rehydrate(ctx context.Context) (int, error) {
	monitors, err := s.store.ListActiveMonitors(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range monitors {
		if err := s.schedule(m); err != nil {
			return 0, err
		}
	}
	s.log.Info("monitors rehydrated", logx.Int("count", len(monitors)))

	if s.cfg.AdminChatID != 0 {
		if err := s.scheduleReport(); err != nil {
			return 0, err
		}
	}
	return len(monitors), nil
}

// Shutdown cancels all timers, best-effort. Nothing needs flushing:
// timers are rebuilt from the store on next startup.
func (s *Service) Shutdown(ctx context.Context) {
	monitors, err := s.store.ListActiveMonitors(ctx)
	if err != nil {
		s.log.Warn("shutdown: listing monitors failed", logx.Err(err))
		return
	}
	for _, m := range monitors {
		s.sched.Remove(timerName(m.ID))
	}
}

// ---- reconciliation ----

// runCheck is the body of one tick. It re-reads the monitor row before
// and after the (slow) fetch so user edits racing with the tick are
// never blindly overwritten, and it never fails on fetch problems; the
// only error it surfaces is a storage failure.
func (s *Service) runCheck(ctx context.Context, job Job) error {
	log := s.log.With(logx.Int64("monitor_id", job.MonitorID), logx.String("url", job.URL))

	m, err := s.store.GetMonitor(ctx, job.MonitorID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted since scheduling: stop this timer for good.
		s.sched.Remove(timerName(job.MonitorID))
		log.Debug("monitor gone, timer cancelled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load monitor: %w", err)
	}
	if !m.Active {
		s.sched.Remove(timerName(job.MonitorID))
		log.Debug("monitor inactive, timer cancelled")
		return nil
	}

	oldDigest := m.ContentHash
	res := s.detector.CheckForChanges(ctx, m.URL, oldDigest)

	switch {
	case res.Changed:
		// Notify first, best-effort: a delivery failure must not block
		// the persistence write.
		text := fmt.Sprintf("📢 UPDATE DETECTED!\n\n%s\n\n%s", m.URL, res.Summary)
		if err := s.notifier.Notify(ctx, m.UserID, text); err != nil {
			log.Warn("change notification failed", logx.Err(err))
		}
		return s.persistCheck(ctx, job.MonitorID, res.Digest, log)
	case res.Digest != oldDigest:
		// First observation (or any silent digest drift): store the new
		// baseline without notifying.
		return s.persistCheck(ctx, job.MonitorID, res.Digest, log)
	default:
		log.Debug("no changes")
		return nil
	}
}

func (s *Service) persistCheck(ctx context.Context, monitorID int64, digest string, log logx.Logger) error {
	// Fetch can take seconds; re-read so a concurrent removal or pause
	// isn't resurrected by this write.
	m, err := s.store.GetMonitor(ctx, monitorID)
	if errors.Is(err, storage.ErrNotFound) {
		s.sched.Remove(timerName(monitorID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload monitor: %w", err)
	}
	if !m.Active {
		s.sched.Remove(timerName(monitorID))
		return nil
	}
	if err := s.store.UpdateCheckState(ctx, monitorID, digest, s.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("persist check state: %w", err)
	}
	log.Debug("check state persisted")
	return nil
}

// ---- daily report ----

func (s *Service) scheduleReport() error {
	at := strings.TrimSpace(s.cfg.ReportAt)
	if at == "" {
		at = "09:00"
	}
	h, m, err := parseHHMM(at)
	if err != nil {
		return err
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)
	return s.sched.UpsertCron("report:daily", spec, s.sendReport)
}

func (s *Service) sendReport(ctx context.Context) error {
	total, active, err := s.store.CountMonitors(ctx)
	if err != nil {
		return err
	}
	text := fmt.Sprintf(
		"📊 Daily pagewatch report\n\n✅ Bot is alive and running.\nTotal monitors: %d\nActive monitors: %d\nTime: %s",
		total, active, s.now().Format("2006-01-02 15:04:05"),
	)
	return s.notifier.Notify(ctx, s.cfg.AdminChatID, text)
}

func parseHHMM(v string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h, m, nil
}
