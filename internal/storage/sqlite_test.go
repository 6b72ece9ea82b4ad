package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pagewatch/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "monitors.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpsertCreatesThenUpdatesInPlace(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m1, created, err := st.UpsertMonitor(ctx, Monitor{UserID: 7, URL: "https://example.com", IntervalMinutes: 30})
	if err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if !created {
		t.Fatalf("first upsert must create")
	}
	if m1.ID == 0 {
		t.Fatalf("created monitor must get an id")
	}
	if !m1.Active {
		t.Fatalf("created monitor must be active")
	}

	m2, created, err := st.UpsertMonitor(ctx, Monitor{UserID: 7, URL: "https://example.com", IntervalMinutes: 60, ContentHash: "abc"})
	if err != nil {
		t.Fatalf("UpsertMonitor (second): %v", err)
	}
	if created {
		t.Fatalf("second upsert for same (user, url) must update in place")
	}
	if m2.ID != m1.ID {
		t.Fatalf("id changed on upsert: %d -> %d", m1.ID, m2.ID)
	}

	got, err := st.GetMonitor(ctx, m1.ID)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if got.IntervalMinutes != 60 || got.ContentHash != "abc" {
		t.Fatalf("update not persisted: %+v", got)
	}

	total, active, err := st.CountMonitors(ctx)
	if err != nil {
		t.Fatalf("CountMonitors: %v", err)
	}
	if total != 1 || active != 1 {
		t.Fatalf("counts = (%d, %d), want (1, 1)", total, active)
	}
}

func TestUpsertDistinctPairsGetDistinctRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 1, URL: "https://a.example", IntervalMinutes: 10})
	if err != nil {
		t.Fatalf("UpsertMonitor a: %v", err)
	}
	b, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 1, URL: "https://b.example", IntervalMinutes: 10})
	if err != nil {
		t.Fatalf("UpsertMonitor b: %v", err)
	}
	c, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 2, URL: "https://a.example", IntervalMinutes: 10})
	if err != nil {
		t.Fatalf("UpsertMonitor c: %v", err)
	}
	if a.ID == b.ID || a.ID == c.ID || b.ID == c.ID {
		t.Fatalf("expected three distinct rows, got ids %d %d %d", a.ID, b.ID, c.ID)
	}

	mine, err := st.ListMonitorsByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListMonitorsByUser: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("user 1 has %d monitors, want 2", len(mine))
	}
}

func TestUpsertRejectsShortInterval(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 1, URL: "https://a.example", IntervalMinutes: MinIntervalMinutes - 1})
	if !errors.Is(err, ErrIntervalTooShort) {
		t.Fatalf("err = %v, want ErrIntervalTooShort", err)
	}

	_, _, err = st.UpsertMonitor(ctx, Monitor{UserID: 1, URL: "https://a.example", IntervalMinutes: MinIntervalMinutes})
	if err != nil {
		t.Fatalf("minimum interval must be accepted: %v", err)
	}
}

func TestDeleteMonitor(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 3, URL: "https://gone.example", IntervalMinutes: 15})
	if err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if err := st.DeleteMonitor(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMonitor: %v", err)
	}
	if _, err := st.GetMonitor(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMonitor after delete = %v, want ErrNotFound", err)
	}
	if err := st.DeleteMonitor(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}

func TestUpdateInterval(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 4, URL: "https://x.example", IntervalMinutes: 30})
	if err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if err := st.UpdateInterval(ctx, m.ID, 120); err != nil {
		t.Fatalf("UpdateInterval: %v", err)
	}
	got, err := st.GetMonitor(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if got.IntervalMinutes != 120 {
		t.Fatalf("interval = %d, want 120", got.IntervalMinutes)
	}

	if err := st.UpdateInterval(ctx, m.ID, 1); !errors.Is(err, ErrIntervalTooShort) {
		t.Fatalf("short interval = %v, want ErrIntervalTooShort", err)
	}
	if err := st.UpdateInterval(ctx, m.ID+999, 60); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id = %v, want ErrNotFound", err)
	}
}

func TestUpdateCheckState(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	m, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 5, URL: "https://y.example", IntervalMinutes: 30})
	if err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if !m.LastChecked.IsZero() {
		t.Fatalf("fresh monitor must have zero LastChecked")
	}

	at := time.Date(2026, 8, 29, 12, 30, 0, 0, time.UTC)
	if err := st.UpdateCheckState(ctx, m.ID, "deadbeef", at); err != nil {
		t.Fatalf("UpdateCheckState: %v", err)
	}

	got, err := st.GetMonitor(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if got.ContentHash != "deadbeef" {
		t.Fatalf("ContentHash = %q", got.ContentHash)
	}
	if !got.LastChecked.Equal(at) {
		t.Fatalf("LastChecked = %v, want %v", got.LastChecked, at)
	}
	// Interval and ownership fields must be untouched.
	if got.IntervalMinutes != 30 || got.UserID != 5 || !got.Active {
		t.Fatalf("check-state write touched unrelated fields: %+v", got)
	}

	if err := st.UpdateCheckState(ctx, m.ID+999, "x", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id = %v, want ErrNotFound", err)
	}
}

func TestListActiveMonitors(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, url := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		if _, _, err := st.UpsertMonitor(ctx, Monitor{UserID: 9, URL: url, IntervalMinutes: 10}); err != nil {
			t.Fatalf("UpsertMonitor %s: %v", url, err)
		}
	}

	active, err := st.ListActiveMonitors(ctx)
	if err != nil {
		t.Fatalf("ListActiveMonitors: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	for i := 1; i < len(active); i++ {
		if active[i].ID <= active[i-1].ID {
			t.Fatalf("ids not ascending: %v", active)
		}
	}
}
