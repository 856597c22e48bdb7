package perf

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "perf_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	for i := range 5 {
		err := s.Record(ctx, Execution{
			ToolID:    "srv_fetch",
			ServerID:  "srv",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Duration:  time.Duration(i+1) * time.Millisecond,
			Success:   i%2 == 0,
		})
		if err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}
	if err := s.Record(ctx, Execution{
		ToolID:    "srv_echo",
		ServerID:  "srv",
		Timestamp: base.Add(500 * time.Millisecond),
		Duration:  1500 * time.Microsecond,
		Error:     "bad input",
	}); err != nil {
		t.Fatalf("Record(echo): %v", err)
	}

	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Recent returned %d rows, want 4", len(got))
	}

	echo := got[0]
	if echo.ToolID != "srv_echo" || echo.Error != "bad input" || echo.Success {
		t.Errorf("echo row = %+v", echo)
	}
	if echo.Duration != 1500*time.Microsecond {
		t.Errorf("echo Duration = %v, want 1.5ms", echo.Duration)
	}
	if !echo.Timestamp.Equal(base.Add(500 * time.Millisecond)) {
		t.Errorf("echo Timestamp = %v", echo.Timestamp)
	}
	if echo.ID == "" {
		t.Error("Record did not assign an ID")
	}

	// The newest three fetch rows, oldest first.
	for i, e := range got[1:] {
		want := time.Duration(i+3) * time.Millisecond
		if e.ToolID != "srv_fetch" || e.Duration != want {
			t.Errorf("row %d = %s %v, want srv_fetch %v", i+1, e.ToolID, e.Duration, want)
		}
	}
}

func TestStore_Prune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{48 * time.Hour, 36 * time.Hour, time.Hour} {
		if err := s.Record(ctx, Execution{ToolID: "t", Timestamp: now.Add(-age), Success: true}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune removed %d, want 2", n)
	}
	rest, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("remaining rows = %d, want 1", len(rest))
	}
}

func TestStore_RestoresMonitor(t *testing.T) {
	s := testStore(t)
	m, clock, _ := newTestMonitor(t)
	m.SetRecorder(s)

	tool := testTool("srv_fetch")
	for i := range 12 {
		m.RecordExecution(tool, Result{Duration: ms(10 * (i + 1)), Success: i != 3})
		clock.Advance(time.Second)
	}

	execs, err := s.Recent(context.Background(), HistorySize)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	fresh, _, _ := newTestMonitor(t)
	fresh.Restore(execs)

	want, _ := m.Metrics(tool.ID)
	got, ok := fresh.Metrics(tool.ID)
	if !ok {
		t.Fatal("restored monitor has no metrics")
	}
	if got.TotalCount != want.TotalCount || got.SuccessCount != want.SuccessCount ||
		got.AverageTime != want.AverageTime || got.Trend != want.Trend {
		t.Errorf("restored = %+v, want %+v", got, want)
	}
}
