package health

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	dir := t.TempDir()
	return NewMonitor(Config{
		Dir:          filepath.Join(dir, "heartbeats"),
		EventLogPath: filepath.Join(dir, "health-events.jsonl"),
	}, zap.NewNop())
}

// beatAge writes a heartbeat whose age at check time is the given duration.
func beatAge(t *testing.T, m *Monitor, workerID string, age time.Duration, pid int) {
	t.Helper()
	err := m.WriteHeartbeat(Heartbeat{
		Timestamp: time.Now().Add(-age),
		WorkerID:  workerID,
		TaskID:    "task-1",
		PID:       pid,
		Iteration: 3,
	})
	if err != nil {
		t.Fatalf("WriteHeartbeat failed: %v", err)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		age   time.Duration
		pid   int
		alive bool
		want  State
	}{
		{name: "fresh beat is healthy", age: 10 * time.Second, want: StateHealthy},
		{name: "150s is hung", age: 150 * time.Second, want: StateHung},
		{name: "200s is hung not dead", age: 200 * time.Second, want: StateHung},
		{name: "400s is dead", age: 400 * time.Second, want: StateDead},
		{name: "boundary hung threshold", age: 120 * time.Second, want: StateHung},
		{name: "boundary dead threshold", age: 300 * time.Second, want: StateDead},
		{name: "dead pid overrides young age", age: 10 * time.Second, pid: 1234, alive: false, want: StateDead},
		{name: "live pid keeps age classification", age: 150 * time.Second, pid: 1234, alive: true, want: StateHung},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t)
			if tt.pid > 0 {
				m.probe = func(pid int) bool { return tt.alive }
			}
			beatAge(t, m, "w1", tt.age, tt.pid)

			status := m.Check("w1")
			if status.State != tt.want {
				t.Errorf("state = %v, want %v (age %v)", status.State, tt.want, tt.age)
			}
		})
	}
}

func TestCheckNoRecord(t *testing.T) {
	m := newTestMonitor(t)
	status := m.Check("missing-worker")
	if status.State != StateUnknown {
		t.Errorf("state = %v, want unknown", status.State)
	}
}

func TestRemove(t *testing.T) {
	m := newTestMonitor(t)
	beatAge(t, m, "w1", time.Second, 0)

	if err := m.Remove("w1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	status := m.Check("w1")
	if status.State != StateUnknown || status.Heartbeat != nil {
		t.Errorf("removed worker classified %v with heartbeat %+v", status.State, status.Heartbeat)
	}

	// Removing an already absent record is not an error.
	if err := m.Remove("w1"); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
}

func TestCheckMalformedRecord(t *testing.T) {
	m := newTestMonitor(t)
	if err := os.MkdirAll(m.config.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.heartbeatPath("w1"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	status := m.Check("w1")
	if status.State != StateUnknown {
		t.Errorf("malformed record should degrade to unknown, got %v", status.State)
	}
}

func TestProbeUnavailableFallsBackToAge(t *testing.T) {
	m := newTestMonitor(t)
	m.probe = nil
	beatAge(t, m, "w1", 10*time.Second, 1234)

	if status := m.Check("w1"); status.State != StateHealthy {
		t.Errorf("age-only fallback should be healthy, got %v", status.State)
	}
}

func TestWriteHeartbeatAtomic(t *testing.T) {
	m := newTestMonitor(t)
	beatAge(t, m, "w1", 0, 0)

	// No temp files left behind.
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}

	// Record round-trips.
	status := m.Check("w1")
	if status.Heartbeat == nil || status.Heartbeat.TaskID != "task-1" || status.Heartbeat.Iteration != 3 {
		t.Errorf("heartbeat did not round-trip: %+v", status.Heartbeat)
	}
}

func TestNonHealthyChecksAppendEvents(t *testing.T) {
	m := newTestMonitor(t)
	beatAge(t, m, "hung-worker", 150*time.Second, 0)
	beatAge(t, m, "healthy-worker", 5*time.Second, 0)

	m.Check("hung-worker")
	m.Check("healthy-worker")
	m.Check("ghost-worker")

	f, err := os.Open(m.config.EventLogPath)
	if err != nil {
		t.Fatalf("event log not created: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("malformed event line: %v", err)
		}
		events = append(events, e)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (hung + unknown): %+v", len(events), events)
	}
	for _, e := range events {
		if e.WorkerID == "healthy-worker" {
			t.Error("healthy check must not be logged")
		}
	}
}

func TestCheckAll(t *testing.T) {
	m := newTestMonitor(t)
	beatAge(t, m, "b-worker", 10*time.Second, 0)
	beatAge(t, m, "a-worker", 400*time.Second, 0)

	statuses, err := m.CheckAll()
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].WorkerID != "a-worker" || statuses[1].WorkerID != "b-worker" {
		t.Errorf("statuses not sorted by worker ID: %+v", statuses)
	}
	if statuses[0].State != StateDead || statuses[1].State != StateHealthy {
		t.Errorf("unexpected states: %+v", statuses)
	}
}

func TestCheckAllEmptyDir(t *testing.T) {
	m := newTestMonitor(t)
	statuses, err := m.CheckAll()
	if err != nil {
		t.Fatalf("CheckAll on missing dir failed: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %+v", statuses)
	}
}

func TestCleanup(t *testing.T) {
	m := newTestMonitor(t)
	beatAge(t, m, "old-worker", 0, 0)
	beatAge(t, m, "new-worker", 0, 0)

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(m.heartbeatPath("old-worker"), oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	purged, err := m.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, err := os.Stat(m.heartbeatPath("old-worker")); !os.IsNotExist(err) {
		t.Error("old record still exists")
	}
	if _, err := os.Stat(m.heartbeatPath("new-worker")); err != nil {
		t.Error("new record was purged")
	}
}
