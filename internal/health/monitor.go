// Package health supervises worker liveness through per-worker heartbeat
// records. Classification is a pure function of heartbeat age and process
// liveness at query time; no transition history is stored beyond the
// append-only event log.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State classifies a worker's liveness.
type State int

const (
	// StateUnknown means no heartbeat record exists or the record is
	// unreadable. Initial and terminal fallback state, never fatal.
	StateUnknown State = iota
	// StateHealthy means the heartbeat is younger than the hung threshold.
	StateHealthy
	// StateHung means the heartbeat age is between the hung and dead
	// thresholds.
	StateHung
	// StateDead means the heartbeat age exceeds the dead threshold, or
	// the worker's process is confirmed not running.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateHung:
		return "hung"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	// DefaultHeartbeatInterval is how often workers are expected to
	// rewrite their heartbeat record.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHungThreshold is the heartbeat age past which a worker is
	// considered hung.
	DefaultHungThreshold = 120 * time.Second
	// DefaultDeadThreshold is the heartbeat age past which a worker is
	// considered dead.
	DefaultDeadThreshold = 300 * time.Second
)

// Heartbeat is the per-worker liveness record, rewritten atomically on
// every beat and read by the monitor and the dashboard layer.
type Heartbeat struct {
	Timestamp     time.Time         `json:"timestamp"`
	WorkerID      string            `json:"worker_id"`
	TaskID        string            `json:"task_id"`
	PID           int               `json:"pid,omitempty"`
	Iteration     int               `json:"iteration"`
	MemoryBytes   uint64            `json:"memory_bytes"`
	ExternalCalls int               `json:"external_calls"`
	Context       map[string]string `json:"context,omitempty"`
}

// Status is the result of one liveness check.
type Status struct {
	WorkerID  string
	State     State
	Age       time.Duration
	Heartbeat *Heartbeat // nil when the record is missing or unreadable
}

// Event is one entry in the append-only health-event log, written for
// every non-healthy classification.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	WorkerID   string    `json:"worker_id"`
	State      string    `json:"state"`
	AgeSeconds float64   `json:"age_seconds"`
	TaskID     string    `json:"task_id,omitempty"`
	Iteration  int       `json:"iteration,omitempty"`
}

// ProbeFunc reports whether the process with the given pid is running.
// A nil probe disables the process check and classification falls back to
// the age thresholds alone.
type ProbeFunc func(pid int) bool

// Config configures the monitor.
type Config struct {
	Dir           string        // Directory holding one heartbeat file per worker
	EventLogPath  string        // Append-only JSONL health-event log
	HungThreshold time.Duration // Default 120s
	DeadThreshold time.Duration // Default 300s
}

// Monitor reads heartbeat records and classifies worker liveness.
type Monitor struct {
	config Config
	log    *zap.Logger
	probe  ProbeFunc
	now    func() time.Time

	eventMu sync.Mutex // Serializes event-log appends
}

// NewMonitor creates a monitor with the default process probe.
func NewMonitor(cfg Config, log *zap.Logger) *Monitor {
	if cfg.HungThreshold <= 0 {
		cfg.HungThreshold = DefaultHungThreshold
	}
	if cfg.DeadThreshold <= 0 {
		cfg.DeadThreshold = DefaultDeadThreshold
	}
	return &Monitor{
		config: cfg,
		log:    log,
		probe:  processAlive,
		now:    time.Now,
	}
}

// processAlive checks pid liveness with a null signal. EPERM means the
// process exists but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func (m *Monitor) heartbeatPath(workerID string) string {
	return filepath.Join(m.config.Dir, workerID+".json")
}

// WriteHeartbeat persists a heartbeat record atomically (write to a temp
// file, then rename) so a concurrent reader never observes a partial
// record. The timestamp is set to now if unset.
func (m *Monitor) WriteHeartbeat(hb Heartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("heartbeat missing worker ID")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = m.now()
	}

	if err := os.MkdirAll(m.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create heartbeat dir: %w", err)
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	path := m.heartbeatPath(hb.WorkerID)
	tmp, err := os.CreateTemp(m.config.Dir, hb.WorkerID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp heartbeat: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close heartbeat: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}

	return nil
}

// Remove deletes the worker's heartbeat record, called when the worker
// is destroyed so later checks stop classifying a finished process as
// dead. Removing an absent record is not an error.
func (m *Monitor) Remove(workerID string) error {
	err := os.Remove(m.heartbeatPath(workerID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove heartbeat record: %w", err)
	}
	return nil
}

// Check reads the latest heartbeat for the worker and classifies its
// state. A missing or malformed record degrades to StateUnknown. Any
// non-healthy result is appended to the health-event log.
func (m *Monitor) Check(workerID string) Status {
	status := m.classify(workerID)
	if status.State != StateHealthy {
		m.appendEvent(status)
	}
	return status
}

func (m *Monitor) classify(workerID string) Status {
	data, err := os.ReadFile(m.heartbeatPath(workerID))
	if err != nil {
		return Status{WorkerID: workerID, State: StateUnknown}
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		m.log.Warn("malformed heartbeat record",
			zap.String("worker", workerID),
			zap.Error(err))
		return Status{WorkerID: workerID, State: StateUnknown}
	}

	age := m.now().Sub(hb.Timestamp)
	status := Status{WorkerID: workerID, Age: age, Heartbeat: &hb}

	// A known pid confirmed not running is dead regardless of age. When
	// the probe is unavailable, fall back to the age thresholds alone.
	if hb.PID > 0 && m.probe != nil && !m.probe(hb.PID) {
		status.State = StateDead
		return status
	}

	switch {
	case age >= m.config.DeadThreshold:
		status.State = StateDead
	case age >= m.config.HungThreshold:
		status.State = StateHung
	default:
		status.State = StateHealthy
	}
	return status
}

// CheckAll classifies every worker with a heartbeat record, sorted by
// worker ID.
func (m *Monitor) CheckAll() ([]Status, error) {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read heartbeat dir: %w", err)
	}

	var statuses []Status
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		workerID := strings.TrimSuffix(name, ".json")
		statuses = append(statuses, m.Check(workerID))
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].WorkerID < statuses[j].WorkerID
	})
	return statuses, nil
}

// Cleanup removes heartbeat records older than maxAge regardless of
// state, for workers long gone. Returns the number of records purged.
func (m *Monitor) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read heartbeat dir: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	purged := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.config.Dir, entry.Name())); err != nil {
			m.log.Warn("failed to purge heartbeat record",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		purged++
	}
	return purged, nil
}

// appendEvent writes one record to the append-only health-event log.
func (m *Monitor) appendEvent(status Status) {
	if m.config.EventLogPath == "" {
		return
	}

	event := Event{
		Timestamp:  m.now(),
		WorkerID:   status.WorkerID,
		State:      status.State.String(),
		AgeSeconds: status.Age.Seconds(),
	}
	if status.Heartbeat != nil {
		event.TaskID = status.Heartbeat.TaskID
		event.Iteration = status.Heartbeat.Iteration
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	f, err := os.OpenFile(m.config.EventLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		m.log.Warn("failed to open health-event log", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		m.log.Warn("failed to append health event", zap.Error(err))
	}
}
