// Package retry decides whether a failed task attempt is worth
// resubmitting, and with what backoff. Every decision, granted or denied,
// is appended to a durable audit log.
package retry

import (
	"encoding/json"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FailureType categorizes why a task attempt failed.
type FailureType string

const (
	FailureExternalCall       FailureType = "external_call_error"
	FailureTimeout            FailureType = "timeout"
	FailureResourceExhaustion FailureType = "resource_exhaustion"
	FailureCoordinator        FailureType = "coordinator_error"
	FailureLogicError         FailureType = "logic_error"
	FailureQualityGate        FailureType = "quality_gate_failure"
	FailureUnknown            FailureType = "unknown"
)

// Denial reasons surfaced in decisions and the audit log.
const (
	ReasonMaxRetries = "maximum retries exceeded"
	ReasonManual     = "requires manual intervention"
)

// neverRetry lists the categories implying a defect that needs human or
// agent correction; retrying these wastes attempts. Every other category,
// including unclassified failures, is treated as transient.
var neverRetry = map[FailureType]bool{
	FailureLogicError:  true,
	FailureQualityGate: true,
}

// Eligible reports whether the failure category is retryable at all.
func Eligible(failure FailureType) bool {
	return !neverRetry[failure]
}

// Config configures the handler.
type Config struct {
	MaxRetries   int           // Attempt ceiling (default 3)
	BaseBackoff  time.Duration // First-retry delay (default 60s)
	Multiplier   float64       // Exponential growth factor (default 2.0)
	AuditLogPath string        // Append-only JSONL decision log
}

// Decision is the outcome of one ShouldRetry call.
type Decision struct {
	Retry   bool
	Backoff time.Duration // Delay before the next attempt, zero when denied
	Reason  string        // Denial reason, empty when granted
}

// Record is one entry in the audit log.
type Record struct {
	Timestamp   time.Time   `json:"timestamp"`
	TaskID      string      `json:"task_id"`
	FailureType FailureType `json:"failure_type"`
	Attempt     int         `json:"attempt"`
	Granted     bool        `json:"granted"`
	BackoffSecs float64     `json:"backoff_seconds,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Stats aggregates audit records for observers.
type Stats struct {
	Granted   int
	Denied    int
	PerTask   map[string]int      // Decisions per task
	PerType   map[FailureType]int // Decisions per failure category
}

// Handler classifies failures and computes backoff/retry decisions.
// The per-task attempt counter is in-memory state, incremented only on
// granted retries and reset on the task's next independent success.
type Handler struct {
	config Config
	log    *zap.Logger

	mu       sync.Mutex
	attempts map[string]int
	stats    Stats
}

// NewHandler creates a handler, applying defaults for unset fields.
func NewHandler(cfg Config, log *zap.Logger) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 60 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &Handler{
		config:   cfg,
		log:      log,
		attempts: make(map[string]int),
		stats: Stats{
			PerTask: make(map[string]int),
			PerType: make(map[FailureType]int),
		},
	}
}

// BackoffFor computes the delay before retrying the given attempt:
// baseBackoff × multiplier^attempt (60s, 120s, 240s, … with defaults).
func (h *Handler) BackoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	scaled := float64(h.config.BaseBackoff) * math.Pow(h.config.Multiplier, float64(attempt))
	return time.Duration(scaled)
}

// ShouldRetry decides whether the task's failed attempt should be
// resubmitted. Denials never increment the attempt counter; grants do.
func (h *Handler) ShouldRetry(taskID string, failure FailureType, attempt int) Decision {
	h.mu.Lock()
	defer h.mu.Unlock()

	var decision Decision
	switch {
	case attempt >= h.config.MaxRetries:
		decision = Decision{Reason: ReasonMaxRetries}
	case !Eligible(failure):
		decision = Decision{Reason: ReasonManual}
	default:
		decision = Decision{Retry: true, Backoff: h.BackoffFor(attempt)}
		h.attempts[taskID]++
	}

	h.record(taskID, failure, attempt, decision)

	if decision.Retry {
		h.log.Info("retry granted",
			zap.String("task", taskID),
			zap.String("failure", string(failure)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", decision.Backoff))
	} else {
		h.log.Warn("retry denied",
			zap.String("task", taskID),
			zap.String("failure", string(failure)),
			zap.Int("attempt", attempt),
			zap.String("reason", decision.Reason))
	}

	return decision
}

// RecordNoRetry logs a denial decided elsewhere, without touching the
// attempt counter.
func (h *Handler) RecordNoRetry(taskID string, failure FailureType, attempt int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(taskID, failure, attempt, Decision{Reason: reason})
}

// ResetRetryCount clears the task's attempt counter, called after any
// subsequent independent success for that task.
func (h *Handler) ResetRetryCount(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, taskID)
}

// Attempts returns the task's current in-memory attempt count.
func (h *Handler) Attempts(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[taskID]
}

// GetStats returns a copy of the accumulated decision statistics.
func (h *Handler) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := Stats{
		Granted: h.stats.Granted,
		Denied:  h.stats.Denied,
		PerTask: make(map[string]int, len(h.stats.PerTask)),
		PerType: make(map[FailureType]int, len(h.stats.PerType)),
	}
	for k, v := range h.stats.PerTask {
		out.PerTask[k] = v
	}
	for k, v := range h.stats.PerType {
		out.PerType[k] = v
	}
	return out
}

// record updates in-memory stats and appends the decision to the audit
// log. Callers hold h.mu.
func (h *Handler) record(taskID string, failure FailureType, attempt int, decision Decision) {
	if decision.Retry {
		h.stats.Granted++
	} else {
		h.stats.Denied++
	}
	h.stats.PerTask[taskID]++
	h.stats.PerType[failure]++

	if h.config.AuditLogPath == "" {
		return
	}

	rec := Record{
		Timestamp:   time.Now(),
		TaskID:      taskID,
		FailureType: failure,
		Attempt:     attempt,
		Granted:     decision.Retry,
		BackoffSecs: decision.Backoff.Seconds(),
		Reason:      decision.Reason,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	f, err := os.OpenFile(h.config.AuditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		h.log.Warn("failed to open retry audit log", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		h.log.Warn("failed to append retry audit record", zap.Error(err))
	}
}

// ClassifyError maps an attempt error to a failure category using simple
// signals from the agent layer. Unknown errors stay retry-eligible.
func ClassifyError(err error) FailureType {
	if err == nil {
		return FailureUnknown
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "deadline exceeded", "timed out", "timeout"):
		return FailureTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host", "circuit breaker"):
		return FailureExternalCall
	case containsAny(msg, "no space left", "cannot allocate", "resource temporarily unavailable"):
		return FailureResourceExhaustion
	default:
		return FailureUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
