package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/finsight/internal/analytics"
	"github.com/smallbiznis/finsight/internal/period"
)

type State string

const (
	StatePending   State = "PENDING"
	StateRetrying  State = "RETRYING"
	StateDelivered State = "DELIVERED"
	StateAbandoned State = "ABANDONED"
	// StateDiscarded marks a delivered job whose cursor commit lost the race
	// to another worker. The report went out; the cursor belongs to the winner.
	StateDiscarded State = "DISCARDED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateAbandoned, StateDiscarded:
		return true
	}
	return false
}

// Job is one report window handed to a Sink.
type Job struct {
	ID          snowflake.ID
	UserID      snowflake.ID
	Frequency   period.Frequency
	Window      period.Window
	Snapshot    analytics.Snapshot
	Fingerprint string
	Attempts    int
	State       State
	LastError   string
	CreatedAt   time.Time
}

// NewJob builds a pending job for snapshot.
func NewJob(id snowflake.ID, snapshot analytics.Snapshot, createdAt time.Time) (*Job, error) {
	fingerprint, err := snapshot.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("fingerprint snapshot: %w", err)
	}
	return &Job{
		ID:          id,
		UserID:      snapshot.UserID,
		Frequency:   snapshot.Frequency,
		Window:      snapshot.Window,
		Snapshot:    snapshot,
		Fingerprint: fingerprint,
		State:       StatePending,
		CreatedAt:   createdAt,
	}, nil
}

// IdempotencyKey identifies the user window independently of the job id, so a
// consumer can drop a re-dispatch of the same window.
func (j *Job) IdempotencyKey() string {
	return IdempotencyKey(j.UserID, j.Window)
}

func IdempotencyKey(userID snowflake.ID, window period.Window) string {
	return fmt.Sprintf("%d:%d:%d", int64(userID), window.Start.Unix(), window.End.Unix())
}

// Sink delivers a job to the rendering/notification side. Implementations
// mark errors with Permanent or Transient; unmarked errors are retried.
type Sink interface {
	Deliver(ctx context.Context, job *Job) error
}

// Journal keeps the terminal state of every job.
type Journal interface {
	Record(ctx context.Context, job *Job) error
}

// RetryPolicy bounds the delivery attempts of one job.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	AttemptTimeout  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		AttemptTimeout:  30 * time.Second,
	}
}

func (p RetryPolicy) WithDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaults.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaults.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = defaults.AttemptTimeout
	}
	return p
}
