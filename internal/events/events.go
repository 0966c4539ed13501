// Package events carries per-job lifecycle notifications from the workers to
// the realtime gateway. Delivery is best effort everywhere: a slow or absent
// subscriber never blocks or fails the publisher.
package events

import (
	"context"
	"time"

	"github.com/deepbin/backend/internal/models"
)

// Kind classifies lifecycle events.
type Kind string

const (
	KindProcessing Kind = "job:processing"
	KindProgress   Kind = "job:progress"
	KindCompleted  Kind = "job:completed"
	KindFailed     Kind = "job:failed"
)

// Event is one lifecycle notification. Every event lands on two channels:
// job:<jobId> for pollers of a single job and user:<owner> for dashboards.
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	JobID     string                 `json:"jobId"`
	Owner     string                 `json:"owner"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Channels returns the fanout targets for the event.
func (e *Event) Channels() []string {
	return []string{ChannelJob(e.JobID), ChannelUser(e.Owner)}
}

func ChannelJob(jobID string) string { return "job:" + jobID }
func ChannelUser(owner string) string { return "user:" + owner }

// Emitter publishes lifecycle events. Implementations must not block the
// caller and must swallow delivery failures.
type Emitter interface {
	Emit(ctx context.Context, event *Event)
	Close() error
}

func newEvent(kind Kind, jobID, owner string, data map[string]interface{}) *Event {
	return &Event{
		ID:        models.NewID(),
		Kind:      kind,
		JobID:     jobID,
		Owner:     owner,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Processing marks the start of an attempt.
func Processing(jobID, owner string) *Event {
	return newEvent(KindProcessing, jobID, owner, map[string]interface{}{
		"progress": 10,
	})
}

// Progress carries a 0..100 step.
func Progress(jobID, owner string, progress int) *Event {
	return newEvent(KindProgress, jobID, owner, map[string]interface{}{
		"progress": progress,
	})
}

// Completed carries the results and the charge.
func Completed(jobID, owner string, results *models.Result, creditsCharged int) *Event {
	return newEvent(KindCompleted, jobID, owner, map[string]interface{}{
		"results":        results,
		"creditsCharged": creditsCharged,
	})
}

// Failed carries the structured job error.
func Failed(jobID, owner string, jobErr *models.JobError) *Event {
	return newEvent(KindFailed, jobID, owner, map[string]interface{}{
		"error": jobErr,
	})
}
