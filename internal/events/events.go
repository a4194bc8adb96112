// Package events delivers run outcomes and root suspensions to whoever
// is listening: the log, WebSocket subscribers, or both.
package events

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/davsync/internal/models"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindRunCompleted  Kind = "run_completed"
	KindRootSuspended Kind = "root_suspended"
)

// Event is one notification. Summary is set for run completions, Reason
// for suspensions, Error when a run aborted.
type Event struct {
	Kind       Kind            `json:"kind"`
	RootID     uint64          `json:"root_id"`
	RemotePath string          `json:"remote_path"`
	Summary    *models.Summary `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Time       time.Time       `json:"time"`
}

// Notifier is informed when a run finishes and when a root gets
// suspended. Implementations must not block the caller for long.
type Notifier interface {
	RunCompleted(root models.SyncRoot, summary models.Summary, err error)
	RootSuspended(root models.SyncRoot, reason string)
}

func runCompleted(root models.SyncRoot, summary models.Summary, err error) Event {
	e := Event{
		Kind:       KindRunCompleted,
		RootID:     root.ID,
		RemotePath: root.RemotePath,
		Summary:    &summary,
		Time:       time.Now().UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}

	return e
}

func rootSuspended(root models.SyncRoot, reason string) Event {
	return Event{
		Kind:       KindRootSuspended,
		RootID:     root.ID,
		RemotePath: root.RemotePath,
		Reason:     reason,
		Time:       time.Now().UTC(),
	}
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs through logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// RunCompleted logs the run summary, at error level when the run aborted.
func (n *LogNotifier) RunCompleted(root models.SyncRoot, summary models.Summary, err error) {
	attrs := []any{
		slog.Uint64("root_id", root.ID),
		slog.String("root", root.RemotePath),
		slog.Int("changes", summary.Changes),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int("errors", summary.Errors),
	}

	if err != nil {
		n.logger.Error("sync run failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}

	if summary.IsZero() {
		n.logger.Debug("sync run completed", attrs...)
		return
	}

	n.logger.Info("sync run completed", attrs...)
}

// RootSuspended logs a suspension warning.
func (n *LogNotifier) RootSuspended(root models.SyncRoot, reason string) {
	n.logger.Warn("sync root suspended",
		slog.Uint64("root_id", root.ID),
		slog.String("root", root.RemotePath),
		slog.String("reason", reason),
	)
}

// Fanout forwards every notification to each of its notifiers in order.
type Fanout []Notifier

// RunCompleted forwards to every notifier.
func (f Fanout) RunCompleted(root models.SyncRoot, summary models.Summary, err error) {
	for _, n := range f {
		n.RunCompleted(root, summary, err)
	}
}

// RootSuspended forwards to every notifier.
func (f Fanout) RootSuspended(root models.SyncRoot, reason string) {
	for _, n := range f {
		n.RootSuspended(root, reason)
	}
}
