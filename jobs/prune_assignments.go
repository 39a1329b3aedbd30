package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// AssignmentPruner deletes stale user-role assignments.
type AssignmentPruner interface {
	PruneAssignments(ctx context.Context, retention time.Duration) (int64, error)
}

// JobRecorder counts job outcomes.
type JobRecorder interface {
	RecordJob(task string, err error)
}

// PruneAssignmentsJob removes assignments that are inactive or expired for
// longer than the retention window. Resolution already ignores them; this is
// housekeeping only.
type PruneAssignmentsJob struct {
	Pruner           AssignmentPruner
	Logger           *slog.Logger
	Metrics          JobRecorder
	DefaultRetention time.Duration
}

// NewPruneAssignmentsJob initialises the prune handler.
func NewPruneAssignmentsJob(pruner AssignmentPruner, logger *slog.Logger, metrics JobRecorder, retention time.Duration) *PruneAssignmentsJob {
	return &PruneAssignmentsJob{Pruner: pruner, Logger: logger, Metrics: metrics, DefaultRetention: retention}
}

// Handle executes one prune run.
func (j *PruneAssignmentsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Pruner == nil {
		return errors.New("prune assignments: handler not configured")
	}
	defer func() {
		if j.Metrics != nil {
			j.Metrics.RecordJob(TaskPruneAssignments, err)
		}
	}()

	var payload PruneAssignmentsPayload
	if len(t.Payload()) > 0 {
		if uerr := json.Unmarshal(t.Payload(), &payload); uerr != nil {
			return fmt.Errorf("prune assignments: decode payload: %v: %w", uerr, asynq.SkipRetry)
		}
	}
	retention := payload.Retention()
	if retention <= 0 {
		retention = j.DefaultRetention
	}
	if retention <= 0 {
		return fmt.Errorf("prune assignments: retention must be positive: %w", asynq.SkipRetry)
	}

	start := time.Now()
	removed, err := j.Pruner.PruneAssignments(ctx, retention)
	if err != nil {
		return fmt.Errorf("prune assignments: %w", err)
	}
	j.logger().Info("assignments pruned",
		slog.String("job", TaskPruneAssignments),
		slog.Int64("removed", removed),
		slog.Duration("retention", retention),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (j *PruneAssignmentsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
