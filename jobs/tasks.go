package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPruneAssignments purges role assignments that lapsed long ago.
	TaskPruneAssignments = "rbac:assignments_prune"
)

// PruneAssignmentsPayload configures one prune run. Zero retention means the
// job default.
type PruneAssignmentsPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// Retention converts the payload into a duration.
func (p PruneAssignmentsPayload) Retention() time.Duration {
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewPruneAssignmentsTask constructs an Asynq task.
func NewPruneAssignmentsTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(PruneAssignmentsPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPruneAssignments, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
