package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskCacheReport = "sw:cache_report"

// QueueReports is the asynq queue report tasks run on
const QueueReports = "reports"

type CacheReportPayload struct {
	Prefix      string `json:"prefix"`
	ClientID    string `json:"client_id,omitempty"`
	RequestedAt int64  `json:"requested_at,omitempty"`
}

// NewCacheReportTask builds a report task for the generations under prefix
func NewCacheReportTask(p CacheReportPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheReport, payload,
		asynq.Queue(QueueReports),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
	), nil
}
