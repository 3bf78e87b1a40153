package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReportJobMessage points a worker at a persisted report job. The job row
// is the source of truth; the message only carries its id.
type ReportJobMessage struct {
	JobID     int64     `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewReportJobMessage(jobID int64) *ReportJobMessage {
	return &ReportJobMessage{
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func (m *ReportJobMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ReportJobMessageFromJSON decodes a message and rejects one without a
// job id.
func ReportJobMessageFromJSON(data []byte) (*ReportJobMessage, error) {
	var msg ReportJobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.JobID <= 0 {
		return nil, fmt.Errorf("message has no job id")
	}
	return &msg, nil
}
