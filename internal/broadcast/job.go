package broadcast

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/storage"
)

// Job is one broadcast run. Filter, Content and Total are fixed once the job
// leaves idle; only the dispatcher mutates the counters and Cursor.
type Job struct {
	ID          string    `json:"job_id"`
	Status      Status    `json:"status"`
	Filter      Filter    `json:"filter"`
	Content     Content   `json:"-"`
	Total       int       `json:"total"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Deactivated int       `json:"deactivated"`
	Cursor      int       `json:"cursor"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

type jobSpec struct {
	Filter  Filter  `json:"filter"`
	Content Content `json:"content"`
}

func (j *Job) start(now time.Time) error {
	if j.Status != StatusIdle {
		return errors.Newf("job %s: cannot start from %s", j.ID, j.Status)
	}
	j.Status = StatusRunning
	j.StartedAt = now
	j.UpdatedAt = now
	return nil
}

func (j *Job) complete(now time.Time) { j.finish(StatusCompleted, now, "") }

func (j *Job) cancel(now time.Time) { j.finish(StatusCancelled, now, "") }

func (j *Job) fail(now time.Time, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	j.finish(StatusFailed, now, msg)
}

// finish moves a running job to a terminal state. Terminal jobs never change.
func (j *Job) finish(st Status, now time.Time, msg string) {
	if j.Status.Terminal() {
		return
	}
	j.Status = st
	j.Error = msg
	j.UpdatedAt = now
	j.FinishedAt = now
}

func (j *Job) record() (storage.JobRecord, error) {
	spec, err := json.Marshal(jobSpec{Filter: j.Filter, Content: j.Content})
	if err != nil {
		return storage.JobRecord{}, errors.Wrap(err, "encode job spec")
	}
	return storage.JobRecord{
		ID:          j.ID,
		Status:      string(j.Status),
		Spec:        spec,
		Total:       j.Total,
		Sent:        j.Sent,
		Failed:      j.Failed,
		Deactivated: j.Deactivated,
		Cursor:      j.Cursor,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		UpdatedAt:   j.UpdatedAt,
		FinishedAt:  j.FinishedAt,
	}, nil
}

func jobFromRecord(rec storage.JobRecord) (*Job, error) {
	var spec jobSpec
	if len(rec.Spec) > 0 {
		if err := json.Unmarshal(rec.Spec, &spec); err != nil {
			return nil, errors.Wrapf(err, "decode spec of job %s", rec.ID)
		}
	}
	return &Job{
		ID:          rec.ID,
		Status:      Status(rec.Status),
		Filter:      spec.Filter,
		Content:     spec.Content,
		Total:       rec.Total,
		Sent:        rec.Sent,
		Failed:      rec.Failed,
		Deactivated: rec.Deactivated,
		Cursor:      rec.Cursor,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		UpdatedAt:   rec.UpdatedAt,
		FinishedAt:  rec.FinishedAt,
	}, nil
}
