package broadcast

import (
	"math"
	"time"
)

// Progress is the read-only view handed to pollers.
type Progress struct {
	Job
	Rate                      float64 `json:"rate"`
	EstimatedSecondsRemaining float64 `json:"eta_seconds"` // -1 when unknown
	PercentComplete           float64 `json:"percent"`
}

func NewProgress(j Job, now time.Time) Progress {
	p := Progress{Job: j, EstimatedSecondsRemaining: -1}

	end := now
	if j.Status.Terminal() && !j.FinishedAt.IsZero() {
		end = j.FinishedAt
	}
	if !j.StartedAt.IsZero() {
		if elapsed := end.Sub(j.StartedAt).Seconds(); elapsed > 0 {
			p.Rate = float64(j.Sent) / elapsed
		}
	}

	remaining := max(0, j.Total-j.Sent-j.Failed)
	switch {
	case j.Status.Terminal() || remaining == 0:
		p.EstimatedSecondsRemaining = 0
	case p.Rate > 0:
		p.EstimatedSecondsRemaining = math.Round(float64(remaining)/p.Rate*10) / 10
	}

	if j.Total > 0 {
		p.PercentComplete = math.Round(float64(j.Sent+j.Failed)/float64(j.Total)*1000) / 10
	} else if j.Status == StatusCompleted {
		p.PercentComplete = 100
	}
	return p
}
