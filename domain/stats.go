package domain

import "time"

// Stats summarises completed work over a trailing window.
type Stats struct {
	CompletedTasks     int     `json:"completedTasks"`
	TotalActualSeconds int64   `json:"totalActualSeconds"`
	AverageScore       float64 `json:"averageScore"`
}

// Summarize computes completion statistics over tasks whose completion date
// falls within the trailing window ending at now. Only tasks sitting in the
// done column with a completion date are counted.
func Summarize(tasks []Task, window time.Duration, now time.Time) Stats {
	cutoff := now.Add(-window)
	var st Stats
	scored := 0
	totalScore := 0
	for _, t := range tasks {
		if t.ColumnID != ColumnDone || t.CompletionDate == nil {
			continue
		}
		if t.CompletionDate.Before(cutoff) {
			continue
		}
		st.CompletedTasks++
		st.TotalActualSeconds += t.ActualTimeSeconds
		if t.Score > 0 {
			totalScore += t.Score
			scored++
		}
	}
	if scored > 0 {
		st.AverageScore = float64(totalScore) / float64(scored)
	}
	return st
}
