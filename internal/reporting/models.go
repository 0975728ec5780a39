package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics.
// An empty ParticipantID aggregates across every participant (admin only).

type CallsSummaryRequest struct {
	ParticipantID string    `json:"participant_id,omitempty"`
	Range         TimeRange `json:"range"`
}

type CallsSummary struct {
	ParticipantID string    `json:"participant_id,omitempty"`
	Range         TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	VideoCalls     int `json:"video_calls"`
	AudioCalls     int `json:"audio_calls"`
	CompletedCalls int `json:"completed_calls"`
	DeclinedCalls  int `json:"declined_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
