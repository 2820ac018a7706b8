package model

import (
	"time"
)

// RunFilter defines the filter parameters for run listings.
// Zero values mean "no constraint".
type RunFilter struct {
	Pipeline  string      `json:"pipeline,omitempty"`
	Statuses  []RunStatus `json:"statuses,omitempty"`
	TimeRange *TimeRange  `json:"time_range,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// TimeRange bounds a filter by run start time.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}
