// Package batch defines the core types shared by the republishing subsystems.
package batch

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by state stores when a batch record does not exist.
var ErrNotFound = errors.New("batch not found")

// Status represents the lifecycle state of a batch.
type Status string

// Batch status values persisted in the state store.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDeleted    Status = "deleted"
)

// Terminal reports whether no further pipeline mutation is expected for s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled, StatusDeleted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving a batch from one status to another is allowed.
//
//	queued -> processing -> done
//	queued|processing -> cancelled
//	queued|processing -> failed
//	done|failed|cancelled -> deleted
//
// Same-status writes are always allowed so repeated requests stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch to {
	case StatusProcessing:
		return from == StatusQueued
	case StatusDone:
		return from == StatusProcessing
	case StatusCancelled, StatusFailed:
		return from == StatusQueued || from == StatusProcessing
	case StatusDeleted:
		return from.Terminal()
	default:
		return false
	}
}

// Mode selects how URLs are located inside a workbook.
type Mode string

// Supported extraction modes.
const (
	ModeA     Mode = "A"
	ModeTable Mode = "table"
)

// NormalizeMode maps a free-form selector to a Mode. Anything starting with "a"
// (case-insensitive) is ModeA; everything else is ModeTable.
func NormalizeMode(raw string) Mode {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "a") {
		return ModeA
	}
	return ModeTable
}

// Batch is the record kept for each submitted workbook.
type Batch struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	Processed        int       `json:"processed"`
	Total            int       `json:"total"`
	CreatedAt        time.Time `json:"created_at"`
	OriginalFilename string    `json:"original_filename"`
	Mode             Mode      `json:"mode"`
	Deleted          bool      `json:"deleted"`
	ResultReady      bool      `json:"result_zip"`
}

// Fields is a partial update; nil members are left untouched.
type Fields struct {
	Status      *Status
	Processed   *int
	Total       *int
	Deleted     *bool
	ResultReady *bool
}

// WithStatus returns a Fields update for the status only.
func WithStatus(s Status) Fields {
	return Fields{Status: &s}
}

// Empty reports whether the update carries no fields.
func (f Fields) Empty() bool {
	return f.Status == nil && f.Processed == nil && f.Total == nil && f.Deleted == nil && f.ResultReady == nil
}

// Apply merges f into b and returns the result.
func (f Fields) Apply(b Batch) Batch {
	if f.Status != nil {
		b.Status = *f.Status
	}
	if f.Processed != nil {
		b.Processed = *f.Processed
	}
	if f.Total != nil {
		b.Total = *f.Total
	}
	if f.Deleted != nil {
		b.Deleted = *f.Deleted
	}
	if f.ResultReady != nil {
		b.ResultReady = *f.ResultReady
	}
	return b
}

// CellRef locates one cell inside a workbook grid. Row and Column are 1-based.
type CellRef struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// Target is one URL discovered in a workbook.
type Target struct {
	Cell CellRef
	URL  string
}

// CellError records a per-cell failure from the fetch pipeline.
type CellError struct {
	Cell  CellRef `json:"cell"`
	URL   string  `json:"url"`
	Error string  `json:"error"`
}

// Meta is the small per-batch metadata document kept next to the input workbook.
type Meta struct {
	Mode Mode `json:"mode"`
}
