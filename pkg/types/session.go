package types

import (
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of a SyncSession.
type SessionStatus string

// Session states. Completed and Failed are terminal.
const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Resync triggers.
const (
	TriggerStartup = "startup"
	TriggerManual  = "manual"
	TriggerCLI     = "cli"
)

// Resync errors.
var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrTableResyncFailed = errors.New("table resync failed")
	ErrResyncerClosed    = errors.New("resyncer closed")
)

// TableProgress tracks one table within a SyncSession.
type TableProgress struct {
	Table       string `json:"table"`
	RowsFetched int64  `json:"rows_fetched"`

	// RowsTotal is the remote row count, or -1 when unknown.
	RowsTotal int64  `json:"rows_total"`
	Done      bool   `json:"done"`
	Failed    bool   `json:"failed"`
	Err       string `json:"error,omitempty"`
}

// SyncSession describes one full-resync run. Sessions handed out by the
// resyncer are snapshots; mutating them has no effect on the run.
type SyncSession struct {
	ID         string          `json:"id"`
	Trigger    string          `json:"trigger"`
	Status     SessionStatus   `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Tables     []TableProgress `json:"tables"`
}

// IsTerminal reports whether the session has finished.
func (s *SyncSession) IsTerminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// Table returns the progress entry for name.
func (s *SyncSession) Table(name string) (TableProgress, bool) {
	for _, tp := range s.Tables {
		if tp.Table == name {
			return tp, true
		}
	}
	return TableProgress{}, false
}

// FailedTables returns the names of the tables that exhausted retries.
func (s *SyncSession) FailedTables() []string {
	var out []string
	for _, tp := range s.Tables {
		if tp.Failed {
			out = append(out, tp.Table)
		}
	}
	return out
}

// Progress returns completion in [0,1]. When every table total is known it
// is rows fetched over rows total; otherwise it is the fraction of tables
// finished. Failed tables count as finished.
func (s *SyncSession) Progress() float64 {
	if len(s.Tables) == 0 {
		if s.IsTerminal() {
			return 1
		}
		return 0
	}
	if s.Status == SessionCompleted {
		return 1
	}

	var fetched, total int64
	allKnown := true
	finished := 0
	for _, tp := range s.Tables {
		if tp.Done || tp.Failed {
			finished++
		}
		if tp.RowsTotal < 0 {
			allKnown = false
			continue
		}
		total += tp.RowsTotal
		if tp.Done {
			fetched += tp.RowsTotal
		} else {
			fetched += min(tp.RowsFetched, tp.RowsTotal)
		}
	}
	if allKnown && total > 0 {
		return float64(fetched) / float64(total)
	}
	return float64(finished) / float64(len(s.Tables))
}

// Clone returns a deep copy of the session.
func (s *SyncSession) Clone() *SyncSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Tables = append([]TableProgress(nil), s.Tables...)
	return &c
}
