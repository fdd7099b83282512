package types

// Phase is the process-wide sync lifecycle state.
type Phase string

// Sync phases.
const (
	PhaseUninitialized    Phase = "uninitialized"
	PhaseResyncing        Phase = "resyncing"
	PhaseIdleConnected    Phase = "idle_connected"
	PhaseIdleDisconnected Phase = "idle_disconnected"
)

// Status is the aggregated view rendered by sync indicators.
type Status struct {
	Phase               Phase           `json:"phase"`
	IsSyncing           bool            `json:"is_syncing"`
	Progress            float64         `json:"progress"`
	IsRealtimeConnected bool            `json:"is_realtime_connected"`
	CacheStats          map[string]int  `json:"cache_stats"`
	Session             *SyncSession    `json:"session,omitempty"`
	LastSession         *SyncSession    `json:"last_session,omitempty"`
	Connection          ConnectionState `json:"connection"`
}
