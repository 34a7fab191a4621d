package types

import "time"

// Record is one captured command execution as delivered by the capture
// integration, one JSON object per line of the capture log.
type Record struct {
	Timestamp  string `json:"timestamp"`
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	Output     string `json:"output"`
	ExitCode   int    `json:"exit_code"`
	SessionID  string `json:"session_id"`
}

// Event is a processed command execution. Immutable once persisted.
type Event struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Timestamp        time.Time `json:"timestamp"`
	Command          string    `json:"command"`
	CanonicalCommand string    `json:"canonical_command"`
	WorkingDir       string    `json:"working_dir"`
	Output           string    `json:"output,omitempty"`
	CanonicalOutput  string    `json:"canonical_output,omitempty"`
	ExitCode         int       `json:"exit_code"`
	Fingerprint      string    `json:"fingerprint"`
	Novelty          float64   `json:"novelty"`
	Duplicate        bool      `json:"duplicate"`
	Category         string    `json:"category,omitempty"`
}

// FactType classifies a piece of extracted knowledge.
type FactType string

const (
	FactHost          FactType = "host"
	FactPort          FactType = "port"
	FactNetwork       FactType = "network"
	FactService       FactType = "service"
	FactVulnerability FactType = "vulnerability"
	FactWebPath       FactType = "web_path"
	FactCredential    FactType = "credential"
	FactTool          FactType = "tool"
)

// FactTypes lists all fact types in extraction order.
var FactTypes = []FactType{
	FactHost, FactPort, FactNetwork, FactService,
	FactVulnerability, FactWebPath, FactCredential, FactTool,
}

// Fact is a deduplicated piece of extracted knowledge. (type, value) is
// unique; re-extraction bumps Occurrences and LastSeen.
type Fact struct {
	ID          string    `json:"id"`
	Type        FactType  `json:"type"`
	Value       string    `json:"value"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Occurrences int64     `json:"occurrences"`
}

// Priority ranks a recommendation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// RecommendationScope is either the whole session or a single fact.
type RecommendationScope string

const (
	ScopeGlobal RecommendationScope = "global"
	ScopeEntity RecommendationScope = "entity"
)

// Recommendation is advice surfaced to the operator, produced either by
// a rule (Source = rule name) or by the external advisor (Source = "advisor").
// Append-only: newer recommendations supersede without deleting.
type Recommendation struct {
	ID        string              `json:"id"`
	Scope     RecommendationScope `json:"scope"`
	FactID    string              `json:"fact_id,omitempty"`
	Source    string              `json:"source"`
	Priority  Priority            `json:"priority"`
	Text      string              `json:"text"`
	SessionID string              `json:"session_id"`
	CreatedAt time.Time           `json:"created_at"`
}

// SessionSummary describes one capture session for listing.
type SessionSummary struct {
	ID         string    `json:"id"`
	EventCount int64     `json:"event_count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// EventQuery filters stored events.
type EventQuery struct {
	SessionID string
	Limit     int
	Offset    int
	Asc       bool
}

// FactQuery filters stored facts.
type FactQuery struct {
	Type  FactType
	Limit int
}

// RecommendationQuery filters stored recommendations. Results are always
// most-recent-first.
type RecommendationQuery struct {
	SessionID string
	FactID    string
	Limit     int
}

// Status is the engine snapshot exposed on the API.
type Status struct {
	Running         bool             `json:"running"`
	Sessions        int              `json:"sessions"`
	EventsProcessed uint64           `json:"events_processed"`
	FactCounts      map[string]int64 `json:"fact_counts"`
	Dispatches      uint64           `json:"dispatches"`
	AdvisorFailures uint64           `json:"advisor_failures"`
}
