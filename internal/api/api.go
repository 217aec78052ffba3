// Package api defines the wire types and procedure names of the local
// RPC surface. Requests and responses are plain JSON structs; Codec
// lets connect handlers carry them without generated message types.
package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Procedure paths, one per unary RPC.
const (
	ProcIngest       = "/atlas.v1.IngestService/Ingest"
	ProcIngestStatus = "/atlas.v1.IngestService/Status"
	ProcListTasks    = "/atlas.v1.IngestService/ListTasks"
	ProcCancelTask   = "/atlas.v1.IngestService/Cancel"
	ProcForget       = "/atlas.v1.IngestService/Forget"

	ProcSearch = "/atlas.v1.QueryService/Search"

	ProcHealth       = "/atlas.v1.SystemService/Health"
	ProcConsolidate  = "/atlas.v1.SystemService/Consolidate"
	ProcVacuum       = "/atlas.v1.SystemService/Vacuum"
	ProcSessionEvent = "/atlas.v1.SystemService/SessionEvent"
	ProcShutdown     = "/atlas.v1.SystemService/Shutdown"
)

type IngestRequest struct {
	Roots     []string `json:"roots"`
	Recursive bool     `json:"recursive"`
	Watch     bool     `json:"watch"`
}

type IngestResponse struct {
	TaskID string `json:"task_id"`
}

type IngestStatusRequest struct {
	TaskID string `json:"task_id"`
}

type TaskSnapshot struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Total      int64     `json:"total"`
	Processed  int64     `json:"processed"`
	Written    int64     `json:"written"`
	Skipped    int64     `json:"skipped"`
	Failed     int64     `json:"failed"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type ListTasksResponse struct {
	Tasks []TaskSnapshot `json:"tasks"`
}

type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

type ForgetRequest struct {
	Path string `json:"path"`
}

type Empty struct{}

// SearchFilter is the structural filter grammar of the query surface.
type SearchFilter struct {
	PathGlobs             []string   `json:"path_globs,omitempty"`
	QNTMKeys              []string   `json:"qntm_keys,omitempty"`
	CreatedAfter          *time.Time `json:"created_after,omitempty"`
	CreatedBefore         *time.Time `json:"created_before,omitempty"`
	MaxConsolidationLevel *int       `json:"max_consolidation_level,omitempty"`
}

type SearchRequest struct {
	Query       string        `json:"query"`
	Mode        string        `json:"mode,omitempty"` // semantic | fulltext | hybrid
	Limit       int           `json:"limit,omitempty"`
	TokenBudget int           `json:"token_budget,omitempty"`
	Rerank      bool          `json:"rerank,omitempty"`
	Filter      *SearchFilter `json:"filter,omitempty"`
}

type SearchResult struct {
	ChunkID            string   `json:"chunk_id"`
	Score              float64  `json:"score"`
	Text               string   `json:"text"`
	FilePath           string   `json:"file_path"`
	FileName           string   `json:"file_name"`
	ChunkIndex         int      `json:"chunk_index"`
	QNTMKeys           []string `json:"qntm_keys,omitempty"`
	ConsolidationLevel int      `json:"consolidation_level"`
	EstimatedTokens    int      `json:"estimated_tokens"`
}

type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Degraded []string       `json:"degraded,omitempty"`
}

type TierHealth struct {
	Tier       string `json:"tier"`
	QueueDepth int    `json:"queue_depth"`
	LagSeconds int64  `json:"lag_seconds"`
	Parked     int    `json:"parked"`
}

type BackendHealth struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	LastProbed time.Time `json:"last_probed,omitzero"`
}

type HealthResponse struct {
	Status        string          `json:"status"` // healthy | degraded | unhealthy
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Tiers         []TierHealth    `json:"tiers,omitempty"`
	Backends      []BackendHealth `json:"backends,omitempty"`
}

type ConsolidateResponse struct {
	PairsJudged int `json:"pairs_judged"`
	Superseded  int `json:"superseded"`
	Merged      int `json:"merged"`
	Unrelated   int `json:"unrelated"`
	Failed      int `json:"failed"`
}

type VacuumResponse struct {
	Purged int `json:"purged"`
}

type SessionEventRequest struct {
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type ShutdownRequest struct {
	Drain bool `json:"drain"`
}

// Codec is a connect.Codec backed by encoding/json, so handlers can
// exchange the plain structs above instead of protobuf messages.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(message any) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("api codec marshal: %w", err)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, message); err != nil {
		return fmt.Errorf("api codec unmarshal: %w", err)
	}
	return nil
}
