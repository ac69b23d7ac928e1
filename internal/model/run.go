package model

import "time"

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// PhaseStatus represents the completion state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
)

// Run is one execution of the pipeline.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Report    *RunReport `json:"report,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PhaseResult captures the outcome of one pipeline phase.
type PhaseResult struct {
	Name     string      `json:"name"`
	Status   PhaseStatus `json:"status"`
	Duration int64       `json:"duration_ms"`
	Error    string      `json:"error,omitempty"`
}

// Dropped is a candidate that could not be resolved to an identity.
type Dropped struct {
	Origin string `json:"origin"`
	Seq    int    `json:"seq"`
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// TokenUsage tallies model tokens spent during a run.
type TokenUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// RunReport summarizes what happened during a run.
type RunReport struct {
	RunID               string         `json:"run_id"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
	Candidates          int            `json:"candidates"`
	Records             int            `json:"records"`
	NewRecords          int            `json:"new_records"`
	Dropped             []Dropped      `json:"dropped,omitempty"`
	FetchErrors         map[string]int `json:"fetch_errors,omitempty"`
	EnrichCacheHits     int            `json:"enrich_cache_hits"`
	EnrichCacheMisses   int            `json:"enrich_cache_misses"`
	ClassifyCacheHits   int            `json:"classify_cache_hits"`
	ClassifyCacheMisses int            `json:"classify_cache_misses"`
	ClassifyFailures    int            `json:"classify_failures"`
	ClassifyFallbacks   int            `json:"classify_fallbacks"`
	Unclassified        int            `json:"unclassified"`
	RejectedTags        map[string]int `json:"rejected_tags,omitempty"`
	SuspectedDuplicates [][]string     `json:"suspected_duplicates,omitempty"`
	Untreed             int            `json:"untreed"`
	Usage               TokenUsage     `json:"usage"`
	CostUSD             float64        `json:"cost_usd"`
	Phases              []PhaseResult  `json:"phases,omitempty"`
}

// CountFetchError records n fetch failures of the given kind.
func (r *RunReport) CountFetchError(kind string, n int) {
	if r.FetchErrors == nil {
		r.FetchErrors = make(map[string]int)
	}
	r.FetchErrors[kind] += n
}

// CountRejectedTag records n rejections of an out-of-vocabulary tag.
func (r *RunReport) CountRejectedTag(tag string, n int) {
	if r.RejectedTags == nil {
		r.RejectedTags = make(map[string]int)
	}
	r.RejectedTags[tag] += n
}
