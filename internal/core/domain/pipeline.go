package domain

import "time"

type QueryRequest struct {
	UserQuery      string         `json:"userQuery"`
	ConversationID string         `json:"conversationId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type ResponseMetadata struct {
	QueryIntent     QueryIntent `json:"queryIntent"`
	ContextSize     int         `json:"contextSize"`
	CompressionRate float64     `json:"compressionRate"`
	CacheHit        bool        `json:"cacheHit"`
	TotalTokens     int         `json:"totalTokens"`
	Sources         []string    `json:"sources"`
	ProcessingSteps []string    `json:"processingSteps"`
	FallbacksUsed   []string    `json:"fallbacksUsed,omitempty"`
	Emergency       bool        `json:"emergency,omitempty"`
}

type PerformanceBreakdown struct {
	RetrievalTime   time.Duration `json:"retrievalTime"`
	CompressionTime time.Duration `json:"compressionTime"`
	CacheTime       time.Duration `json:"cacheTime"`
	GenerationTime  time.Duration `json:"generationTime"`
}

type QueryResponse struct {
	Response       string               `json:"response"`
	Confidence     float64              `json:"confidence"`
	ProcessingTime time.Duration        `json:"processingTime"`
	Metadata       ResponseMetadata     `json:"metadata"`
	Performance    PerformanceBreakdown `json:"performance"`
}

type StageStat struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Fallback bool          `json:"fallback,omitempty"`
}

type BenchmarkResult struct {
	Runs               int           `json:"runs"`
	AvgResponseTime    time.Duration `json:"avgResponseTime"`
	AvgConfidence      float64       `json:"avgConfidence"`
	AvgCompressionRate float64       `json:"avgCompressionRate"`
	CacheHitRate       float64       `json:"cacheHitRate"`
	SuccessRate        float64       `json:"successRate"`
}

type PruningResult struct {
	PrunedChunks    []ContextChunk `json:"prunedChunks"`
	OriginalTokens  int            `json:"originalTokens"`
	FinalTokens     int            `json:"finalTokens"`
	CompressionRate float64        `json:"compressionRate"`
	CoherenceScore  float64        `json:"coherenceScore"`
	QualityScore    float64        `json:"qualityScore"`
	ProcessingTime  time.Duration  `json:"processingTime"`
	Fallback        bool           `json:"fallback,omitempty"`
}

// RetrievalResult is the merged output of a retrieval strategy.
type RetrievalResult struct {
	Chunks          []ContextChunk `json:"chunks"`
	Stages          []StageReport  `json:"stages,omitempty"`
	Confidence      float64        `json:"confidence"`
	TotalFound      int            `json:"totalFound"`
	EarlyTerminated bool           `json:"earlyTerminated"`
	Fallback        bool           `json:"fallback,omitempty"`
}

type StageReport struct {
	Stage          RetrievalStage `json:"stage"`
	Query          string         `json:"query"`
	Found          int            `json:"found"`
	RelevanceScore float64        `json:"relevanceScore"`
	Duration       time.Duration  `json:"duration"`
	Err            string         `json:"error,omitempty"`
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

type OperationHealth struct {
	Operation    string        `json:"operation"`
	State        CircuitState  `json:"state"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	AvgLatency   time.Duration `json:"avgLatency"`
	FailureScore int           `json:"failureScore"`
	LastError    string        `json:"lastError,omitempty"`
}

type CacheStats struct {
	Entries       int     `json:"entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Rejections    int64   `json:"rejections"`
	HitRate       float64 `json:"hitRate"`
	MemoryBytes   int64   `json:"memoryBytes"`
	MemoryLimit   int64   `json:"memoryLimit"`
	TTLMultiplier float64 `json:"ttlMultiplier"`
}

type CacheSnapshotEntry struct {
	Key         string         `json:"key"`
	Query       string         `json:"query"`
	Intent      QueryIntent    `json:"intent,omitempty"`
	Size        int            `json:"size"`
	Chunks      []ContextChunk `json:"chunks"`
	StoredAt    time.Time      `json:"storedAt"`
	TTL         time.Duration  `json:"ttl"`
	AccessCount int64          `json:"accessCount"`
}

type CacheSnapshot struct {
	TakenAt time.Time            `json:"takenAt"`
	Entries []CacheSnapshotEntry `json:"entries"`
}
