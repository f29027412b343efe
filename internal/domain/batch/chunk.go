package batch

import (
	"fmt"

	"github.com/google/uuid"
)

// ProcessingMode indicates how a chunk's rows are handed to a worker.
type ProcessingMode string

const (
	// ProcessingModeSingle processes the chunk's rows in one worker invocation.
	ProcessingModeSingle ProcessingMode = "single"

	// ProcessingModeDistributed allows a worker to further parallelize the
	// chunk internally.
	ProcessingModeDistributed ProcessingMode = "distributed"
)

func (m ProcessingMode) String() string { return string(m) }

// ParseProcessingMode converts a string to a ProcessingMode, defaulting to
// single for unknown values.
func ParseProcessingMode(s string) ProcessingMode {
	if s == string(ProcessingModeDistributed) {
		return ProcessingModeDistributed
	}
	return ProcessingModeSingle
}

// ItemRange identifies the half-open row interval [Start, End) a chunk covers
// within the input file. Row numbering excludes the header row.
type ItemRange struct {
	start int64
	end   int64
}

// NewItemRange creates a row range for a chunk.
func NewItemRange(start, end int64) ItemRange {
	return ItemRange{start: start, end: end}
}

// Start returns the first row index of the range.
func (r ItemRange) Start() int64 { return r.start }

// End returns the exclusive upper bound of the range.
func (r ItemRange) End() int64 { return r.end }

// Count returns the number of rows in the range.
func (r ItemRange) Count() int64 { return r.end - r.start }

func (r ItemRange) String() string { return fmt.Sprintf("[%d,%d)", r.start, r.end) }

// ChunkManifestEntry describes one independently processable partition of a
// job's input. Entries are immutable once created; workers receive them by
// value so no shared mutable state crosses the dispatch boundary.
type ChunkManifestEntry struct {
	jobID       uuid.UUID
	chunkIndex  int
	totalChunks int
	itemRange   ItemRange
	mode        ProcessingMode
}

// NewChunkManifestEntry creates a manifest entry for a chunk.
func NewChunkManifestEntry(
	jobID uuid.UUID,
	chunkIndex int,
	totalChunks int,
	itemRange ItemRange,
	mode ProcessingMode,
) ChunkManifestEntry {
	return ChunkManifestEntry{
		jobID:       jobID,
		chunkIndex:  chunkIndex,
		totalChunks: totalChunks,
		itemRange:   itemRange,
		mode:        mode,
	}
}

// JobID returns the job this chunk belongs to.
func (c ChunkManifestEntry) JobID() uuid.UUID { return c.jobID }

// ChunkIndex returns the chunk's position within the manifest.
func (c ChunkManifestEntry) ChunkIndex() int { return c.chunkIndex }

// TotalChunks returns the manifest size, carried with every chunk so a
// worker's result can be correlated without shared state.
func (c ChunkManifestEntry) TotalChunks() int { return c.totalChunks }

// ItemRange returns the row interval this chunk covers.
func (c ChunkManifestEntry) ItemRange() ItemRange { return c.itemRange }

// ProcessingMode returns how the chunk should be processed.
func (c ChunkManifestEntry) ProcessingMode() ProcessingMode { return c.mode }

// RowError records a single failed row within a chunk. Row-level validation
// itself is a worker concern; the orchestration core treats these as opaque
// diagnostics.
type RowError struct {
	Row     int64  `json:"row"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChunkOutcome reports a worker's result for one chunk. Outcomes are produced
// exactly once semantically but may be delivered more than once under retry;
// the aggregator deduplicates by (jobID, chunkIndex).
type ChunkOutcome struct {
	jobID          uuid.UUID
	chunkIndex     int
	processedCount int64
	successCount   int64
	errorCount     int64
	rowErrors      []RowError
}

// NewChunkOutcome creates an outcome report for a chunk.
func NewChunkOutcome(
	jobID uuid.UUID,
	chunkIndex int,
	processedCount, successCount, errorCount int64,
	rowErrors []RowError,
) ChunkOutcome {
	return ChunkOutcome{
		jobID:          jobID,
		chunkIndex:     chunkIndex,
		processedCount: processedCount,
		successCount:   successCount,
		errorCount:     errorCount,
		rowErrors:      rowErrors,
	}
}

// JobID returns the job this outcome belongs to.
func (o ChunkOutcome) JobID() uuid.UUID { return o.jobID }

// ChunkIndex returns the chunk this outcome reports on.
func (o ChunkOutcome) ChunkIndex() int { return o.chunkIndex }

// ProcessedCount returns the number of rows the worker attempted.
func (o ChunkOutcome) ProcessedCount() int64 { return o.processedCount }

// SuccessCount returns the number of rows processed successfully.
func (o ChunkOutcome) SuccessCount() int64 { return o.successCount }

// ErrorCount returns the number of rows that failed processing.
func (o ChunkOutcome) ErrorCount() int64 { return o.errorCount }

// RowErrors returns the per-row diagnostics for failed rows.
func (o ChunkOutcome) RowErrors() []RowError { return o.rowErrors }
