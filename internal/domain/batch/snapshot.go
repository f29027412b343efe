package batch

// AggregateSnapshot is the point-in-time fold of all chunk outcomes seen for a
// job. Snapshots are immutable values: folding an outcome produces a new
// snapshot, which keeps aggregation commutative and lets callers hold a
// snapshot without coordination.
type AggregateSnapshot struct {
	totalChunks    int
	chunksSeen     int
	totalProcessed int64
	totalSuccess   int64
	totalError     int64
	outputLocation string
}

// NewAggregateSnapshot creates an empty snapshot for a job whose manifest
// holds totalChunks entries.
func NewAggregateSnapshot(totalChunks int) AggregateSnapshot {
	return AggregateSnapshot{totalChunks: totalChunks}
}

// ReconstructAggregateSnapshot creates a snapshot from persisted counts.
// This should only be used by repositories when loading from storage.
func ReconstructAggregateSnapshot(
	totalChunks, chunksSeen int,
	totalProcessed, totalSuccess, totalError int64,
	outputLocation string,
) AggregateSnapshot {
	return AggregateSnapshot{
		totalChunks:    totalChunks,
		chunksSeen:     chunksSeen,
		totalProcessed: totalProcessed,
		totalSuccess:   totalSuccess,
		totalError:     totalError,
		outputLocation: outputLocation,
	}
}

// TotalChunks returns the manifest size the snapshot folds toward.
func (s AggregateSnapshot) TotalChunks() int { return s.totalChunks }

// ChunksSeen returns the count of distinct chunk indices folded so far.
// Distinct indices, not fold invocations, gate finalization so re-delivered
// outcomes cannot complete a job early or late.
func (s AggregateSnapshot) ChunksSeen() int { return s.chunksSeen }

// TotalProcessed returns the summed processed row count.
func (s AggregateSnapshot) TotalProcessed() int64 { return s.totalProcessed }

// TotalSuccess returns the summed successful row count.
func (s AggregateSnapshot) TotalSuccess() int64 { return s.totalSuccess }

// TotalError returns the summed failed row count.
func (s AggregateSnapshot) TotalError() int64 { return s.totalError }

// OutputLocation returns the handle to the merged result, set at finalization.
func (s AggregateSnapshot) OutputLocation() string { return s.outputLocation }

// SuccessRate returns the fraction of processed rows that succeeded, defined
// as 0 when no rows were processed.
func (s AggregateSnapshot) SuccessRate() float64 {
	if s.totalProcessed == 0 {
		return 0
	}
	return float64(s.totalSuccess) / float64(s.totalProcessed)
}

// IsComplete reports whether every chunk in the manifest has been folded.
func (s AggregateSnapshot) IsComplete() bool {
	return s.totalChunks > 0 && s.chunksSeen == s.totalChunks
}

// Apply folds one chunk outcome into the snapshot, returning the new value.
// The alreadySeen flag indicates the outcome's chunk index was folded before;
// duplicate deliveries leave the snapshot unchanged.
func (s AggregateSnapshot) Apply(outcome ChunkOutcome, alreadySeen bool) AggregateSnapshot {
	if alreadySeen {
		return s
	}
	return AggregateSnapshot{
		totalChunks:    s.totalChunks,
		chunksSeen:     s.chunksSeen + 1,
		totalProcessed: s.totalProcessed + outcome.ProcessedCount(),
		totalSuccess:   s.totalSuccess + outcome.SuccessCount(),
		totalError:     s.totalError + outcome.ErrorCount(),
		outputLocation: s.outputLocation,
	}
}

// WithOutputLocation returns a copy of the snapshot carrying the merged
// output handle.
func (s AggregateSnapshot) WithOutputLocation(location string) AggregateSnapshot {
	s.outputLocation = location
	return s
}

// DeriveStatus computes the terminal job status implied by the snapshot.
func (s AggregateSnapshot) DeriveStatus() JobStatus {
	return DeriveTerminalStatus(s.totalSuccess, s.totalError)
}
