// Package csv processes chunks of delimited input files. A processor reads
// its assigned row range from the object store, validates each row, and
// reports per-chunk counts. It shares nothing with other chunks; the only
// output is the returned outcome.
package csv

import (
	"context"
	gocsv "encoding/csv"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
)

// maxRowErrorsPerChunk caps the per-row diagnostics carried in one outcome so
// a pathological chunk cannot bloat the registry record.
const maxRowErrorsPerChunk = 100

// ctxCheckInterval is how many rows are processed between context checks.
const ctxCheckInterval = 1000

// RowCheck validates one data row against the file header. A non-nil error
// marks the row as failed without stopping the chunk.
type RowCheck func(header, row []string) error

// DefaultRowCheck rejects rows whose field count does not match the header.
func DefaultRowCheck(header, row []string) error {
	if len(row) != len(header) {
		return fmt.Errorf("expected %d fields, got %d", len(header), len(row))
	}
	return nil
}

// Processor implements batch.ChunkWorker for CSV input objects.
type Processor struct {
	store  batch.ObjectStore
	check  RowCheck
	logger *logger.Logger
	tracer trace.Tracer
}

var _ batch.ChunkWorker = (*Processor)(nil)

// NewProcessor creates a processor reading from store. A nil check falls back
// to DefaultRowCheck.
func NewProcessor(store batch.ObjectStore, check RowCheck, log *logger.Logger, tracer trace.Tracer) *Processor {
	if check == nil {
		check = DefaultRowCheck
	}
	return &Processor{
		store:  store,
		check:  check,
		logger: log.With("component", "csv_processor"),
		tracer: tracer,
	}
}

// CountRows streams the object once and reports its data row count, excluding
// the header. A missing or headerless object is malformed input.
func (p *Processor) CountRows(ctx context.Context, input batch.InputDescriptor) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "csv.count_rows", trace.WithAttributes(
		attribute.String("input", input.String()),
	))
	defer span.End()

	body, err := p.store.GetObject(ctx, input.Bucket, input.Key)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	defer body.Close()

	reader := newReader(body)

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: missing header row", batch.ErrMalformedInput)
		}
		span.RecordError(err)
		return 0, fmt.Errorf("%w: %v", batch.ErrMalformedInput, err)
	}

	var rows int64
	for {
		if rows%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if _, err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			span.RecordError(err)
			return 0, fmt.Errorf("%w: row %d: %v", batch.ErrMalformedInput, rows+1, err)
		}
		rows++
	}

	span.SetAttributes(attribute.Int64("total_rows", rows))
	return rows, nil
}

// ProcessChunk reads the chunk's row range and validates each row. Row-level
// failures are counted and sampled into the outcome; only unreadable input or
// a dead context fails the whole chunk.
func (p *Processor) ProcessChunk(
	ctx context.Context,
	input batch.InputDescriptor,
	chunk batch.ChunkManifestEntry,
) (batch.ChunkOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "csv.process_chunk", trace.WithAttributes(
		attribute.String("input", input.String()),
		attribute.Int("chunk_index", chunk.ChunkIndex()),
		attribute.String("item_range", chunk.ItemRange().String()),
	))
	defer span.End()

	body, err := p.store.GetObject(ctx, input.Bucket, input.Key)
	if err != nil {
		span.RecordError(err)
		return batch.ChunkOutcome{}, err
	}
	defer body.Close()

	reader := newReader(body)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return batch.ChunkOutcome{}, fmt.Errorf("%w: missing header row", batch.ErrMalformedInput)
		}
		return batch.ChunkOutcome{}, fmt.Errorf("%w: %v", batch.ErrMalformedInput, err)
	}

	// Skip up to the chunk's first row. Rows are numbered from zero,
	// excluding the header.
	for skipped := int64(0); skipped < chunk.ItemRange().Start(); skipped++ {
		if skipped%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return batch.ChunkOutcome{}, err
			}
		}
		if _, err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return batch.ChunkOutcome{}, fmt.Errorf(
					"%w: file ends at row %d before chunk start %d",
					batch.ErrMalformedInput, skipped, chunk.ItemRange().Start(),
				)
			}
			return batch.ChunkOutcome{}, fmt.Errorf("%w: row %d: %v", batch.ErrMalformedInput, skipped, err)
		}
	}

	var (
		processed int64
		success   int64
		failed    int64
		rowErrors []batch.RowError
	)

	for row := chunk.ItemRange().Start(); row < chunk.ItemRange().End(); row++ {
		if processed%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return batch.ChunkOutcome{}, err
			}
		}

		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return batch.ChunkOutcome{}, fmt.Errorf(
					"%w: file ends at row %d inside range %s",
					batch.ErrMalformedInput, row, chunk.ItemRange(),
				)
			}
			return batch.ChunkOutcome{}, fmt.Errorf("%w: row %d: %v", batch.ErrMalformedInput, row, err)
		}

		processed++
		if err := p.check(header, record); err != nil {
			failed++
			if len(rowErrors) < maxRowErrorsPerChunk {
				rowErrors = append(rowErrors, batch.RowError{
					Row:     row,
					Code:    "ROW_VALIDATION",
					Message: err.Error(),
				})
			}
			continue
		}
		success++
	}

	span.SetAttributes(
		attribute.Int64("processed_count", processed),
		attribute.Int64("success_count", success),
		attribute.Int64("error_count", failed),
	)
	p.logger.Debug(ctx, "chunk processed",
		"chunk_index", chunk.ChunkIndex(),
		"processed", processed,
		"success", success,
		"errors", failed,
	)

	return batch.NewChunkOutcome(
		chunk.JobID(), chunk.ChunkIndex(), processed, success, failed, rowErrors,
	), nil
}

// newReader builds a CSV reader that tolerates variable field counts; the row
// check decides whether a short or long row is an error.
func newReader(r io.Reader) *gocsv.Reader {
	reader := gocsv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false
	return reader
}
