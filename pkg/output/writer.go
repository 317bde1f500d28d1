package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/mccebench/pkg/batch"
)

// Writer outputs JSONL records for batch passes.
//
// Implementations must be safe for concurrent use. Each Write* method
// emits a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteTransition(ctx context.Context, passID string, t *TransitionRecord) error
	WriteLaunchFailure(ctx context.Context, passID string, f *LaunchFailureRecord) error
	WritePass(ctx context.Context, passID string, p *PassRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w       io.Writer
	jobName string
	mu      sync.Mutex
	closed  bool
	now     func() time.Time
}

// NewJSONLWriter creates a writer stamping every record with jobName.
func NewJSONLWriter(w io.Writer, jobName string) *JSONLWriter {
	return &JSONLWriter{
		w:       w,
		jobName: jobName,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (jw *JSONLWriter) WriteTransition(ctx context.Context, passID string, t *TransitionRecord) error {
	return jw.writeRecord(ctx, TypeTransition, passID, t)
}

func (jw *JSONLWriter) WriteLaunchFailure(ctx context.Context, passID string, f *LaunchFailureRecord) error {
	return jw.writeRecord(ctx, TypeLaunchFailure, passID, f)
}

func (jw *JSONLWriter) WritePass(ctx context.Context, passID string, p *PassRecord) error {
	return jw.writeRecord(ctx, TypePass, passID, p)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, passID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:    recordType,
		TS:      jw.now(),
		PassID:  passID,
		JobName: jw.jobName,
		Data:    dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// EmitReport writes every record of a finished pass: transitions in book
// order, then launch failures, then the pass summary.
func EmitReport(ctx context.Context, w Writer, r *batch.Report) error {
	for _, t := range r.Transitions() {
		if err := w.WriteTransition(ctx, r.PassID, &TransitionRecord{
			Name: t.Name,
			From: t.From.String(),
			To:   t.To.String(),
		}); err != nil {
			return err
		}
	}
	for _, f := range r.LaunchFailures {
		if err := w.WriteLaunchFailure(ctx, r.PassID, &LaunchFailureRecord{Name: f.Name, Message: f.Error}); err != nil {
			return err
		}
	}
	d := r.FinishedAt.Sub(r.StartedAt)
	return w.WritePass(ctx, r.PassID, &PassRecord{
		RunRoot:        r.RunRoot,
		Cap:            r.Cap,
		Live:           len(r.Live),
		Launched:       len(r.Launched),
		Completed:      len(r.Completed),
		Errored:        len(r.Errored),
		LaunchFailures: len(r.LaunchFailures),
		Total:          r.Counts.Total,
		Unsubmitted:    r.Counts.Unsubmitted,
		Running:        r.Counts.Running,
		PctCompleted:   100 * r.Counts.PctCompleted(),
		Duration:       d,
		DurationHuman:  d.String(),
	})
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
