package acquire

import (
	"context"
	"io"

	"github.com/ryabkov82/multifetch/internal/job"
	"github.com/ryabkov82/multifetch/internal/mseed"
)

// Bundle is the opaque result of a fetch. The executor only asks how many
// traces it holds and writes it out; sample data is never inspected.
type Bundle interface {
	TraceCount() int
	WriteTo(w io.Writer) (int64, error)
}

// Source retrieves waveform data for one channel address and interval.
// Errors should be marked with ErrSourceUnavailable or ErrNoData.
type Source interface {
	Fetch(ctx context.Context, conn job.ConnectionProfile, ch job.ChannelAddress, iv job.TimeInterval) (Bundle, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, conn job.ConnectionProfile, ch job.ChannelAddress, iv job.TimeInterval) (Bundle, error)

// Fetch calls f
func (f SourceFunc) Fetch(ctx context.Context, conn job.ConnectionProfile, ch job.ChannelAddress, iv job.TimeInterval) (Bundle, error) {
	return f(ctx, conn, ch, iv)
}

// Sink persists a bundle at path. Errors should be marked with ErrStorage.
type Sink interface {
	Write(ctx context.Context, path string, b Bundle) error
}

// TraceBundle holds decoded traces and writes them as miniSEED
type TraceBundle struct {
	Traces []*mseed.Trace
}

// TraceCount returns the number of traces
func (b *TraceBundle) TraceCount() int {
	return len(b.Traces)
}

// WriteTo encodes the traces as miniSEED records
func (b *TraceBundle) WriteTo(w io.Writer) (int64, error) {
	return mseed.Encode(w, b.Traces)
}

// RecordBundle holds miniSEED bytes received as-is from a server
type RecordBundle struct {
	data   []byte
	traces int
}

// NewRecordBundle validates record headers and counts contiguous traces
func NewRecordBundle(data []byte) (*RecordBundle, error) {
	headers, err := mseed.ParseHeaders(data)
	if err != nil {
		return nil, err
	}
	return &RecordBundle{data: data, traces: mseed.CountSegments(headers)}, nil
}

// TraceCount returns the number of contiguous traces in the records
func (b *RecordBundle) TraceCount() int {
	return b.traces
}

// WriteTo writes the records verbatim
func (b *RecordBundle) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.data)
	return int64(n), err
}

// Size returns the number of bytes held
func (b *RecordBundle) Size() int {
	return len(b.data)
}
