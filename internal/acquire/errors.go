package acquire

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
)

// Batch-fatal and per-job error sentinels.
// Sources and sinks mark their errors with these using errors.Mark,
// so the original message is kept for reporting.
var (
	ErrDirectory         = errors.New("destination directory unusable")
	ErrSourceUnavailable = errors.New("waveform source unavailable")
	ErrNoData            = errors.New("no data for requested window")
	ErrStorage           = errors.New("storage error")
	ErrCancelled         = errors.New("batch cancelled")
)

// Failure kinds reported in events and summaries
const (
	KindSourceUnavailable = "source_unavailable"
	KindNoData            = "no_data"
	KindTimeout           = "timeout"
	KindStorage           = "storage"
	KindDirectory         = "directory"
	KindValidation        = "validation"
	KindUnknown           = "unknown"
)

// Classify maps an error to a failure kind. It is used for reporting only,
// the executor treats every per-job failure the same way.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	switch {
	case errors.Is(err, ErrNoData):
		return KindNoData
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrDirectory):
		return KindDirectory
	}
	return KindUnknown
}

// Unavailable marks err as a source-unavailable failure
func Unavailable(err error) error {
	return errors.Mark(err, ErrSourceUnavailable)
}

// NoData marks err as an empty-result failure
func NoData(err error) error {
	return errors.Mark(err, ErrNoData)
}
