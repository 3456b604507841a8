package mseed

import (
	"io"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// Trace is one contiguous run of samples for a single channel.
// Exactly one of Ints or Floats carries the samples.
type Trace struct {
	Network    string
	Station    string
	Location   string
	Channel    string
	Start      time.Time
	SampleRate float64
	Ints       []int32
	Floats     []float32
}

// ID returns NET.STA.LOC.CHA
func (t *Trace) ID() string {
	return t.Network + "." + t.Station + "." + t.Location + "." + t.Channel
}

// Len returns the number of samples
func (t *Trace) Len() int {
	if t.Floats != nil {
		return len(t.Floats)
	}
	return len(t.Ints)
}

// End returns the time just after the last sample
func (t *Trace) End() time.Time {
	if t.SampleRate <= 0 {
		return t.Start
	}
	return t.Start.Add(samplesDuration(t.Len(), t.SampleRate))
}

// SampleTime returns the time of sample i
func (t *Trace) SampleTime(i int) time.Time {
	return t.Start.Add(samplesDuration(i, t.SampleRate))
}

// Slice returns a copy of the samples in [from, to)
func (t *Trace) Slice(from, to int) *Trace {
	out := *t
	out.Start = t.SampleTime(from)
	if t.Floats != nil {
		out.Floats = append([]float32(nil), t.Floats[from:to]...)
		out.Ints = nil
	} else {
		out.Ints = append([]int32(nil), t.Ints[from:to]...)
	}
	return &out
}

// Trim keeps only samples whose time lies within [start, end]
func (t *Trace) Trim(start, end time.Time) *Trace {
	n := t.Len()
	if n == 0 || t.SampleRate <= 0 {
		return t.Slice(0, 0)
	}
	period := 1 / t.SampleRate
	from := int(math.Ceil(start.Sub(t.Start).Seconds()/period - 1e-6))
	to := int(math.Floor(end.Sub(t.Start).Seconds()/period+1e-6)) + 1
	if from < 0 {
		from = 0
	}
	if to > n {
		to = n
	}
	if from >= to {
		return t.Slice(0, 0)
	}
	return t.Slice(from, to)
}

// samplesPerRecord is the payload capacity of a 512-byte record for 4-byte samples
const samplesPerRecord = (RecordLength - dataOffset) / 4

// Encode writes traces as 512-byte big-endian miniSEED records.
// Integer traces use INT32 encoding, float traces FLOAT32.
// Sequence numbers run continuously across all traces starting at 1.
func Encode(w io.Writer, traces []*Trace) (int64, error) {
	var written int64
	seq := 1
	rec := make([]byte, RecordLength)

	for _, t := range traces {
		if t.SampleRate <= 0 {
			return written, errors.Newf("trace %s: sample rate must be positive", t.ID())
		}
		encoding := EncodingInt32
		if t.Floats != nil {
			encoding = EncodingFloat32
		}

		n := t.Len()
		for off := 0; off < n; off += samplesPerRecord {
			count := n - off
			if count > samplesPerRecord {
				count = samplesPerRecord
			}

			for i := range rec {
				rec[i] = 0
			}
			writeHeader(rec, seq, t, t.SampleTime(off), count, encoding)

			payload := rec[dataOffset:]
			for i := 0; i < count; i++ {
				if encoding == EncodingFloat32 {
					be.PutUint32(payload[i*4:], math.Float32bits(t.Floats[off+i]))
				} else {
					be.PutUint32(payload[i*4:], uint32(t.Ints[off+i]))
				}
			}

			nw, err := w.Write(rec)
			written += int64(nw)
			if err != nil {
				return written, errors.Wrapf(err, "write record %d", seq)
			}
			seq++
		}
	}
	return written, nil
}
