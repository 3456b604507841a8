package mseed

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnsupportedEncoding is returned by Decode for compressed payloads
var ErrUnsupportedEncoding = errors.New("unsupported miniSEED encoding")

// ParseHeaders walks a byte stream of concatenated records and returns their headers
func ParseHeaders(data []byte) ([]Header, error) {
	var headers []Header
	for off := 0; off < len(data); {
		h, err := parseHeader(data[off:])
		if err != nil {
			return nil, errors.Wrapf(err, "record at offset %d", off)
		}
		if off+h.RecordLength > len(data) {
			return nil, errors.Wrapf(ErrMalformed, "truncated record at offset %d", off)
		}
		headers = append(headers, h)
		off += h.RecordLength
	}
	return headers, nil
}

// Contiguous reports whether next continues prev without a gap, within half a sample
func Contiguous(prevID string, prevEnd time.Time, prevRate float64, nextID string, nextStart time.Time, nextRate float64) bool {
	if prevID != nextID || prevRate <= 0 || math.Abs(prevRate-nextRate) > 1e-6*prevRate {
		return false
	}
	tolerance := time.Duration(0.5 / prevRate * float64(time.Second))
	diff := nextStart.Sub(prevEnd)
	return diff >= -tolerance && diff <= tolerance
}

// CountSegments returns the number of contiguous traces described by headers.
// Records of one channel that follow each other without a gap count once.
func CountSegments(headers []Header) int {
	type tail struct {
		end  time.Time
		rate float64
	}
	last := make(map[string]tail)
	segments := 0
	for _, h := range headers {
		if h.SampleCount == 0 {
			continue
		}
		prev, ok := last[h.ID()]
		if !ok || !Contiguous(h.ID(), prev.end, prev.rate, h.ID(), h.Start, h.SampleRate) {
			segments++
		}
		last[h.ID()] = tail{end: h.End(), rate: h.SampleRate}
	}
	return segments
}

// Decode parses uncompressed records back into merged traces
func Decode(data []byte) ([]*Trace, error) {
	headers, err := ParseHeaders(data)
	if err != nil {
		return nil, err
	}

	var traces []*Trace
	byID := make(map[string]*Trace)
	off := 0
	for _, h := range headers {
		rec := data[off : off+h.RecordLength]
		off += h.RecordLength
		if h.SampleCount == 0 {
			continue
		}

		t := &Trace{
			Network:    h.Network,
			Station:    h.Station,
			Location:   h.Location,
			Channel:    h.Channel,
			Start:      h.Start,
			SampleRate: h.SampleRate,
		}
		if err := decodePayload(t, h, rec); err != nil {
			return nil, err
		}

		prev, ok := byID[h.ID()]
		if ok && (prev.Floats != nil) == (t.Floats != nil) &&
			Contiguous(prev.ID(), prev.End(), prev.SampleRate, t.ID(), t.Start, t.SampleRate) {
			prev.Ints = append(prev.Ints, t.Ints...)
			prev.Floats = append(prev.Floats, t.Floats...)
			continue
		}
		byID[h.ID()] = t
		traces = append(traces, t)
	}
	return traces, nil
}

func decodePayload(t *Trace, h Header, rec []byte) error {
	var order binary.ByteOrder = binary.LittleEndian
	if h.BigEndian {
		order = binary.BigEndian
	}
	payload := rec[h.DataOffset:]
	n := h.SampleCount

	size := 0
	switch h.Encoding {
	case EncodingInt16:
		size = 2
	case EncodingInt32, EncodingFloat32:
		size = 4
	case EncodingFloat64:
		size = 8
	default:
		return errors.Wrapf(ErrUnsupportedEncoding, "encoding %d in %s", h.Encoding, h.ID())
	}
	if n*size > len(payload) {
		return errors.Wrapf(ErrMalformed, "%d samples do not fit record of %s", n, h.ID())
	}

	switch h.Encoding {
	case EncodingInt16:
		t.Ints = make([]int32, n)
		for i := range t.Ints {
			t.Ints[i] = int32(int16(order.Uint16(payload[i*2:])))
		}
	case EncodingInt32:
		t.Ints = make([]int32, n)
		for i := range t.Ints {
			t.Ints[i] = int32(order.Uint32(payload[i*4:]))
		}
	case EncodingFloat32:
		t.Floats = make([]float32, n)
		for i := range t.Floats {
			t.Floats[i] = math.Float32frombits(order.Uint32(payload[i*4:]))
		}
	case EncodingFloat64:
		t.Floats = make([]float32, n)
		for i := range t.Floats {
			t.Floats[i] = float32(math.Float64frombits(order.Uint64(payload[i*8:])))
		}
	}
	return nil
}
