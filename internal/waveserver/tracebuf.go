package waveserver

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ryabkov82/multifetch/internal/mseed"
)

// TRACEBUF2 layout
const (
	tracebufHeaderLen = 64
	offNSamp          = 4
	offStart          = 8
	offEnd            = 16
	offRate           = 24
	offStation        = 32
	offNetwork        = 39
	offChannel        = 48
	offLocation       = 52
	offDataType       = 57
)

// ErrMalformedPacket reports a TRACEBUF2 payload that cannot be decoded
var ErrMalformedPacket = errors.New("malformed tracebuf2 packet")

// packet is one decoded TRACEBUF2 message
type packet struct {
	scnl   SCNL
	start  time.Time
	rate   float64
	ints   []int32
	floats []float32
}

func (p *packet) len() int {
	if p.floats != nil {
		return len(p.floats)
	}
	return len(p.ints)
}

// parsePackets splits a GETSCNLRAW payload into packets
func parsePackets(data []byte) ([]*packet, error) {
	var packets []*packet
	for off := 0; off < len(data); {
		if len(data)-off < tracebufHeaderLen {
			return nil, errors.Wrapf(ErrMalformedPacket, "%d trailing bytes at offset %d", len(data)-off, off)
		}
		h := data[off : off+tracebufHeaderLen]

		dt := cstring(h[offDataType : offDataType+3])
		if len(dt) != 2 {
			return nil, errors.Wrapf(ErrMalformedPacket, "datatype %q at offset %d", dt, off)
		}
		var order binary.ByteOrder
		switch dt[0] {
		case 's', 't':
			order = binary.BigEndian
		case 'i', 'f':
			order = binary.LittleEndian
		default:
			return nil, errors.Wrapf(ErrMalformedPacket, "datatype %q at offset %d", dt, off)
		}
		isFloat := dt[0] == 't' || dt[0] == 'f'
		size := int(dt[1] - '0')
		if !(size == 2 && !isFloat || size == 4 || size == 8 && isFloat) {
			return nil, errors.Wrapf(ErrMalformedPacket, "datatype %q at offset %d", dt, off)
		}

		nsamp := int(int32(order.Uint32(h[offNSamp:])))
		if nsamp < 0 || nsamp > (len(data)-off-tracebufHeaderLen)/size {
			return nil, errors.Wrapf(ErrMalformedPacket, "sample count %d at offset %d", nsamp, off)
		}

		p := &packet{
			scnl: SCNL{
				Station:  cstring(h[offStation : offStation+7]),
				Network:  cstring(h[offNetwork : offNetwork+9]),
				Channel:  cstring(h[offChannel : offChannel+4]),
				Location: fromWireLocation(cstring(h[offLocation : offLocation+3])),
			},
			start: epochTime(math.Float64frombits(order.Uint64(h[offStart:]))),
			rate:  math.Float64frombits(order.Uint64(h[offRate:])),
		}
		if p.rate <= 0 || math.IsNaN(p.rate) {
			return nil, errors.Wrapf(ErrMalformedPacket, "sample rate %v at offset %d", p.rate, off)
		}

		body := data[off+tracebufHeaderLen : off+tracebufHeaderLen+nsamp*size]
		switch {
		case isFloat && size == 4:
			p.floats = make([]float32, nsamp)
			for i := range p.floats {
				p.floats[i] = math.Float32frombits(order.Uint32(body[i*4:]))
			}
		case isFloat:
			p.floats = make([]float32, nsamp)
			for i := range p.floats {
				p.floats[i] = float32(math.Float64frombits(order.Uint64(body[i*8:])))
			}
		case size == 2:
			p.ints = make([]int32, nsamp)
			for i := range p.ints {
				p.ints[i] = int32(int16(order.Uint16(body[i*2:])))
			}
		default:
			p.ints = make([]int32, nsamp)
			for i := range p.ints {
				p.ints[i] = int32(order.Uint32(body[i*4:]))
			}
		}

		packets = append(packets, p)
		off += tracebufHeaderLen + nsamp*size
	}
	return packets, nil
}

// mergePackets joins contiguous packets of the same channel and sample
// type into traces. Overlapping duplicates are dropped.
func mergePackets(packets []*packet) []*mseed.Trace {
	sort.SliceStable(packets, func(i, j int) bool {
		if a, b := packets[i].scnl.String(), packets[j].scnl.String(); a != b {
			return a < b
		}
		return packets[i].start.Before(packets[j].start)
	})

	var traces []*mseed.Trace
	var cur *mseed.Trace
	for _, p := range packets {
		if p.len() == 0 {
			continue
		}
		if cur != nil && (cur.Floats != nil) == (p.floats != nil) {
			if mseed.Contiguous(cur.ID(), cur.End(), cur.SampleRate, p.scnl.String(), p.start, p.rate) {
				cur.Ints = append(cur.Ints, p.ints...)
				cur.Floats = append(cur.Floats, p.floats...)
				continue
			}
			// retransmitted packet wholly inside the current trace
			pEnd := p.start.Add(time.Duration(float64(p.len()) / p.rate * float64(time.Second)))
			if cur.ID() == p.scnl.String() && p.start.Before(cur.End()) && !pEnd.After(cur.End()) {
				continue
			}
		}
		cur = &mseed.Trace{
			Network:    p.scnl.Network,
			Station:    p.scnl.Station,
			Location:   p.scnl.Location,
			Channel:    p.scnl.Channel,
			Start:      p.start,
			SampleRate: p.rate,
			Ints:       p.ints,
			Floats:     p.floats,
		}
		traces = append(traces, cur)
	}
	return traces
}

// trimTraces cuts traces to [start, end] and drops the empty ones
func trimTraces(traces []*mseed.Trace, start, end time.Time) []*mseed.Trace {
	out := traces[:0]
	for _, t := range traces {
		if tt := t.Trim(start, end); tt.Len() > 0 {
			out = append(out, tt)
		}
	}
	return out
}

func cstring(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
