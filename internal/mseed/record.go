// Package mseed reads and writes miniSEED 2.4 data records.
//
// Only the pieces needed for archiving fetched waveforms are supported:
// fixed section of data header, blockette 1000, and uncompressed
// INT16/INT32/FLOAT32/FLOAT64 payloads. Compressed (Steim) records can be
// scanned for their headers but not decoded.
package mseed

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// RecordLength is the length of records written by Encode
const RecordLength = 512

const (
	fixedHeaderLength = 48
	dataOffset        = 64
	blockette1000     = 1000
)

// Data encoding formats from blockette 1000
const (
	EncodingInt16   uint8 = 1
	EncodingInt32   uint8 = 3
	EncodingFloat32 uint8 = 4
	EncodingFloat64 uint8 = 5
	EncodingSteim1  uint8 = 10
	EncodingSteim2  uint8 = 11
)

var be = binary.BigEndian

// ErrMalformed is returned for byte sequences that are not miniSEED records
var ErrMalformed = errors.New("malformed miniSEED record")

// Header is the decoded fixed header of one record plus its blockette 1000
type Header struct {
	Sequence     int
	Quality      byte
	Network      string
	Station      string
	Location     string
	Channel      string
	Start        time.Time
	SampleCount  int
	SampleRate   float64
	Encoding     uint8
	BigEndian    bool
	RecordLength int
	DataOffset   int
}

// ID returns NET.STA.LOC.CHA
func (h Header) ID() string {
	return h.Network + "." + h.Station + "." + h.Location + "." + h.Channel
}

// End returns the time just after the last sample of the record
func (h Header) End() time.Time {
	if h.SampleRate <= 0 {
		return h.Start
	}
	return h.Start.Add(samplesDuration(h.SampleCount, h.SampleRate))
}

func samplesDuration(n int, rate float64) time.Duration {
	return time.Duration(math.Round(float64(n) / rate * float64(time.Second)))
}

// rateFactors converts a sample rate in Hz into the SEED factor/multiplier pair
func rateFactors(rate float64) (int16, int16) {
	if rate <= 0 {
		return 0, 0
	}
	if rate >= 1 {
		for _, mult := range []float64{1, 10, 100, 1000} {
			f := rate * mult
			r := math.Round(f)
			if math.Abs(f-r) < 1e-6 && r <= math.MaxInt16 {
				if mult == 1 {
					return int16(r), 1
				}
				return int16(r), -int16(mult)
			}
		}
		return int16(math.Min(math.Round(rate), math.MaxInt16)), 1
	}
	period := 1 / rate
	if p := math.Round(period); math.Abs(period-p) < 1e-6 && p <= math.MaxInt16 {
		return -int16(p), 1
	}
	return int16(math.Round(rate * 10000)), -10000
}

// sampleRate converts a SEED factor/multiplier pair back into Hz
func sampleRate(factor, multiplier int16) float64 {
	f, m := float64(factor), float64(multiplier)
	switch {
	case factor > 0 && multiplier > 0:
		return f * m
	case factor > 0 && multiplier < 0:
		return -f / m
	case factor < 0 && multiplier > 0:
		return -m / f
	case factor < 0 && multiplier < 0:
		return 1 / (f * m)
	}
	return 0
}

func putPadded(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, strings.ToUpper(s))
}

func putBTime(dst []byte, t time.Time) {
	t = t.UTC()
	be.PutUint16(dst[0:], uint16(t.Year()))
	be.PutUint16(dst[2:], uint16(t.YearDay()))
	dst[4] = byte(t.Hour())
	dst[5] = byte(t.Minute())
	dst[6] = byte(t.Second())
	dst[7] = 0
	be.PutUint16(dst[8:], uint16(t.Nanosecond()/100000))
}

func readBTime(src []byte, order binary.ByteOrder) time.Time {
	year := int(order.Uint16(src[0:]))
	doy := int(order.Uint16(src[2:]))
	frac := int(order.Uint16(src[8:]))
	return time.Date(year, 1, 1, int(src[4]), int(src[5]), int(src[6]), frac*100000, time.UTC).
		AddDate(0, 0, doy-1)
}

// writeHeader fills the fixed header and blockette 1000 of rec
func writeHeader(rec []byte, seq int, t *Trace, start time.Time, nsamp int, encoding uint8) {
	copy(rec[0:6], fmt.Sprintf("%06d", seq%1000000))
	rec[6] = 'D'
	rec[7] = ' '
	putPadded(rec[8:13], t.Station)
	putPadded(rec[13:15], t.Location)
	putPadded(rec[15:18], t.Channel)
	putPadded(rec[18:20], t.Network)
	putBTime(rec[20:30], start)
	be.PutUint16(rec[30:], uint16(nsamp))
	factor, mult := rateFactors(t.SampleRate)
	be.PutUint16(rec[32:], uint16(factor))
	be.PutUint16(rec[34:], uint16(mult))
	rec[36], rec[37], rec[38] = 0, 0, 0
	rec[39] = 1
	be.PutUint32(rec[40:], 0)
	be.PutUint16(rec[44:], dataOffset)
	be.PutUint16(rec[46:], fixedHeaderLength)

	b := rec[fixedHeaderLength:]
	be.PutUint16(b[0:], blockette1000)
	be.PutUint16(b[2:], 0)
	b[4] = encoding
	b[5] = 1 // big endian
	b[6] = 9 // 2^9 = 512
	b[7] = 0
}

// parseHeader decodes the record starting at data[0]
func parseHeader(data []byte) (Header, error) {
	if len(data) < fixedHeaderLength {
		return Header{}, errors.Wrap(ErrMalformed, "short fixed header")
	}
	for _, c := range data[0:6] {
		if (c < '0' || c > '9') && c != ' ' {
			return Header{}, errors.Wrapf(ErrMalformed, "bad sequence number %q", data[0:6])
		}
	}
	switch data[6] {
	case 'D', 'R', 'Q', 'M':
	default:
		return Header{}, errors.Wrapf(ErrMalformed, "bad quality indicator %q", data[6])
	}

	// Word order is detected from the year field, as libmseed does
	var order binary.ByteOrder = binary.BigEndian
	if y := binary.BigEndian.Uint16(data[20:]); y < 1900 || y > 2500 {
		order = binary.LittleEndian
	}

	seq, _ := strconv.Atoi(strings.TrimSpace(string(data[0:6])))

	h := Header{
		Sequence:    seq,
		Quality:     data[6],
		Station:     strings.TrimSpace(string(data[8:13])),
		Location:    strings.TrimSpace(string(data[13:15])),
		Channel:     strings.TrimSpace(string(data[15:18])),
		Network:     strings.TrimSpace(string(data[18:20])),
		Start:       readBTime(data[20:30], order),
		SampleCount: int(order.Uint16(data[30:])),
		SampleRate:  sampleRate(int16(order.Uint16(data[32:])), int16(order.Uint16(data[34:]))),
		DataOffset:  int(order.Uint16(data[44:])),
		BigEndian:   order == binary.BigEndian,
	}

	next := int(order.Uint16(data[46:]))
	for hops := 0; next != 0 && hops < int(data[39])+1; hops++ {
		if next+8 > len(data) {
			return Header{}, errors.Wrap(ErrMalformed, "blockette beyond end of data")
		}
		btype := order.Uint16(data[next:])
		if btype == blockette1000 {
			h.Encoding = data[next+4]
			h.BigEndian = data[next+5] == 1
			h.RecordLength = 1 << data[next+6]
			break
		}
		next = int(order.Uint16(data[next+2:]))
	}
	if h.RecordLength == 0 {
		return Header{}, errors.Wrap(ErrMalformed, "missing blockette 1000")
	}
	if h.RecordLength < fixedHeaderLength || h.DataOffset > h.RecordLength {
		return Header{}, errors.Wrapf(ErrMalformed, "record length %d with data offset %d", h.RecordLength, h.DataOffset)
	}
	return h, nil
}
