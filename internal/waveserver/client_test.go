package waveserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryabkov82/multifetch/internal/acquire"
	"github.com/ryabkov82/multifetch/internal/job"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// tracebuf builds one TRACEBUF2 packet
func tracebuf(s SCNL, start time.Time, rate float64, dt string, samples []float64) []byte {
	var order binary.ByteOrder = binary.LittleEndian
	if dt[0] == 's' || dt[0] == 't' {
		order = binary.BigEndian
	}
	size := int(dt[1] - '0')
	buf := make([]byte, tracebufHeaderLen+len(samples)*size)
	startSec := float64(start.UnixNano()) / 1e9
	order.PutUint32(buf[0:], 1)
	order.PutUint32(buf[offNSamp:], uint32(len(samples)))
	order.PutUint64(buf[offStart:], math.Float64bits(startSec))
	order.PutUint64(buf[offEnd:], math.Float64bits(startSec+float64(len(samples)-1)/rate))
	order.PutUint64(buf[offRate:], math.Float64bits(rate))
	copy(buf[offStation:offStation+6], s.Station)
	copy(buf[offNetwork:offNetwork+8], s.Network)
	copy(buf[offChannel:offChannel+3], s.Channel)
	copy(buf[offLocation:offLocation+2], wireLocation(s.Location))
	copy(buf[55:57], "20")
	copy(buf[offDataType:offDataType+2], dt)

	body := buf[tracebufHeaderLen:]
	for i, v := range samples {
		switch dt[1:] {
		case "2":
			order.PutUint16(body[i*2:], uint16(int16(v)))
		case "4":
			if dt[0] == 'f' || dt[0] == 't' {
				order.PutUint32(body[i*4:], math.Float32bits(float32(v)))
			} else {
				order.PutUint32(body[i*4:], uint32(int32(v)))
			}
		case "8":
			order.PutUint64(body[i*8:], math.Float64bits(v))
		}
	}
	return buf
}

func ramp(n int, from float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)
	}
	return out
}

type rawReply struct {
	flag    string
	payload []byte
}

// fakeServer speaks just enough wave_serverV for the client
type fakeServer struct {
	t    *testing.T
	ln   net.Listener
	menu []MenuEntry
	raw  func(s SCNL) rawReply

	mu       sync.Mutex
	requests []string
}

func newFakeServer(t *testing.T) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{t: t, ln: ln}
	t.Cleanup(func() { ln.Close() })
	go fs.serve()
	return fs
}

func (fs *fakeServer) conn() job.ConnectionProfile {
	return job.ConnectionProfile{Host: "127.0.0.1", Port: fs.ln.Addr().(*net.TCPAddr).Port}
}

func (fs *fakeServer) received() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.requests...)
}

func (fs *fakeServer) serve() {
	for {
		c, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.handle(c)
	}
}

func (fs *fakeServer) handle(c net.Conn) {
	defer c.Close()
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.requests = append(fs.requests, strings.TrimSpace(line))
	fs.mu.Unlock()

	tokens := strings.Fields(line)
	switch tokens[0] {
	case "MENU:":
		var b strings.Builder
		b.WriteString(tokens[1])
		for _, e := range fs.menu {
			fmt.Fprintf(&b, "  %d %s %s %s %s %s %s %s", e.Pin, e.SCNL.Station, e.SCNL.Channel, e.SCNL.Network,
				wireLocation(e.SCNL.Location), formatEpoch(e.Start), formatEpoch(e.End), e.DataType)
		}
		b.WriteString("\n")
		c.Write([]byte(b.String()))
	case "GETSCNLRAW:":
		s := SCNL{Station: tokens[2], Channel: tokens[3], Network: tokens[4], Location: fromWireLocation(tokens[5])}
		reply := fs.raw(s)
		prefix := fmt.Sprintf("%s 1 %s %s %s %s", tokens[1], tokens[2], tokens[3], tokens[4], tokens[5])
		if reply.flag != "F" {
			fmt.Fprintf(c, "%s %s\n", prefix, reply.flag)
			return
		}
		fmt.Fprintf(c, "%s F s4 %s %s %d\n", prefix, tokens[6], tokens[7], len(reply.payload))
		c.Write(reply.payload)
	}
}

func TestFetchSingleChannel(t *testing.T) {
	fs := newFakeServer(t)
	fs.raw = func(s SCNL) rawReply {
		// 3 contiguous packets of 100 samples at 100 Hz, starting 0.5 s early
		var payload []byte
		for i := 0; i < 3; i++ {
			start := t0.Add(-500*time.Millisecond + time.Duration(i)*time.Second)
			payload = append(payload, tracebuf(s, start, 100, "s4", ramp(100, float64(i*100)))...)
		}
		return rawReply{flag: "F", payload: payload}
	}

	c := NewClient(Options{Timeout: time.Second})
	ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EHZ"}
	iv := job.TimeInterval{Start: t0, End: t0.Add(time.Second)}

	b, err := c.Fetch(context.Background(), fs.conn(), ch, iv)
	require.NoError(t, err)
	require.Equal(t, 1, b.TraceCount())

	tb := b.(*acquire.TraceBundle)
	tr := tb.Traces[0]
	assert.Equal(t, "AM.R1E3F.00.EHZ", tr.ID())
	assert.True(t, tr.Start.Equal(t0))
	assert.Equal(t, 101, tr.Len())
	assert.Equal(t, int32(50), tr.Ints[0])

	reqs := fs.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, fmt.Sprintf("GETSCNLRAW: mf1 R1E3F EHZ AM 00 %s %s", formatEpoch(iv.Start), formatEpoch(iv.End)), reqs[0])
}

func TestFetchEmptyLocationOnWire(t *testing.T) {
	fs := newFakeServer(t)
	fs.raw = func(s SCNL) rawReply {
		return rawReply{flag: "F", payload: tracebuf(s, t0, 50, "i2", ramp(100, 0))}
	}

	ch := job.ChannelAddress{Network: "XX", Station: "S1", Channel: "HHZ"}
	b, err := NewClient(Options{}).Fetch(context.Background(), fs.conn(), ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 1, b.TraceCount())
	assert.Equal(t, "", b.(*acquire.TraceBundle).Traces[0].Location)
	assert.Contains(t, fs.received()[0], " XX -- ")
}

func TestFetchWildcardUsesMenu(t *testing.T) {
	fs := newFakeServer(t)
	tank := func(pin int, cha string) MenuEntry {
		return MenuEntry{Pin: pin, SCNL: SCNL{Station: "R1E3F", Channel: cha, Network: "AM", Location: "00"},
			Start: t0.Add(-time.Hour), End: t0.Add(time.Hour), DataType: "s4"}
	}
	old := tank(5, "EHN")
	old.End = t0.Add(-30 * time.Minute)
	fs.menu = []MenuEntry{tank(1, "EHZ"), tank(2, "EHE"), tank(3, "HDF"), tank(4, "EHZ"), old}
	fs.raw = func(s SCNL) rawReply {
		if s.Channel == "EHE" {
			return rawReply{flag: "FG"}
		}
		return rawReply{flag: "F", payload: tracebuf(s, t0, 10, "s4", ramp(20, 0))}
	}

	ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EH*"}
	b, err := NewClient(Options{}).Fetch(context.Background(), fs.conn(), ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 1, b.TraceCount())

	reqs := fs.received()
	require.Len(t, reqs, 3)
	assert.True(t, strings.HasPrefix(reqs[0], "MENU: mf1 SCNL"))
	assert.Contains(t, reqs[1], " EHZ ")
	assert.Contains(t, reqs[2], " EHE ")
}

func TestFetchWildcardNoMatch(t *testing.T) {
	fs := newFakeServer(t)
	fs.menu = []MenuEntry{{Pin: 1, SCNL: SCNL{Station: "OTHER", Channel: "EHZ", Network: "AM"},
		Start: t0.Add(-time.Hour), End: t0.Add(time.Hour), DataType: "s4"}}

	ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EH*"}
	_, err := NewClient(Options{}).Fetch(context.Background(), fs.conn(), ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
	assert.True(t, errors.Is(err, acquire.ErrNoData), "%v", err)
}

func TestFetchFlagMapping(t *testing.T) {
	tests := []struct {
		flag string
		want string
	}{
		{"FR", acquire.KindNoData},
		{"FL", acquire.KindNoData},
		{"FG", acquire.KindNoData},
		{"FN", acquire.KindNoData},
		{"FB", acquire.KindSourceUnavailable},
		{"FC", acquire.KindSourceUnavailable},
		{"FU", acquire.KindSourceUnavailable},
		{"FX", acquire.KindSourceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			fs := newFakeServer(t)
			fs.raw = func(SCNL) rawReply { return rawReply{flag: tt.flag} }

			ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EHZ"}
			_, err := NewClient(Options{}).Fetch(context.Background(), fs.conn(), ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
			require.Error(t, err)
			assert.Equal(t, tt.want, acquire.Classify(err), "%v", err)
		})
	}
}

func TestFetchDataOutsideWindowIsNoData(t *testing.T) {
	fs := newFakeServer(t)
	fs.raw = func(s SCNL) rawReply {
		return rawReply{flag: "F", payload: tracebuf(s, t0.Add(time.Hour), 100, "s4", ramp(10, 0))}
	}
	ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EHZ"}
	_, err := NewClient(Options{}).Fetch(context.Background(), fs.conn(), ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
	assert.True(t, errors.Is(err, acquire.ErrNoData))
}

func TestFetchConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conn := job.ConnectionProfile{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	ln.Close()

	ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EHZ"}
	_, err = NewClient(Options{Timeout: time.Second}).Fetch(context.Background(), conn, ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, acquire.ErrSourceUnavailable))
}

func TestFetchTimesOutOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	conn := job.ConnectionProfile{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EHZ"}

	start := time.Now()
	_, err = NewClient(Options{Timeout: 100 * time.Millisecond}).Fetch(context.Background(), conn, ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
	require.Error(t, err)
	assert.Equal(t, acquire.KindTimeout, acquire.Classify(err), "%v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchHonoursContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	conn := job.ConnectionProfile{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	ch := job.ChannelAddress{Network: "AM", Station: "R1E3F", Location: "00", Channel: "EHZ"}
	start := time.Now()
	_, err = NewClient(Options{Timeout: time.Minute}).Fetch(ctx, conn, ch, job.TimeInterval{Start: t0, End: t0.Add(time.Second)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
