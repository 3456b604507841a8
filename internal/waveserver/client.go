package waveserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryabkov82/multifetch/internal/acquire"
	"github.com/ryabkov82/multifetch/internal/job"
	"github.com/ryabkov82/multifetch/internal/mseed"
)

// DefaultTimeout applies when neither the context nor the client sets a deadline
const DefaultTimeout = 30 * time.Second

// maxPayload caps a single GETSCNLRAW response
const maxPayload = 256 << 20

// Client talks to wave servers. Every request uses its own TCP connection,
// so a Client is safe for concurrent use across workers.
type Client struct {
	timeout time.Duration
	dialer  *net.Dialer
	logger  *zap.SugaredLogger
	reqID   atomic.Uint64
}

// Options configures a Client
type Options struct {
	// Timeout bounds connection setup and each request when ctx has no earlier deadline
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// NewClient creates a wave server client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		timeout: opts.Timeout,
		dialer:  &net.Dialer{Timeout: opts.Timeout},
		logger:  logger,
	}
}

var _ acquire.Source = (*Client)(nil)

// Fetch implements acquire.Source. A channel pattern is expanded against
// the server menu; every matching channel is requested and the merged,
// trimmed traces are returned together.
func (c *Client) Fetch(ctx context.Context, conn job.ConnectionProfile, ch job.ChannelAddress, iv job.TimeInterval) (acquire.Bundle, error) {
	targets := []SCNL{{Station: ch.Station, Channel: ch.Channel, Network: ch.Network, Location: ch.Location}}

	if ch.HasWildcard() {
		menu, err := c.Menu(ctx, conn)
		if err != nil {
			return nil, err
		}
		targets = matchMenu(menu, ch, iv)
		if len(targets) == 0 {
			return nil, acquire.NoData(errors.Newf("no channel on %s matches %s in %s", conn.Address(), ch, iv))
		}
	}

	var traces []*mseed.Trace
	var noData error
	for _, target := range targets {
		got, err := c.GetRaw(ctx, conn, target, iv)
		if err != nil {
			// one empty channel of a pattern does not fail the others
			if errors.Is(err, acquire.ErrNoData) && len(targets) > 1 {
				noData = err
				continue
			}
			return nil, err
		}
		traces = append(traces, got...)
	}
	if len(traces) == 0 && noData != nil {
		return nil, noData
	}

	c.logger.Debugw("Fetched waveforms",
		"address", conn.Address(),
		"channel", ch.String(),
		"interval", iv.String(),
		"channels", len(targets),
		"traces", len(traces),
	)
	return &acquire.TraceBundle{Traces: traces}, nil
}

// matchMenu selects tanks matching ch that overlap iv, in menu order
func matchMenu(menu []MenuEntry, ch job.ChannelAddress, iv job.TimeInterval) []SCNL {
	var out []SCNL
	seen := make(map[SCNL]bool)
	for _, e := range menu {
		if !globMatch(ch.Network, e.SCNL.Network) || !globMatch(ch.Station, e.SCNL.Station) ||
			!globMatch(ch.Location, e.SCNL.Location) || !globMatch(ch.Channel, e.SCNL.Channel) {
			continue
		}
		if !e.Overlaps(iv.Start, iv.End) || seen[e.SCNL] {
			continue
		}
		seen[e.SCNL] = true
		out = append(out, e.SCNL)
	}
	return out
}

func globMatch(pattern, value string) bool {
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Menu lists the tanks served at conn
func (c *Client) Menu(ctx context.Context, conn job.ConnectionProfile) ([]MenuEntry, error) {
	reqID := c.nextID()
	var entries []MenuEntry
	err := c.roundTrip(ctx, conn, menuRequest(reqID), func(r *bufio.Reader) error {
		line, err := r.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			return errors.Wrap(err, "read menu")
		}
		entries, err = parseMenu(line, reqID)
		return err
	})
	if err != nil {
		return nil, acquire.Unavailable(errors.Wrapf(err, "menu from %s", conn.Address()))
	}
	return entries, nil
}

// GetRaw requests one channel over iv and returns its traces trimmed to iv
func (c *Client) GetRaw(ctx context.Context, conn job.ConnectionProfile, s SCNL, iv job.TimeInterval) ([]*mseed.Trace, error) {
	reqID := c.nextID()
	var payload []byte
	var flagErr error
	err := c.roundTrip(ctx, conn, rawRequest(reqID, s, iv.Start, iv.End), func(r *bufio.Reader) error {
		line, err := r.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "read response header")
		}
		h, err := parseRawHeader(line, reqID)
		if err != nil {
			return err
		}
		if h.flag != "F" {
			flagErr = flagError(h.flag, s)
			return nil
		}
		if h.nbytes > maxPayload {
			return errors.Newf("response of %d bytes exceeds limit", h.nbytes)
		}
		payload = make([]byte, h.nbytes)
		if _, err := io.ReadFull(r, payload); err != nil {
			return errors.Wrapf(err, "read %d payload bytes", h.nbytes)
		}
		return nil
	})
	if err != nil {
		return nil, acquire.Unavailable(errors.Wrapf(err, "%s from %s", s, conn.Address()))
	}
	if flagErr != nil {
		return nil, flagErr
	}

	packets, err := parsePackets(payload)
	if err != nil {
		return nil, acquire.Unavailable(errors.Wrapf(err, "%s from %s", s, conn.Address()))
	}
	traces := trimTraces(mergePackets(packets), iv.Start, iv.End)
	if len(traces) == 0 {
		return nil, acquire.NoData(errors.Newf("%s: no samples in %s", s, iv))
	}
	return traces, nil
}

// roundTrip dials, sends req and hands the connection to read
func (c *Client) roundTrip(ctx context.Context, conn job.ConnectionProfile, req string, read func(*bufio.Reader) error) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	nc, err := c.dialer.DialContext(dctx, "tcp", conn.Address())
	if err != nil {
		return errors.Wrapf(err, "connect %s", conn.Address())
	}
	defer nc.Close()

	// Unblock reads if ctx is cancelled before the deadline
	stop := context.AfterFunc(dctx, func() {
		nc.SetDeadline(time.Now())
	})
	defer stop()

	if err := nc.SetDeadline(deadline); err != nil {
		return errors.Wrap(err, "set deadline")
	}
	if _, err := io.WriteString(nc, req); err != nil {
		return errors.Wrap(err, "send request")
	}
	if err := read(bufio.NewReaderSize(nc, 64*1024)); err != nil {
		if ctxErr := dctx.Err(); ctxErr != nil {
			return errors.Wrap(ctxErr, err.Error())
		}
		return err
	}
	return nil
}

func (c *Client) nextID() string {
	return "mf" + strconv.FormatUint(c.reqID.Add(1), 10)
}
