// Package waveserver fetches waveform data from Earthworm wave_serverV
// compatible servers, such as Raspberry Shake units.
package waveserver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ryabkov82/multifetch/internal/acquire"
)

// SCNL is a station/channel/network/location tuple as the server names it
type SCNL struct {
	Station  string
	Channel  string
	Network  string
	Location string
}

func (s SCNL) String() string {
	return s.Network + "." + s.Station + "." + s.Location + "." + s.Channel
}

// wire location code; empty locations travel as "--"
func wireLocation(loc string) string {
	if loc == "" {
		return "--"
	}
	return loc
}

func fromWireLocation(loc string) string {
	if loc == "--" {
		return ""
	}
	return loc
}

// MenuEntry is one tank listed by the MENU request
type MenuEntry struct {
	Pin      int
	SCNL     SCNL
	Start    time.Time
	End      time.Time
	DataType string
}

// Overlaps reports whether the tank holds any data in [start, end]
func (m MenuEntry) Overlaps(start, end time.Time) bool {
	return !m.End.Before(start) && !m.Start.After(end)
}

const menuFields = 8

func menuRequest(reqID string) string {
	return fmt.Sprintf("MENU: %s SCNL\n", reqID)
}

func rawRequest(reqID string, s SCNL, start, end time.Time) string {
	return fmt.Sprintf("GETSCNLRAW: %s %s %s %s %s %s %s\n",
		reqID, s.Station, s.Channel, s.Network, wireLocation(s.Location),
		formatEpoch(start), formatEpoch(end))
}

// parseMenu decodes "<reqid> <pin> <sta> <chan> <net> <loc> <start> <end> <type> ..."
func parseMenu(line, reqID string) ([]MenuEntry, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, errors.New("empty menu response")
	}
	if tokens[0] != reqID {
		return nil, errors.Newf("menu response for request %q, expected %q", tokens[0], reqID)
	}
	tokens = tokens[1:]
	if len(tokens)%menuFields != 0 {
		return nil, errors.Newf("menu response has %d fields, not a multiple of %d", len(tokens), menuFields)
	}

	entries := make([]MenuEntry, 0, len(tokens)/menuFields)
	for i := 0; i < len(tokens); i += menuFields {
		f := tokens[i : i+menuFields]
		pin, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, errors.Wrapf(err, "menu pin %q", f[0])
		}
		start, err := parseEpoch(f[5])
		if err != nil {
			return nil, err
		}
		end, err := parseEpoch(f[6])
		if err != nil {
			return nil, err
		}
		entries = append(entries, MenuEntry{
			Pin: pin,
			SCNL: SCNL{
				Station:  f[1],
				Channel:  f[2],
				Network:  f[3],
				Location: fromWireLocation(f[4]),
			},
			Start:    start,
			End:      end,
			DataType: f[7],
		})
	}
	return entries, nil
}

// rawHeader is the text line preceding GETSCNLRAW payloads
type rawHeader struct {
	flag   string
	nbytes int
}

// parseRawHeader decodes "<reqid> <pin> <sta> <chan> <net> <loc> <flag> <type> [<start> <end>] [<nbytes>]"
func parseRawHeader(line, reqID string) (rawHeader, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 7 {
		return rawHeader{}, errors.Newf("short response header %q", line)
	}
	if tokens[0] != reqID {
		return rawHeader{}, errors.Newf("response for request %q, expected %q", tokens[0], reqID)
	}
	h := rawHeader{flag: tokens[6]}
	if h.flag != "F" {
		return h, nil
	}
	n, err := strconv.Atoi(tokens[len(tokens)-1])
	if err != nil || n < 0 {
		return rawHeader{}, errors.Newf("invalid byte count in header %q", line)
	}
	h.nbytes = n
	return h, nil
}

// flagError maps a non-success flag to a classified error
func flagError(flag string, s SCNL) error {
	switch flag {
	case "FR":
		return acquire.NoData(errors.Newf("%s: requested window is before the start of the tank", s))
	case "FL":
		return acquire.NoData(errors.Newf("%s: requested window is after the end of the tank", s))
	case "FG":
		return acquire.NoData(errors.Newf("%s: requested window falls in a gap", s))
	case "FN":
		return acquire.NoData(errors.Newf("%s: channel not served", s))
	case "FB":
		return acquire.Unavailable(errors.Newf("%s: server rejected the request", s))
	case "FC":
		return acquire.Unavailable(errors.Newf("%s: server tank is corrupt", s))
	case "FU":
		return acquire.Unavailable(errors.Newf("%s: server reported an unknown error", s))
	}
	return acquire.Unavailable(errors.Newf("%s: unexpected response flag %q", s, flag))
}

func formatEpoch(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func parseEpoch(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid epoch time %q", s)
	}
	return epochTime(f), nil
}

// epochTime converts fractional epoch seconds, rounded to the microsecond
func epochTime(f float64) time.Time {
	sec := math.Floor(f)
	usec := math.Round((f - sec) * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UTC()
}
