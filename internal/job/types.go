package job

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrValidation marks malformed input rejected before any I/O happens.
var ErrValidation = errors.New("validation error")

// TimestampLayout is the second-resolution UTC form accepted for window bounds.
const TimestampLayout = "2006-01-02T15:04:05"

// FilenameTimeLayout is the compact form used inside destination filenames.
const FilenameTimeLayout = "20060102T150405"

// ChannelAddress identifies one logical data stream on a waveform source
type ChannelAddress struct {
	Network  string `json:"network" yaml:"network"`
	Station  string `json:"station" yaml:"station"`
	Location string `json:"location" yaml:"location"`
	Channel  string `json:"channel" yaml:"channel"` // may carry a trailing wildcard, e.g. "EH*"
}

// String returns the dotted NET.STA.LOC.CHA form
func (c ChannelAddress) String() string {
	return c.Network + "." + c.Station + "." + c.Location + "." + c.Channel
}

// HasWildcard reports whether any component is a glob pattern
func (c ChannelAddress) HasWildcard() bool {
	return strings.ContainsAny(c.Network+c.Station+c.Location+c.Channel, "*?")
}

// TimeInterval is a closed UTC time window. Start must be strictly before End.
type TimeInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether Start < End
func (i TimeInterval) Valid() bool {
	return i.Start.Before(i.End)
}

// Duration returns End - Start
func (i TimeInterval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

func (i TimeInterval) String() string {
	return i.Start.UTC().Format(TimestampLayout) + "/" + i.End.UTC().Format(TimestampLayout)
}

// ConnectionProfile identifies a waveform source endpoint
type ConnectionProfile struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Address returns host:port suitable for net.Dial
func (c ConnectionProfile) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks host presence and port range
func (c ConnectionProfile) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.Wrap(ErrValidation, "connection host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Wrapf(ErrValidation, "connection port %d out of range 1-65535", c.Port)
	}
	return nil
}

// FetchJob is one unit of work: fetch one channel over one interval and save it.
// Jobs are created by the planner and never modified afterwards.
type FetchJob struct {
	Sequence   int               `json:"sequence"`
	Channel    ChannelAddress    `json:"channel"`
	Interval   TimeInterval      `json:"interval"`
	Connection ConnectionProfile `json:"connection"`
	Filename   string            `json:"filename"`
}

func (j FetchJob) String() string {
	return fmt.Sprintf("#%d %s %s", j.Sequence, j.Channel, j.Interval)
}

// ParseTimestamp parses YYYY-MM-DDTHH:MM:SS (optionally suffixed with Z) as UTC
func ParseTimestamp(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimSuffix(v, "Z")
	t, err := time.ParseInLocation(TimestampLayout, v, time.UTC)
	// time.Parse accepts fractional seconds the layout does not name
	if err != nil || len(v) != len(TimestampLayout) {
		return time.Time{}, errors.Wrapf(ErrValidation, "invalid timestamp %q: expected %s", s, TimestampLayout)
	}
	return t, nil
}

// ParseInterval parses a start/end pair and checks Start < End
func ParseInterval(start, end string) (TimeInterval, error) {
	s, err := ParseTimestamp(start)
	if err != nil {
		return TimeInterval{}, err
	}
	e, err := ParseTimestamp(end)
	if err != nil {
		return TimeInterval{}, err
	}
	iv := TimeInterval{Start: s, End: e}
	if !iv.Valid() {
		return TimeInterval{}, errors.Wrapf(ErrValidation, "interval start %s is not before end %s", start, end)
	}
	return iv, nil
}
