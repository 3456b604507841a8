// Package plan expands a project definition into an ordered list of fetch jobs.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/unicode/norm"

	"github.com/ryabkov82/multifetch/internal/job"
)

// ErrValidation is returned (wrapped) for every planning input error
var ErrValidation = job.ErrValidation

// Extension is appended to every destination filename
const Extension = ".mseed"

// Override replaces selected channel or connection fields for one job.
// Nil fields keep the base value.
type Override struct {
	Network  *string `json:"network,omitempty" yaml:"network,omitempty"`
	Station  *string `json:"station,omitempty" yaml:"station,omitempty"`
	Location *string `json:"location,omitempty" yaml:"location,omitempty"`
	Channel  *string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Host     *string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     *int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// IsZero reports whether the override changes nothing
func (o Override) IsZero() bool {
	return o.Network == nil && o.Station == nil && o.Location == nil &&
		o.Channel == nil && o.Host == nil && o.Port == nil
}

// Merge returns o with every field set in other taking precedence
func (o Override) Merge(other Override) Override {
	if other.Network != nil {
		o.Network = other.Network
	}
	if other.Station != nil {
		o.Station = other.Station
	}
	if other.Location != nil {
		o.Location = other.Location
	}
	if other.Channel != nil {
		o.Channel = other.Channel
	}
	if other.Host != nil {
		o.Host = other.Host
	}
	if other.Port != nil {
		o.Port = other.Port
	}
	return o
}

func (o Override) apply(ch job.ChannelAddress, conn job.ConnectionProfile) (job.ChannelAddress, job.ConnectionProfile) {
	if o.Network != nil {
		ch.Network = *o.Network
	}
	if o.Station != nil {
		ch.Station = *o.Station
	}
	if o.Location != nil {
		ch.Location = *o.Location
	}
	if o.Channel != nil {
		ch.Channel = *o.Channel
	}
	if o.Host != nil {
		conn.Host = *o.Host
	}
	if o.Port != nil {
		conn.Port = *o.Port
	}
	return ch, conn
}

// Plan builds one job per window, in window order, numbered from 1.
// overrides is keyed by sequence number and may be nil.
// The project name is NFC-normalised before it is used in filenames.
func Plan(project string, base job.ConnectionProfile, baseChannel job.ChannelAddress, windows []job.TimeInterval, overrides map[int]Override) ([]job.FetchJob, error) {
	name, err := NormalizeProject(project)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, errors.Wrap(ErrValidation, "at least one time window is required")
	}
	if err := checkOverrideKeys(overrides, len(windows)); err != nil {
		return nil, err
	}

	jobs := make([]job.FetchJob, 0, len(windows))
	for i, iv := range windows {
		seq := i + 1
		if !iv.Valid() {
			return nil, errors.Wrapf(ErrValidation, "window %d: start %s is not before end %s",
				seq, iv.Start.UTC().Format(job.TimestampLayout), iv.End.UTC().Format(job.TimestampLayout))
		}

		ch, conn := overrides[seq].apply(baseChannel, base)
		ch = NormalizeChannel(ch)
		if err := ValidateChannel(ch); err != nil {
			return nil, errors.Wrapf(err, "window %d", seq)
		}
		if err := conn.Validate(); err != nil {
			return nil, errors.Wrapf(err, "window %d", seq)
		}

		iv = job.TimeInterval{Start: iv.Start.UTC(), End: iv.End.UTC()}
		jobs = append(jobs, job.FetchJob{
			Sequence:   seq,
			Channel:    ch,
			Interval:   iv,
			Connection: conn,
			Filename:   Filename(name, seq, iv),
		})
	}
	return jobs, nil
}

// Filename derives the destination filename of a job
func Filename(project string, seq int, iv job.TimeInterval) string {
	return fmt.Sprintf("%s_%d_%s_to_%s%s", project, seq,
		iv.Start.UTC().Format(job.FilenameTimeLayout),
		iv.End.UTC().Format(job.FilenameTimeLayout),
		Extension)
}

func checkOverrideKeys(overrides map[int]Override, n int) error {
	var bad []int
	for seq := range overrides {
		if seq < 1 || seq > n {
			bad = append(bad, seq)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Ints(bad)
	return errors.Wrapf(ErrValidation, "overrides reference unknown sequence numbers %v (batch has %d windows)", bad, n)
}

// NormalizeProject NFC-normalises a project name and checks that it is
// usable as a single path segment on common filesystems.
func NormalizeProject(project string) (string, error) {
	name := norm.NFC.String(project)
	switch {
	case name == "":
		return "", errors.Wrap(ErrValidation, "project name is required")
	case strings.TrimSpace(name) != name:
		return "", errors.Wrapf(ErrValidation, "project name %q has leading or trailing spaces", project)
	case name == "." || name == "..":
		return "", errors.Wrapf(ErrValidation, "project name %q is reserved", project)
	case len(name) > 200:
		return "", errors.Wrapf(ErrValidation, "project name is longer than 200 bytes")
	}
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
			return "", errors.Wrapf(ErrValidation, "project name %q contains unsafe character %q", project, r)
		}
	}
	return name, nil
}

// NormalizeChannel trims and uppercases codes; "--" is the empty location
func NormalizeChannel(ch job.ChannelAddress) job.ChannelAddress {
	ch.Network = strings.ToUpper(strings.TrimSpace(ch.Network))
	ch.Station = strings.ToUpper(strings.TrimSpace(ch.Station))
	ch.Location = strings.ToUpper(strings.TrimSpace(ch.Location))
	ch.Channel = strings.ToUpper(strings.TrimSpace(ch.Channel))
	if ch.Location == "--" {
		ch.Location = ""
	}
	return ch
}

// ValidateChannel checks SEED code lengths and wildcard placement.
// Only the channel code may hold wildcards: any number of '?' and
// at most one '*', which must be the last character.
func ValidateChannel(ch job.ChannelAddress) error {
	fields := []struct {
		name     string
		value    string
		min, max int
	}{
		{"network", ch.Network, 1, 2},
		{"station", ch.Station, 1, 5},
		{"location", ch.Location, 0, 2},
	}
	for _, f := range fields {
		if len(f.value) < f.min || len(f.value) > f.max {
			return errors.Wrapf(ErrValidation, "%s code %q must be %d-%d characters", f.name, f.value, f.min, f.max)
		}
		if !isCode(f.value) {
			return errors.Wrapf(ErrValidation, "%s code %q must be alphanumeric", f.name, f.value)
		}
	}

	c := ch.Channel
	if c == "" {
		return errors.Wrap(ErrValidation, "channel code is required")
	}
	if i := strings.IndexByte(c, '*'); i >= 0 && i != len(c)-1 {
		return errors.Wrapf(ErrValidation, "channel %q: '*' is only allowed as the last character", c)
	}
	fixed := strings.TrimSuffix(c, "*")
	if len(fixed) > 3 || (!strings.HasSuffix(c, "*") && len(c) != 3) {
		return errors.Wrapf(ErrValidation, "channel code %q must be 3 characters or a trailing-'*' pattern", c)
	}
	if !isCode(strings.ReplaceAll(fixed, "?", "")) {
		return errors.Wrapf(ErrValidation, "channel code %q must be alphanumeric", c)
	}
	return nil
}

func isCode(s string) bool {
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
