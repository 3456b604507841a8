package plan

import (
	"bytes"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ryabkov82/multifetch/internal/job"
)

// Definition describes a campaign as written by the operator.
// Windows share the base connection and channel; stations carry their own.
type Definition struct {
	Project    string                `json:"project" yaml:"project"`
	Root       string                `json:"root,omitempty" yaml:"root,omitempty"`
	Connection job.ConnectionProfile `json:"connection" yaml:"connection"`
	Channel    job.ChannelAddress    `json:"channel" yaml:"channel"`
	Windows    []Window              `json:"windows,omitempty" yaml:"windows,omitempty"`
	Stations   []Station             `json:"stations,omitempty" yaml:"stations,omitempty"`
}

// Window is one time window with optional per-window overrides
type Window struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Override `yaml:",inline"`
}

// Station is an independent station profile. Empty connection or
// channel fields fall back to the definition's base values.
type Station struct {
	Name       string                `json:"name,omitempty" yaml:"name,omitempty"`
	Connection job.ConnectionProfile `json:"connection" yaml:"connection"`
	Channel    job.ChannelAddress    `json:"channel" yaml:"channel"`
	Windows    []Window              `json:"windows" yaml:"windows"`
}

// override turns the non-empty station fields into an Override
func (s Station) override() Override {
	var o Override
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&o.Network, s.Channel.Network)
	set(&o.Station, s.Channel.Station)
	set(&o.Location, s.Channel.Location)
	set(&o.Channel, s.Channel.Channel)
	set(&o.Host, s.Connection.Host)
	if s.Connection.Port != 0 {
		port := s.Connection.Port
		o.Port = &port
	}
	return o
}

// JobCount returns the number of jobs the definition expands to
func (d Definition) JobCount() int {
	n := len(d.Windows)
	for _, s := range d.Stations {
		n += len(s.Windows)
	}
	return n
}

// LoadDefinition reads a YAML project definition. Unknown keys are rejected.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, errors.Wrapf(err, "read project definition %s", path)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML (or JSON) project definition
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, errors.Wrapf(ErrValidation, "invalid project definition: %v", err)
	}
	return def, nil
}

// PlanDefinition flattens windows then stations, in file order, and plans them
func PlanDefinition(def Definition) ([]job.FetchJob, error) {
	windows := make([]job.TimeInterval, 0, def.JobCount())
	overrides := make(map[int]Override)

	add := func(label string, w Window, base Override) error {
		iv, err := job.ParseInterval(w.Start, w.End)
		if err != nil {
			return errors.Wrap(err, label)
		}
		windows = append(windows, iv)
		if o := base.Merge(w.Override); !o.IsZero() {
			overrides[len(windows)] = o
		}
		return nil
	}

	for i, w := range def.Windows {
		if err := add(fmt.Sprintf("window %d", i+1), w, Override{}); err != nil {
			return nil, err
		}
	}
	for i, s := range def.Stations {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("station %d", i+1)
		}
		if len(s.Windows) == 0 {
			return nil, errors.Wrapf(ErrValidation, "%s has no windows", name)
		}
		so := s.override()
		for j, w := range s.Windows {
			if err := add(fmt.Sprintf("%s window %d", name, j+1), w, so); err != nil {
				return nil, err
			}
		}
	}

	return Plan(def.Project, def.Connection, def.Channel, windows, overrides)
}
