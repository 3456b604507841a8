package plan

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding/charmap"
)

// CSVOptions controls window sheet import
type CSVOptions struct {
	// Delimiter is "," or ";". Empty detects it from the header line.
	Delimiter string
	// Encoding is "utf-8" (default) or "windows-1251"
	Encoding string
}

// Validate checks the options
func (o CSVOptions) Validate() error {
	switch o.Delimiter {
	case "", ",", ";", "\t":
	default:
		return errors.Wrapf(ErrValidation, "unsupported delimiter %q", o.Delimiter)
	}
	switch strings.ToLower(o.Encoding) {
	case "", "utf-8", "utf8", "windows-1251", "cp1251":
	default:
		return errors.Wrapf(ErrValidation, "unsupported encoding %q", o.Encoding)
	}
	return nil
}

var csvColumns = []string{"start", "end", "network", "station", "location", "channel", "host", "port"}

// LoadWindowsCSV reads windows from a sheet with a header row.
// start and end columns are required; network, station, location,
// channel, host and port are optional per-row overrides. Empty cells
// keep the base value.
func LoadWindowsCSV(r io.Reader, opts CSVOptions) ([]Window, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if enc := strings.ToLower(opts.Encoding); enc == "windows-1251" || enc == "cp1251" {
		r = charmap.Windows1251.NewDecoder().Reader(r)
	}

	br := bufio.NewReader(r)
	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "read header")
	}
	header = strings.TrimPrefix(header, "\ufeff")
	if strings.TrimSpace(header) == "" {
		return nil, errors.Wrap(ErrValidation, "window sheet is empty")
	}

	delim := opts.Delimiter
	if delim == "" {
		delim = detectDelimiter(header)
	}

	reader := csv.NewReader(io.MultiReader(strings.NewReader(header), br))
	reader.Comma = rune(delim[0])
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	names, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(ErrValidation, "invalid header: %v", err)
	}
	headerMap := make(map[string]int, len(names))
	for i, name := range names {
		headerMap[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"start", "end"} {
		if _, ok := headerMap[required]; !ok {
			return nil, errors.Wrapf(ErrValidation, "header not found: %s", required)
		}
	}

	var windows []Window
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrValidation, "invalid row: %v", err)
		}
		rowNo, _ := reader.FieldPos(0)
		if blank(record) {
			continue
		}

		w, err := windowFromRow(record, headerMap)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", rowNo)
		}
		windows = append(windows, w)
	}

	if len(windows) == 0 {
		return nil, errors.Wrap(ErrValidation, "window sheet has no rows")
	}
	return windows, nil
}

func windowFromRow(record []string, headerMap map[string]int) (Window, error) {
	cell := func(name string) (string, bool) {
		idx, ok := headerMap[name]
		if !ok || idx >= len(record) {
			return "", false
		}
		v := strings.TrimSpace(record[idx])
		return v, v != ""
	}

	var w Window
	for _, col := range csvColumns {
		v, ok := cell(col)
		if !ok {
			if col == "start" || col == "end" {
				return Window{}, errors.Wrapf(ErrValidation, "required field %s is empty", col)
			}
			continue
		}
		switch col {
		case "start":
			w.Start = v
		case "end":
			w.End = v
		case "network":
			w.Network = &v
		case "station":
			w.Station = &v
		case "location":
			w.Location = &v
		case "channel":
			w.Channel = &v
		case "host":
			w.Host = &v
		case "port":
			port, err := strconv.Atoi(v)
			if err != nil {
				return Window{}, errors.Wrapf(ErrValidation, "invalid port %q", v)
			}
			w.Port = &port
		}
	}
	return w, nil
}

func detectDelimiter(header string) string {
	if strings.Count(header, ";") > strings.Count(header, ",") {
		return ";"
	}
	if strings.Contains(header, "\t") && !strings.Contains(header, ",") {
		return "\t"
	}
	return ","
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
