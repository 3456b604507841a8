package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/ryabkov82/multifetch/internal/job"
)

// progress prints batch events as they arrive. The executor serializes
// calls, so no locking is needed here.
type progress struct {
	w     io.Writer
	total int
	done  int
	quiet bool
}

func (p *progress) onEvent(ev job.Event) {
	switch ev.Type {
	case job.EventStarted:
		if !p.quiet {
			fmt.Fprint(p.w, pterm.Info.Sprintfln("[%d/%d] %s %s", ev.Job.Sequence, p.total, ev.Job.Channel, ev.Job.Interval))
		}
	case job.EventFetched:
		if !p.quiet {
			fmt.Fprintf(p.w, "        fetched %d trace(s)\n", ev.TraceCount)
		}
	case job.EventSaved:
		p.done++
		fmt.Fprint(p.w, pterm.Success.Sprintfln("[%d/%d] saved %s", ev.Job.Sequence, p.total, ev.Path))
	case job.EventFailed:
		p.done++
		fmt.Fprint(p.w, pterm.Error.Sprintfln("[%d/%d] %s failed (%s): %s", ev.Job.Sequence, p.total, ev.Stage, ev.Kind, ev.Message))
	}
}

// renderSummary prints the counters and one row per failure
func renderSummary(w io.Writer, s job.Summary) error {
	fmt.Fprintln(w)
	line := fmt.Sprintf("%d of %d jobs saved, %d failed", s.Succeeded, s.Total, s.Failed)
	if s.Skipped > 0 {
		line += fmt.Sprintf(", %d skipped", s.Skipped)
	}
	if s.Failed == 0 && s.Skipped == 0 {
		fmt.Fprint(w, pterm.Success.Sprintln(line))
		return nil
	}
	fmt.Fprint(w, pterm.Warning.Sprintln(line))
	if len(s.Failures) == 0 {
		return nil
	}

	data := pterm.TableData{{"#", "Stage", "Kind", "Message"}}
	for _, f := range s.Failures {
		data = append(data, []string{strconv.Itoa(f.Sequence), string(f.Stage), f.Kind, f.Message})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	return nil
}

// renderJobs prints a planned batch as a table
func renderJobs(w io.Writer, jobs []job.FetchJob) error {
	data := pterm.TableData{{"#", "Channel", "Source", "Start", "End", "File"}}
	for _, j := range jobs {
		data = append(data, []string{
			strconv.Itoa(j.Sequence),
			j.Channel.String(),
			j.Connection.Address(),
			j.Interval.Start.Format(job.TimestampLayout),
			j.Interval.End.Format(job.TimestampLayout),
			j.Filename,
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	return nil
}
