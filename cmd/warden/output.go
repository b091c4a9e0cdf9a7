package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/eventlog"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecords(w io.Writer, recs []warden.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tKIND\tSTATUS\tPID\tUPDATED")
	for _, r := range recs {
		pid := "-"
		if r.PID() > 0 {
			pid = strconv.Itoa(r.PID())
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Kind, r.Status, pid, humanize.Time(r.UpdatedAt))
	}
	return tw.Flush()
}

func printStatus(w io.Writer, st warden.StatusReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "name:\t%s\n", st.Name)
	_, _ = fmt.Fprintf(tw, "kind:\t%s\n", st.Kind)
	_, _ = fmt.Fprintf(tw, "state:\t%s\n", st.State)
	_, _ = fmt.Fprintf(tw, "alive:\t%t\n", st.Alive)
	if st.PID() > 0 {
		_, _ = fmt.Fprintf(tw, "pid:\t%d\n", st.PID())
	}
	if u := st.Usage; u != nil {
		_, _ = fmt.Fprintf(tw, "cpu:\t%.1f%%\n", u.CPUPercent)
		_, _ = fmt.Fprintf(tw, "memory:\t%s\n", humanize.IBytes(u.MemoryRSS))
	}
	_, _ = fmt.Fprintf(tw, "updated:\t%s\n", humanize.Time(st.UpdatedAt))
	return tw.Flush()
}

func printEvent(w io.Writer, ev eventlog.Event) error {
	_, err := fmt.Fprintf(w, "%d\t%s\t%s\n", ev.Index, ev.Event, ev.Content)
	return err
}
