package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// printer renders command results in the configured output format.
type printer struct {
	out    io.Writer
	format string
}

func (a *app) printer(cmd *cobra.Command) printer {
	return printer{out: cmd.OutOrStdout(), format: a.output()}
}

// print writes v as JSON or YAML, or fills a table with fill.
func (p printer) print(v any, header []any, fill func(t *tablewriter.Table)) error {
	switch p.format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(p.out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to encode output as JSON: %w", err)
		}
		return nil
	case OutputFormatYAML:
		// Round trip through JSON so the json tags and raw JSON fields are kept.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode output as YAML: %w", err)
		}
		var plain any
		if err := json.Unmarshal(data, &plain); err != nil {
			return fmt.Errorf("failed to encode output as YAML: %w", err)
		}
		encoder := yaml.NewEncoder(p.out)
		defer encoder.Close()
		if err := encoder.Encode(plain); err != nil {
			return fmt.Errorf("failed to encode output as YAML: %w", err)
		}
		return nil
	default:
		table := tablewriter.NewWriter(p.out)
		table.Header(header...)
		fill(table)
		if err := table.Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
		return nil
	}
}

// properties renders a flat property table of m sorted by key.
func properties(m map[string]any) func(t *tablewriter.Table) {
	return func(t *tablewriter.Table) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = t.Append(k, cell(m[k]))
		}
	}
}

func cell(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return humanize.Ftoa(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func outcomeRows(outcomes []download.Outcome) func(t *tablewriter.Table) {
	return func(t *tablewriter.Table) {
		for _, out := range outcomes {
			status := "ok"
			if out.Err != nil {
				status = out.Err.Error()
			}
			_ = t.Append(out.Path, humanize.Bytes(uint64(out.Bytes)), out.Duration.Round(time.Millisecond).String(), status)
		}
	}
}

type outcomeView struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

func outcomeViews(outcomes []download.Outcome) []outcomeView {
	views := make([]outcomeView, 0, len(outcomes))
	for _, out := range outcomes {
		v := outcomeView{URL: redactURL(out.Task.URL), Path: out.Path, Bytes: out.Bytes}
		if out.Task.Checksum != nil {
			v.Checksum = out.Task.Checksum.String()
		}
		if out.Err != nil {
			v.Error = out.Err.Error()
		}
		views = append(views, v)
	}
	return views
}

func (p printer) outcomes(outcomes []download.Outcome) error {
	return p.print(outcomeViews(outcomes), []any{"Path", "Size", "Duration", "Status"}, outcomeRows(outcomes))
}

// progressBar reports download progress on a terminal. Events of concurrent
// tasks share one status line.
type progressBar struct {
	mu     sync.Mutex
	w      io.Writer
	starts map[int]time.Time
}

// newProgress returns a progress callback writing to w, or nil when w is not a
// terminal.
func newProgress(w io.Writer) func(download.Progress) {
	if !isTerminal(w) {
		return nil
	}
	pb := &progressBar{w: w, starts: make(map[int]time.Time)}
	return pb.report
}

func (pb *progressBar) report(p download.Progress) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	start, ok := pb.starts[p.Index]
	if !ok {
		start = time.Now()
		pb.starts[p.Index] = start
	}

	name := p.Path
	if name == "" {
		name = redactURL(p.URL)
	}

	if p.Done {
		delete(pb.starts, p.Index)
		status := "done"
		if p.Err != nil {
			status = "failed"
		}
		fmt.Fprintf(pb.w, "\r\033[K%s: %s (%s)\n", name, status, humanize.Bytes(uint64(p.Bytes)))
		return
	}

	speed := float64(p.Bytes) / max(time.Since(start).Seconds(), 0.001)
	if p.Total > 0 {
		fmt.Fprintf(pb.w, "\r\033[K%s: %s / %s (%s/s)", name,
			humanize.Bytes(uint64(p.Bytes)), humanize.Bytes(uint64(p.Total)), humanize.Bytes(uint64(speed)))
		return
	}
	fmt.Fprintf(pb.w, "\r\033[K%s: %s (%s/s)", name, humanize.Bytes(uint64(p.Bytes)), humanize.Bytes(uint64(speed)))
}
