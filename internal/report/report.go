// Package report renders the orchestrator's user-visible output: the
// periodic progress line spec §4.6/§7 require on stdout, the `show`
// subcommand's crash listing, and an optional live-refreshing status board
// for interactive terminals.
//
// Grounded on Ankou's inform.go/y_bench.go, which use exactly these two
// libraries for exactly these two jobs: github.com/buger/goterm for the
// in-place screen refresh of a running fuzzing session, and
// github.com/olekukonko/tablewriter for tabular dumps (crash lists,
// per-worker pool stats in showPools).
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/buger/goterm"
	"github.com/olekukonko/tablewriter"

	"github.com/covfuzz-project/covfuzz/internal/crashdir"
)

// Progress is one snapshot of the orchestrator's counters, printed every
// stat_frequency seconds (spec §4.6).
type Progress struct {
	Elapsed        time.Duration
	Executions     uint64
	ExecsPerSecond float64
	KnownEdges     int
	CorpusSize     int
	Crashes        int
}

// PrintLine writes the mandatory structured progress line to w (stdout in
// production). This is the line spec §7 refers to when it says "crashes are
// recorded silently (only progress lines mention the cumulative count)".
func PrintLine(w io.Writer, p Progress) {
	fmt.Fprintf(w, "#%d exec/s: %.1f edges: %d corpus: %d crashes: %d elapsed: %s\n",
		p.Executions, p.ExecsPerSecond, p.KnownEdges, p.CorpusSize, p.Crashes,
		p.Elapsed.Round(time.Second))
}

// Board is the live-refreshing terminal view of Progress that `fuzz --live`
// selects in place of PrintLine. It generalizes Ankou's
// goterm.Clear/MoveCursor/Printf screen refresh in fuzz-loop.go and
// inform.go to this engine's counters.
type Board struct {
	target string
}

// NewBoard returns a Board that will identify the session by target name in
// its header line.
func NewBoard(target string) *Board {
	return &Board{target: target}
}

// Refresh redraws the board in place. Safe to call from the same goroutine
// that owns the orchestrator's periodic timer; it is not safe for
// concurrent use, matching goterm's own package-level cursor state.
func (b *Board) Refresh(p Progress) {
	goterm.Clear()
	goterm.MoveCursor(1, 1)
	goterm.Printf("covfuzz  target=%s  elapsed=%s\n", b.target, p.Elapsed.Round(time.Second))
	goterm.Printf("execs: %-10d exec/s: %-8.1f edges: %-8d corpus: %-8d crashes: %d\n",
		p.Executions, p.ExecsPerSecond, p.KnownEdges, p.CorpusSize, p.Crashes)
	goterm.Flush()
}

// PrintCrashTable renders the `show` subcommand's listing (spec §6: "print
// each recorded crash's path and truncated payload").
func PrintCrashTable(w io.Writer, entries []crashdir.Entry) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"name", "path", "size", "payload (hex, truncated)"})
	for _, e := range entries {
		table.Append([]string{
			e.Name,
			e.Path,
			fmt.Sprintf("%d", e.Size),
			fmt.Sprintf("%x", e.Payload),
		})
	}
	table.Render()
}

// WorkerStat is one row of the --debug per-worker execution table,
// generalizing Ankou's showPools (types.go) from AFL shared-memory pool
// usage to this engine's per-worker execution counters.
type WorkerStat struct {
	Index      int
	Executions uint64
	LocalEdges int
}

// PrintWorkerTable renders the --debug per-worker table.
func PrintWorkerTable(w io.Writer, stats []WorkerStat) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"worker", "executions", "local edges"})

	var totalExecs uint64
	var totalEdges int
	for _, s := range stats {
		table.Append([]string{
			fmt.Sprintf("%d", s.Index),
			fmt.Sprintf("%d", s.Executions),
			fmt.Sprintf("%d", s.LocalEdges),
		})
		totalExecs += s.Executions
		totalEdges += s.LocalEdges
	}
	table.Append([]string{"total", fmt.Sprintf("%d", totalExecs), fmt.Sprintf("%d", totalEdges)})
	table.Render()
}
