package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/qstats/pkg/cache"
	"github.com/orneryd/qstats/pkg/engine"
	"github.com/orneryd/qstats/pkg/fingerprint"
	"github.com/orneryd/qstats/pkg/session"
)

// maxStatementLine bounds a single statement in a replay file.
const maxStatementLine = 4 * fingerprint.MaxLengthCeiling

type replayOptions struct {
	Workers    int
	Level      cache.Level
	MaxEntries int
	Timeout    time.Duration
}

type replaySummary struct {
	Statements int
	Timeouts   int
	Elapsed    time.Duration
	Rows       []cache.Row
}

func runReplay(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	level, _ := cmd.Flags().GetInt("level")
	maxEntries, _ := cmd.Flags().GetInt("max-entries")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening statement log: %w", err)
	}
	defer f.Close()

	summary, err := replay(cmd.Context(), f, replayOptions{
		Workers:    workers,
		Level:      cache.Level(level),
		MaxEntries: maxEntries,
		Timeout:    timeout,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary.Rows)
	}
	printSummary(out, summary)
	return nil
}

// replay runs every statement of r through a private engine using
// opts.Workers concurrent sessions.
func replay(ctx context.Context, r io.Reader, opts replayOptions) (replaySummary, error) {
	if !opts.Level.Valid() || opts.Level == cache.LevelOff {
		return replaySummary{}, fmt.Errorf("level must be %d or %d", cache.LevelFingerprint, cache.LevelClient)
	}

	cfg := engine.DefaultConfig()
	cfg.Stats.Level = opts.Level
	cfg.Stats.MaxEntries = opts.MaxEntries
	eng := engine.New(cfg)
	defer eng.Close()

	start := time.Now()
	timeouts, err := replayInto(ctx, eng, r, opts.Workers, opts.Timeout)
	if err != nil {
		return replaySummary{}, err
	}

	rows, err := eng.Cache().Rows()
	if err != nil {
		return replaySummary{}, err
	}
	slices.SortStableFunc(rows, func(a, b cache.Row) int {
		switch {
		case a.Count > b.Count:
			return -1
		case a.Count < b.Count:
			return 1
		}
		return 0
	})

	summary := replaySummary{Timeouts: timeouts, Rows: rows}
	for _, row := range rows {
		summary.Statements += int(row.Count)
	}
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// replayStatement is one statement of a replay file. Sleep is how long the
// simulated execution takes.
type replayStatement struct {
	Text  string
	Sleep time.Duration
}

// sleepHint prefixes a comment line that sets the simulated run time of the
// next statement, e.g. "-- sleep=250ms".
const sleepHint = "-- sleep="

// replayInto runs every statement of r through eng with workers concurrent
// sessions and returns how many statements hit their deadline. A zero
// timeout leaves the engine's default deadline in place.
func replayInto(ctx context.Context, eng *engine.Engine, r io.Reader, workers int, timeout time.Duration) (int, error) {
	if workers <= 0 {
		workers = 1
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stmts := make(chan replayStatement, workers*4)
	timeouts := make(chan int, workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(stmts)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxStatementLine)

		var sleep time.Duration
		lineNo := 0
		for sc.Scan() {
			lineNo++
			line := strings.TrimSpace(sc.Text())
			if hint, ok := strings.CutPrefix(line, sleepHint); ok {
				d, err := time.ParseDuration(strings.TrimSpace(hint))
				if err != nil || d < 0 {
					return fmt.Errorf("line %d: invalid sleep hint %q", lineNo, hint)
				}
				sleep = d
				continue
			}
			if line == "" || strings.HasPrefix(line, "--") {
				continue
			}
			select {
			case stmts <- replayStatement{Text: line, Sleep: sleep}:
			case <-gctx.Done():
				return gctx.Err()
			}
			sleep = 0
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("reading statement log: %w", err)
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			sess := session.New(session.WithTimeout(timeout))
			defer eng.ReleaseSession(sess)

			killed := 0
			defer func() { timeouts <- killed }()
			for stmt := range stmts {
				_, err := eng.Execute(gctx, sess, engine.NewStatement(stmt.Text), simulatedExec(stmt.Sleep))
				if errors.Is(err, engine.ErrStatementTimeout) {
					killed++
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	close(timeouts)
	total := 0
	for n := range timeouts {
		total += n
	}
	return total, err
}

// simulatedExec returns a statement body that takes d to complete, or gives
// up as soon as the statement is killed.
func simulatedExec(d time.Duration) engine.ExecFunc {
	if d <= 0 {
		return noopExec
	}
	return func(ctx context.Context) (engine.Result, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return engine.Result{}, nil
		case <-ctx.Done():
			return engine.Result{}, context.Cause(ctx)
		}
	}
}

func noopExec(context.Context) (engine.Result, error) {
	return engine.Result{}, nil
}

func printSummary(out io.Writer, s replaySummary) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COUNT\tLATENCY\tMAX_LATENCY\tROWS_SENT\tCLIENT_ID\tQUERY_TYPE")
	for _, r := range s.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Comma(int64(r.Count)),
			time.Duration(r.Latency)*time.Microsecond,
			time.Duration(r.MaxLatency)*time.Microsecond,
			humanize.Comma(int64(r.RowsSent)),
			r.ClientID,
			truncate(r.Fingerprint, 80),
		)
	}
	tw.Flush()

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s tracked statements, %s keys, %s timeouts in %s\n",
		humanize.Comma(int64(s.Statements)),
		humanize.Comma(int64(len(s.Rows))),
		humanize.Comma(int64(s.Timeouts)),
		s.Elapsed.Round(time.Millisecond),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
