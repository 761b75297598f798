package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	cfgpkg "github.com/rzbill/csvsync/internal/config"
	"github.com/rzbill/csvsync/internal/csvlog"
	"github.com/rzbill/csvsync/internal/ingest"
	"github.com/rzbill/csvsync/internal/logstore"
	"github.com/rzbill/csvsync/internal/rowfilter"
	"github.com/rzbill/csvsync/internal/syncer"
	logpkg "github.com/rzbill/csvsync/pkg/log"
	"github.com/spf13/cobra"
)

func remoteEnabled(cfg cfgpkg.Config) bool {
	return cfg.Remote.Kind != "" && cfg.Remote.Kind != "none"
}

// newLogCommand constructs the `log` command.
func newLogCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log [VALUE...]",
		Short: "Append one row (or one row per stdin line) to a CSV log",
		Example: `  csvsync log --file speed.csv --header speed,altitude 12.345 100
  sensor | csvsync log --file speed.csv --stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			opts := csvlog.OptionsFromConfig(s.Config)
			if f.Changed("file") {
				opts.Filename, _ = f.GetString("file")
			}
			if f.Changed("header") {
				h, _ := f.GetString("header")
				opts.Header = splitList(h)
			}
			if f.Changed("time") {
				opts.LogTime, _ = f.GetBool("time")
			}
			if f.Changed("millis") {
				opts.LogMillis, _ = f.GetBool("millis")
			}
			if f.Changed("precision") {
				opts.Precision, _ = f.GetInt("precision")
				if opts.Precision < 0 {
					return fmt.Errorf("--precision must be >= 0")
				}
			}
			if f.Changed("console") {
				opts.ToConsole, _ = f.GetBool("console")
			}
			opts.Console = cmd.OutOrStdout()
			stdin, _ := f.GetBool("stdin")
			wait, _ := f.GetDuration("wait")
			if !stdin && len(args) == 0 {
				return errors.New("no values to log; pass values or --stdin")
			}

			rt, err := openRuntime(s)
			if err != nil {
				return err
			}
			defer rt.Close()
			sess := csvlog.New(rt, opts)
			defer sess.Release()

			ctx := cmd.Context()
			n := 0
			if stdin {
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					if sc.Text() == "" {
						continue
					}
					if err := sess.Log(ctx, parseValues(rowfilter.Split(sc.Text()))...); err != nil {
						return err
					}
					n++
				}
				if err := sc.Err(); err != nil {
					return err
				}
			} else {
				if err := sess.Log(ctx, parseValues(args)...); err != nil {
					return err
				}
				n = 1
			}
			s.Logger.Debug("rows logged", logpkg.LogName(sess.Filename()), logpkg.Int("rows", n))

			if wait > 0 && remoteEnabled(s.Config) {
				wctx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				res, err := rt.Sync(wctx, sess.Filename()).Wait(wctx)
				if err != nil {
					// the rows are safe locally and stay pending in the ledger
					s.Logger.Warn("rows logged locally but not synced", logpkg.LogName(sess.Filename()), logpkg.Err(err))
					return nil
				}
				s.Logger.Debug("log synced", logpkg.LogName(res.Log), logpkg.Int64("remote", res.Entry.Remote))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("file", "", "Log filename; relative names go under the data dir")
	f.String("header", "", "Comma separated column names")
	f.Bool("time", true, "Prefix each row with a timestamp column")
	f.Bool("millis", true, "Include milliseconds in timestamps")
	f.Int("precision", 2, "Decimal places for float values")
	f.Bool("console", false, "Mirror each row to stdout")
	f.Bool("stdin", false, "Read comma separated rows from stdin")
	f.Duration("wait", 5*time.Second, "Wait this long for the remote sync (0 = do not wait)")
	return cmd
}

type syncLine struct {
	Log    string `json:"log"`
	First  int64  `json:"first,omitempty"`
	Last   int64  `json:"last,omitempty"`
	Pushed int    `json:"pushed"`
	Local  int64  `json:"local"`
	Remote int64  `json:"remote"`
	Error  string `json:"error,omitempty"`
}

func toSyncLine(r syncer.Result) syncLine {
	return syncLine{
		Log:    r.Log,
		First:  r.First,
		Last:   r.Last,
		Pushed: r.Pushed,
		Local:  r.Entry.Local,
		Remote: r.Entry.Remote,
		Error:  errString(r.Err),
	}
}

// newSyncCommand constructs the `sync` command.
func newSyncCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [LOG...]",
		Short: "Push unsent rows of the given logs, or of every log",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			rt, err := openRuntime(s)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			var (
				results []syncer.Result
				errs    []error
			)
			if len(args) == 0 {
				var err error
				results, err = rt.Syncer().SyncAll(ctx)
				if err != nil {
					errs = append(errs, err)
				}
			} else {
				for _, name := range args {
					res, err := rt.Sync(ctx, name).Wait(ctx)
					if res.Log == "" {
						res.Log = name
					}
					if err != nil {
						res.Err = err
						errs = append(errs, fmt.Errorf("%s: %w", name, err))
					}
					results = append(results, res)
				}
			}
			for _, r := range results {
				if err := printJSON(cmd.OutOrStdout(), toSyncLine(r)); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall time limit")
	return cmd
}

type statusLine struct {
	Log     string `json:"log"`
	Local   int64  `json:"local"`
	Remote  int64  `json:"remote"`
	Pending int64  `json:"pending"`
}

// newStatusCommand constructs the `status` command.
func newStatusCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local and acknowledged row counts per log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pendingOnly, _ := cmd.Flags().GetBool("pending")
			rt, err := openRuntime(s)
			if err != nil {
				return err
			}
			defer rt.Close()
			for _, e := range rt.Ledger().Entries() {
				if pendingOnly && e.Pending() == 0 {
					continue
				}
				if err := printJSON(cmd.OutOrStdout(), statusLine{Log: e.Name, Local: e.Local, Remote: e.Remote, Pending: e.Pending()}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("pending", false, "Only logs with unsent rows")
	return cmd
}

// newReadCommand constructs the `read` command.
func newReadCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read LOG",
		Short: "Print rows of a local log, optionally filtered with CEL",
		Example: `  csvsync read speed.csv --filter 'values.speed > 10.0'
  csvsync read speed.csv --from 100 --limit 10 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetInt64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			expr, _ := cmd.Flags().GetString("filter")
			asJSON, _ := cmd.Flags().GetBool("json")

			filter, err := rowfilter.Compile(expr)
			if err != nil {
				return fmt.Errorf("invalid --filter: %w", err)
			}
			path, err := cfgpkg.ResolveLogPath(s.Config.DataDir, args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return err
			}
			store := logstore.New()
			defer store.Close()
			lines, _, err := store.ReadLines(path, 0)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				return nil
			}
			header := rowfilter.Split(lines[0])
			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintln(out, lines[0])
			}
			printed := 0
			for i, line := range lines[1:] {
				n := int64(i) + 1
				if n < from {
					continue
				}
				if !filter.Match(rowfilter.Row{Index: n, Line: line, Header: header}) {
					continue
				}
				if asJSON {
					if err := printJSON(out, ingest.Row{N: n, Line: line}); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(out, line)
				}
				printed++
				if limit > 0 && printed >= limit {
					break
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64("from", 1, "First row number to consider")
	f.Int("limit", 0, "Stop after N rows (0 = all)")
	f.String("filter", "", "CEL expression over row, line, header, fields, values, ts_ms, now_ms")
	f.Bool("json", false, "Print JSON lines with row numbers instead of CSV")
	return cmd
}

// newInitCommand constructs the `init` command.
func newInitCommand(s *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and create the data directory",
		// the config file may not exist yet
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path := s.ConfigPath
			if path == "" {
				path = "csvsync.json"
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			cfg := cfgpkg.Default()
			if s.DataDir != "" {
				cfg.DataDir = s.DataDir
			}
			dir := cfg.DataDir
			if dir == "" {
				dir = cfgpkg.DefaultDataDir()
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			b, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (data dir %s)\n", path, dir)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing config file")
	return cmd
}

// newTokenCommand constructs the `token` command group.
func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "token",
		Short:             "Ingest token helpers",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash TOKEN",
		Short: "Print the bcrypt hash to put in ingest.tokenHash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ingest.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	})
	return cmd
}
