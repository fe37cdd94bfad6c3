// Command litebind is an interactive shell over the litebind library.
// It reads ';'-terminated statements from stdin (or runs a single -e
// statement), prints result rows as a plain table, and exposes the
// pipeline's tracing hooks via flags.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	flags "github.com/jessevdk/go-flags"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/SimonWaldherr/litebind"
)

type options struct {
	DSN         string `short:"d" long:"dsn" default:":memory:" description:"database path, optionally with ?busy_timeout=...&journal_mode=... options"`
	Config      string `short:"c" long:"config" description:"YAML config file with pragmas and hook settings"`
	Execute     string `short:"e" long:"execute" description:"run a single statement and exit"`
	Echo        bool   `long:"echo" description:"echo each statement before it runs"`
	TraceRows   bool   `long:"trace-rows" description:"log every fetched row"`
	Checkpoint  string `long:"checkpoint" description:"cron schedule for periodic WAL checkpoints (e.g. '@every 5m')"`
	Verbose     bool   `short:"v" long:"verbose" description:"verbose logging"`
	ShowVersion bool   `long:"version" description:"print version and exit"`
}

type config struct {
	Pragmas            map[string]string `yaml:"pragmas"`
	BusyTimeout        string            `yaml:"busy_timeout"`
	AllowMissing       bool              `yaml:"allow_missing_bindings"`
	ProgressEverySteps int               `yaml:"progress_every_steps"`
}

var errPrint = color.New(color.FgRed).FprintfFunc()

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		errPrint(os.Stderr, "litebind: %v\n", err)
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Println("litebind", litebind.Version)
		return
	}

	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if opts.Verbose {
		logOpts = append(logOpts, lgr.Debug)
	}
	logger := lgr.New(logOpts...)
	litebind.SetLogger(logger)

	if err := run(opts, logger); err != nil {
		errPrint(os.Stderr, "litebind: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, logger *lgr.Logger) error {
	conn, err := litebind.Open(opts.DSN)
	if err != nil {
		return err
	}
	defer conn.Close()

	if opts.Config != "" {
		if err := applyConfig(conn, opts.Config); err != nil {
			return err
		}
	}

	if opts.Echo {
		conn.SetExecTrace(func(cur *litebind.Cursor, sql string, bindings any) bool {
			logger.Logf("INFO exec: %s", sql)
			return true
		})
	}
	if opts.TraceRows {
		conn.SetRowTrace(func(cur *litebind.Cursor, row litebind.Row) litebind.Row {
			logger.Logf("DEBUG row: %v", row)
			return row
		})
	}

	if opts.Checkpoint != "" {
		sched := cron.New()
		_, err := sched.AddFunc(opts.Checkpoint, func() {
			if _, err := conn.Execute("PRAGMA wal_checkpoint(PASSIVE)", nil); err != nil {
				logger.Logf("WARN checkpoint failed: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid checkpoint schedule %q: %w", opts.Checkpoint, err)
		}
		sched.Start()
		defer sched.Stop()
	}

	if opts.Execute != "" {
		return runStatement(conn, opts.Execute)
	}
	return runREPL(conn)
}

func applyConfig(conn *litebind.Connection, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.BusyTimeout != "" {
		d, err := time.ParseDuration(cfg.BusyTimeout)
		if err != nil {
			return fmt.Errorf("busy_timeout: %w", err)
		}
		conn.SetBusyTimeout(d)
	}
	for name, value := range cfg.Pragmas {
		if _, err := conn.Execute(fmt.Sprintf("PRAGMA %s=%s", name, value), nil); err != nil {
			return fmt.Errorf("pragma %s: %w", name, err)
		}
	}
	if cfg.AllowMissing {
		litebind.SetAllowMissingNamedBindings(true)
	}
	if cfg.ProgressEverySteps > 0 {
		conn.SetProgressHandler(func() bool { return false }, cfg.ProgressEverySteps)
	}
	return nil
}

func runREPL(conn *litebind.Connection) error {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 4*1024*1024)

	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}
	if interactive {
		fmt.Println("litebind shell. End statements with ';'. '.help' for help.")
	}

	var buf strings.Builder
	for {
		if interactive {
			if buf.Len() == 0 {
				fmt.Print("sql> ")
			} else {
				fmt.Print(" ... ")
			}
		}
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if buf.Len() == 0 && strings.HasPrefix(line, ".") {
			if done := handleMeta(conn, line); done {
				return nil
			}
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
		if !strings.HasSuffix(line, ";") {
			continue
		}
		stmt := strings.TrimSpace(buf.String())
		buf.Reset()
		if err := runStatement(conn, stmt); err != nil {
			errPrint(os.Stderr, "ERR: %v\n", err)
		}
	}
}

// handleMeta processes dot-commands; it reports true when the shell
// should exit.
func handleMeta(conn *litebind.Connection, line string) bool {
	switch cmd := strings.Fields(line)[0]; cmd {
	case ".quit", ".exit":
		return true
	case ".help":
		fmt.Println(".tables        list tables")
		fmt.Println(".schema NAME   show the schema of NAME")
		fmt.Println(".changes       rows changed by the last statement")
		fmt.Println(".quit          exit")
	case ".tables":
		if err := runStatement(conn, "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name"); err != nil {
			errPrint(os.Stderr, "ERR: %v\n", err)
		}
	case ".schema":
		parts := strings.Fields(line)
		if len(parts) != 2 {
			errPrint(os.Stderr, "usage: .schema NAME\n")
			return false
		}
		err := runStatement(conn, "SELECT sql FROM sqlite_master WHERE name="+quoteLiteral(parts[1]))
		if err != nil {
			errPrint(os.Stderr, "ERR: %v\n", err)
		}
	case ".changes":
		fmt.Println(conn.Changes())
	default:
		errPrint(os.Stderr, "unknown command %s\n", cmd)
	}
	return false
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func runStatement(conn *litebind.Connection, stmt string) error {
	cur, err := conn.Execute(stmt, nil)
	if err != nil {
		return err
	}
	first := true
	for {
		row, err := cur.FetchOne()
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		if first {
			first = false
			if desc, err := cur.Description(); err == nil {
				names := make([]string, len(desc))
				for i, d := range desc {
					names[i] = d.Name
				}
				fmt.Println(strings.Join(names, " | "))
			}
		}
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Println(strings.Join(cells, " | "))
	}
}
