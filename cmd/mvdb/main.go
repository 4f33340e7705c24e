// Command mvdb inspects and maintains mvdb database files.
//
//	mvdb [-history dir] [-v] <db> points
//	mvdb [-history dir] [-v] <db> history
//	mvdb [-history dir] [-v] <db> stats
//	mvdb [-history dir] [-v] <db> dump
//	mvdb [-history dir] [-v] <db> backup <file>
//	mvdb [-history dir] [-v] <db> exec <statement>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/andreyvit/mvdb"
)

func main() {
	historyDir := flag.String("history", "", "restore point history journal directory")
	verbose := flag.Bool("v", false, "verbose logging")
	lockTimeout := flag.Duration("lock-timeout", mvdb.DefaultLockTimeout, "row lock timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: mvdb [flags] <db> points|history|stats|dump|backup <file>|exec <statement>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	db, err := mvdb.Open(args[0], mvdb.Options{
		Logger:      logger,
		Verbose:     *verbose,
		HistoryDir:  *historyDir,
		LockTimeout: *lockTimeout,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, db, args[1], args[2:])
	cancel()
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, db *mvdb.DB, cmd string, args []string) error {
	switch cmd {
	case "points":
		points, err := db.RestorePoints()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tHORIZON\tCREATED")
		for _, rp := range points {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", rp.Name, rp.Version, rp.OldestVersionToKeep, rp.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()

	case "history":
		events, err := db.History()
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s %-8s %s v%d\n", ev.Time.Format(time.RFC3339), ev.Op, ev.Name, ev.Version)
		}
		return nil

	case "stats":
		st, err := db.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("version %d, horizon %d, reclaimed %d, restore points %d\n", st.Version, st.OldestVersionToKeep, st.ReclaimedVersion, st.RestorePoints)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "TABLE\tROWS\tKEYS\tIN USE\tALLOC\t")
		for _, ts := range st.Tables {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t\n", ts.Name, ts.Rows, ts.Keys, ts.InUse, ts.Alloc)
		}
		return w.Flush()

	case "dump":
		fmt.Print(db.Dump(mvdb.DumpAll))
		return nil

	case "backup":
		if len(args) != 1 {
			return fmt.Errorf("usage: backup <file>")
		}
		return db.BackupFile(ctx, args[0])

	case "exec":
		if len(args) == 0 {
			return fmt.Errorf("usage: exec <statement>")
		}
		s := db.NewSession()
		defer s.Close()
		res, err := s.ExecuteSQL(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("%d row(s) affected\n", res.Affected)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
