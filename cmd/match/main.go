package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"deptmatch/config"
	"deptmatch/matcher"
	"deptmatch/store"
	"deptmatch/table"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.deptmatch/config.toml)")
	trials := flag.Int("trials", 0, "number of trials override")
	workers := flag.Int("workers", -1, "worker goroutines override, 0 uses every CPU")
	seed := flag.Int64("seed", 0, "random seed override")
	minPrefs := flag.Int("min-prefs", -1, "minimum number of preferences override")
	dbPath := flag.String("db", "", "sqlite database to record the run in, overrides [store]")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] students.csv departments.csv output.csv\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}
	studentsPath, departmentsPath, outputPath := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	params := cfg.Params()
	params.Trials = intOrDefault(*trials, params.Trials)
	if *workers >= 0 {
		params.Workers = *workers
	}
	if *seed != 0 {
		params.Seed = *seed
	}
	if params.Seed == 0 {
		params.Seed = time.Now().UnixNano()
	}
	if *minPrefs >= 0 {
		cfg.Matcher.MinPreferences = *minPrefs
	}

	p, err := table.LoadFiles(studentsPath, departmentsPath, cfg.Matcher.MinPreferences)
	if err != nil {
		log.Fatalf("load input: %v", err)
	}
	log.Printf("loaded students=%d invalid=%d departments=%d", len(p.Agents), len(p.Invalid), len(p.Groups)-1)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	res, err := matcher.Optimize(ctx, p, params)
	if err != nil {
		log.Fatalf("optimize: %v", err)
	}
	worst, count := res.Outcome.Worst()
	log.Printf("trials=%d workers=%d seed=%d retained=%d worst=%s/%d in %v",
		res.Params.Trials, res.Params.Workers, params.Seed, res.Trial, matcher.SummaryLine{Rank: worst}.Label(), count, time.Since(start))

	if err := matcher.WriteSummary(os.Stdout, matcher.Summarize(res.Outcome, res.Agents)); err != nil {
		log.Fatalf("write summary: %v", err)
	}

	var out bytes.Buffer
	if err := table.Write(&out, table.Assemble(p, res)); err != nil {
		log.Fatalf("assemble output: %v", err)
	}
	if err := os.WriteFile(outputPath, out.Bytes(), 0o644); err != nil {
		log.Fatalf("write output: %v", err)
	}

	driver, dsn := cfg.Store.Driver, cfg.Store.DSN
	if *dbPath != "" {
		driver, dsn = "sqlite", *dbPath
	}
	if dsn != "" {
		if err := record(ctx, driver, dsn, store.NewRun(p, res, out.String())); err != nil {
			log.Fatalf("record run: %v", err)
		}
	}
}

func record(ctx context.Context, driver, dsn string, run store.Run) error {
	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}
	st, err := store.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	id, err := st.SaveRun(ctx, run)
	if err != nil {
		return err
	}
	log.Printf("recorded run %s in %s store", id, driver)
	return nil
}

func intOrDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
