package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"deptmatch/matcher"
	"deptmatch/table"
)

func placementKey(pl matcher.Placement) string {
	var buf strings.Builder
	for _, g := range pl.Order {
		ids := make([]string, 0, len(pl.Occupants[g]))
		for _, o := range pl.Occupants[g] {
			ids = append(ids, o.AgentID)
		}
		slices.Sort(ids)
		buf.WriteString(g)
		buf.WriteByte(':')
		buf.WriteString(strings.Join(ids, ","))
		buf.WriteByte(';')
	}
	return buf.String()
}

type runResult struct {
	worst     int
	count     int
	placement string
	elapsed   time.Duration
}

func printStats(label string, results []runResult) {
	runs := len(results)
	if runs == 0 {
		fmt.Printf("--- %s ---\n  no runs\n", label)
		return
	}
	type worstKey struct{ rank, count int }
	outcomes := map[worstKey]int{}
	placements := map[string]int{}
	var totalTime time.Duration

	for _, r := range results {
		totalTime += r.elapsed
		outcomes[worstKey{r.worst, r.count}]++
		placements[r.placement]++
	}

	fmt.Printf("--- %s ---\n", label)
	fmt.Printf("  avg time: %v\n", totalTime/time.Duration(runs))

	keys := make([]worstKey, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].rank != keys[j].rank {
			return keys[i].rank < keys[j].rank
		}
		return keys[i].count < keys[j].count
	})

	fmt.Printf("  worst rank distribution:\n")
	for _, k := range keys {
		prio := matcher.SummaryLine{Rank: k.rank}.Label()
		n := outcomes[k]
		fmt.Printf("    prio %s x%d: %d/%d runs (%.0f%%)\n", prio, k.count, n, runs, float64(n)/float64(runs)*100)
	}

	fmt.Printf("  unique placements retained: %d\n", len(placements))
	stable := 0
	for _, c := range placements {
		if c == runs {
			stable++
		}
	}
	fmt.Printf("  placements retained in all runs: %d\n", stable)
	fmt.Println()
}

func main() {
	studentsPath := flag.String("students", "students.csv", "student preferences table")
	departmentsPath := flag.String("departments", "departments.csv", "department capacity table")
	runs := flag.Int("runs", 20, "number of optimizer runs per trial count")
	trials := flag.String("trials", "1000,10000,50000", "comma-separated trial counts")
	workers := flag.Int("workers", 0, "worker goroutines per run, 0 uses every CPU")
	minPrefs := flag.Int("min-prefs", matcher.MinPreferences, "minimum number of preferences")
	flag.Parse()
	if *runs < 1 {
		fmt.Fprintf(os.Stderr, "-runs must be at least 1, got %d\n", *runs)
		os.Exit(2)
	}

	p, err := table.LoadFiles(*studentsPath, *departmentsPath, *minPrefs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading tables: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Students: %d, Invalid: %d, Departments: %d\n", len(p.Agents), len(p.Invalid), len(p.Groups)-1)
	fmt.Printf("Runs per config: %d\n\n", *runs)

	for _, n := range parseIntList(*trials) {
		var results []runResult
		for run := range *runs {
			params := matcher.Params{Trials: n, Workers: *workers, Seed: int64(run * 31337)}
			start := time.Now()
			res, err := matcher.Optimize(context.Background(), p, params)
			elapsed := time.Since(start)
			if err != nil {
				fmt.Fprintf(os.Stderr, "optimize: %v\n", err)
				os.Exit(1)
			}
			worst, count := res.Outcome.Worst()
			results = append(results, runResult{worst, count, placementKey(res.Placement), elapsed})
		}
		printStats(fmt.Sprintf("trials=%d workers=%d", n, *workers), results)
	}
}

func parseIntList(s string) []int {
	parts := strings.Split(s, ",")
	var result []int
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil && v > 0 {
			result = append(result, v)
		}
	}
	return result
}
