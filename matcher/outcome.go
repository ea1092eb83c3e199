package matcher

import (
	"fmt"
	"io"
	"slices"
)

// Outcome counts agents per achieved rank. Agents in the unassigned group are
// counted at UnassignedRank whatever their list index.
type Outcome map[int]int

// SentinelOutcome is worse than any outcome a trial can produce.
func SentinelOutcome() Outcome {
	return Outcome{UnassignedRank + 1: 1}
}

func (o Outcome) Worst() (rank, count int) {
	rank = -1
	for r, n := range o {
		if n > 0 && r > rank {
			rank = r
		}
	}
	if rank < 0 {
		return -1, 0
	}
	return rank, o[rank]
}

// Better reports whether o beats than: a lower worst rank wins, then fewer
// agents stuck at that rank.
func (o Outcome) Better(than Outcome) bool {
	wo, co := o.Worst()
	wt, ct := than.Worst()
	if wo != wt {
		return wo < wt
	}
	return co < ct
}

func (o Outcome) Total() int {
	n := 0
	for _, c := range o {
		n += c
	}
	return n
}

// Score derives the outcome of a placement.
func Score(pl Placement) Outcome {
	o := Outcome{}
	for g, occ := range pl.Occupants {
		for _, oc := range occ {
			if g == Unassigned {
				o[UnassignedRank]++
			} else {
				o[oc.Rank]++
			}
		}
	}
	return o
}

type SummaryLine struct {
	Rank       int
	Count      int
	Cumulative float64
}

func (l SummaryLine) Label() string {
	if l.Rank == UnassignedRank {
		return "U"
	}
	return fmt.Sprint(l.Rank + 1)
}

// Summarize lists the outcome by rank with the cumulative share of agents, in
// percent of agents.
func Summarize(o Outcome, agents int) []SummaryLine {
	ranks := make([]int, 0, len(o))
	for r := range o {
		ranks = append(ranks, r)
	}
	slices.Sort(ranks)
	lines := make([]SummaryLine, 0, len(ranks))
	sum := 0
	for _, r := range ranks {
		sum += o[r]
		l := SummaryLine{Rank: r, Count: o[r]}
		if agents > 0 {
			l.Cumulative = 100 * float64(sum) / float64(agents)
		}
		lines = append(lines, l)
	}
	return lines
}

func WriteSummary(w io.Writer, lines []SummaryLine) error {
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "Prio %s:\t%d\tCumul.%%: %g\n", l.Label(), l.Count, l.Cumulative); err != nil {
			return err
		}
	}
	return nil
}
