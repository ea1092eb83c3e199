package matcher

import (
	"fmt"
	"slices"
)

type Occupant struct {
	AgentID string
	// Rank is the index of the group in the agent's preference list, also
	// in the unassigned group. Only Outcome counts unassigned agents at
	// UnassignedRank.
	Rank int
}

// Placement maps each group to its occupants. Rank is the index of the group in
// the occupant's preference list.
type Placement struct {
	Order     []string
	Occupants map[string][]Occupant
}

type occupant struct {
	agent int
	rank  int
}

// trial is the arena for one randomized run. It is never reused.
type trial struct {
	c     *compiled
	draws []float64
	occ   [][]occupant
}

func newTrial(c *compiled, draws []float64) *trial {
	return &trial{
		c:     c,
		draws: draws,
		occ:   make([][]occupant, len(c.groupIDs)),
	}
}

func (t *trial) run() {
	for a := range t.c.agentIDs {
		t.place(a)
	}
}

// place puts agent at its first preference. Whenever a group overflows, the
// occupant with the smallest draw is moved on to its own next preference until
// some group absorbs the chain. The unassigned group never overflows.
func (t *trial) place(agent int) {
	a, rank := agent, 0
	for {
		g := t.c.prefs[a][rank]
		t.occ[g] = append(t.occ[g], occupant{agent: a, rank: rank})
		if len(t.occ[g]) <= t.c.capacity[g] {
			return
		}
		i := t.weakest(t.occ[g])
		moved := t.occ[g][i]
		t.occ[g] = slices.Delete(t.occ[g], i, i+1)
		a, rank = moved.agent, moved.rank+1
	}
}

func (t *trial) weakest(occ []occupant) int {
	w := 0
	for i := 1; i < len(occ); i++ {
		if t.draws[occ[i].agent] < t.draws[occ[w].agent] {
			w = i
		}
	}
	return w
}

func (t *trial) outcome() Outcome {
	o := Outcome{}
	for g, occ := range t.occ {
		for _, oc := range occ {
			if g == t.c.unassigned {
				o[UnassignedRank]++
			} else {
				o[oc.rank]++
			}
		}
	}
	return o
}

func (t *trial) placement() Placement {
	pl := Placement{
		Order:     slices.Clone(t.c.groupIDs),
		Occupants: make(map[string][]Occupant, len(t.c.groupIDs)),
	}
	for g, occ := range t.occ {
		members := make([]Occupant, len(occ))
		for i, oc := range occ {
			members[i] = Occupant{AgentID: t.c.agentIDs[oc.agent], Rank: oc.rank}
		}
		pl.Occupants[t.c.groupIDs[g]] = members
	}
	return pl
}

// PlaceAll runs a single trial with the given draws. Every agent of p must have
// a draw; the result is fully determined by them.
func PlaceAll(p Problem, draws map[string]float64) (Placement, error) {
	c, err := compile(p)
	if err != nil {
		return Placement{}, err
	}
	d := make([]float64, len(c.agentIDs))
	for i, id := range c.agentIDs {
		v, ok := draws[id]
		if !ok {
			return Placement{}, fmt.Errorf("agent %s has no random draw", id)
		}
		d[i] = v
	}
	t := newTrial(c, d)
	t.run()
	return t.placement(), nil
}
