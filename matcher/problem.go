package matcher

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

const (
	Unassigned         = "unassigned"
	UnassignedRank     = 99
	UnassignedCapacity = 99999
	MinPreferences     = 3
)

var (
	ErrUnknownGroup = errors.New("preference names an unknown group")
	ErrNoAgents     = errors.New("no valid agents")
)

type Agent struct {
	ID          string
	Preferences []string
}

type Group struct {
	ID       string
	Label    string
	Capacity int
}

type Problem struct {
	Agents  []Agent
	Groups  []Group
	Invalid []string
}

// Normalize returns a copy of p in which the unassigned group exists and every
// preference list ends in it.
func (p Problem) Normalize() Problem {
	out := Problem{
		Agents:  make([]Agent, len(p.Agents)),
		Invalid: slices.Clone(p.Invalid),
	}
	hasUnassigned := slices.ContainsFunc(p.Groups, func(g Group) bool { return g.ID == Unassigned })
	if !hasUnassigned {
		out.Groups = append(out.Groups, Group{ID: Unassigned, Label: Unassigned, Capacity: UnassignedCapacity})
	}
	out.Groups = append(out.Groups, p.Groups...)
	for i, a := range p.Agents {
		prefs := slices.Clone(a.Preferences)
		if len(prefs) == 0 || prefs[len(prefs)-1] != Unassigned {
			prefs = append(prefs, Unassigned)
		}
		out.Agents[i] = Agent{ID: a.ID, Preferences: prefs}
	}
	return out
}

// compiled is the read-only, index-based form of a Problem shared by all trials.
type compiled struct {
	agentIDs   []string
	groupIDs   []string
	prefs      [][]int
	capacity   []int
	unassigned int
}

func compile(p Problem) (*compiled, error) {
	p = p.Normalize()
	c := &compiled{
		agentIDs: make([]string, len(p.Agents)),
		groupIDs: make([]string, len(p.Groups)),
		prefs:    make([][]int, len(p.Agents)),
		capacity: make([]int, len(p.Groups)),
	}
	idx := map[string]int{}
	for i, g := range p.Groups {
		idx[g.ID] = i
		c.groupIDs[i] = g.ID
		c.capacity[i] = max(g.Capacity, 0)
		if g.ID == Unassigned {
			c.unassigned = i
			c.capacity[i] = math.MaxInt
		}
	}
	for i, a := range p.Agents {
		c.agentIDs[i] = a.ID
		c.prefs[i] = make([]int, len(a.Preferences))
		for j, gid := range a.Preferences {
			g, ok := idx[gid]
			if !ok {
				return nil, fmt.Errorf("agent %s preference %d: %w: %q", a.ID, j+1, ErrUnknownGroup, gid)
			}
			c.prefs[i][j] = g
		}
	}
	return c, nil
}
