package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"deptmatch/matcher"
)

func TestParseIntList(t *testing.T) {
	assert.Equal(t, []int{10, 200, 5}, parseIntList("10, 200,x,0,5"))
	assert.Nil(t, parseIntList(""))
}

func TestPlacementKeyIgnoresOccupantOrder(t *testing.T) {
	a := matcher.Placement{
		Order: []string{matcher.Unassigned, "G1"},
		Occupants: map[string][]matcher.Occupant{
			"G1": {{AgentID: "B", Rank: 0}, {AgentID: "A", Rank: 1}},
		},
	}
	b := matcher.Placement{
		Order: []string{matcher.Unassigned, "G1"},
		Occupants: map[string][]matcher.Occupant{
			"G1": {{AgentID: "A", Rank: 1}, {AgentID: "B", Rank: 0}},
		},
	}
	assert.Equal(t, placementKey(a), placementKey(b))
	assert.Equal(t, "unassigned:;G1:A,B;", placementKey(a))
}

func TestPrintStatsWithoutRuns(t *testing.T) {
	assert.NotPanics(t, func() { printStats("trials=10", nil) })
	assert.NotPanics(t, func() {
		printStats("trials=10", []runResult{{worst: 1, count: 2, placement: "G1:A;", elapsed: time.Millisecond}})
	})
}
