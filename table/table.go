package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"deptmatch/matcher"
)

var (
	ErrBadCapacity    = errors.New("capacity must be a non-negative integer")
	ErrDuplicateGroup = errors.New("duplicate department")
	ErrShortRow       = errors.New("department row needs id, label and capacity")
)

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// ReadStudents parses rows of student ID followed by department preferences.
// Students with fewer than minPrefs preferences are returned as invalid. A
// repeated ID keeps the position of its first row and the content of its last.
func ReadStudents(r io.Reader, minPrefs int) ([]matcher.Agent, []string, error) {
	rows, err := newReader(r).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read students: %w", err)
	}
	var order []string
	latest := map[string][]string{}
	for _, row := range skipHeader(rows) {
		id := strings.TrimSpace(row[0])
		if id == "" {
			continue
		}
		prefs := []string{}
		for _, v := range row[1:] {
			if v = strings.TrimSpace(v); v != "" {
				prefs = append(prefs, v)
			}
		}
		if _, ok := latest[id]; !ok {
			order = append(order, id)
		}
		latest[id] = prefs
	}

	var agents []matcher.Agent
	var invalid []string
	for _, id := range order {
		prefs := latest[id]
		if len(prefs) < minPrefs {
			invalid = append(invalid, id)
			continue
		}
		agents = append(agents, matcher.Agent{ID: id, Preferences: append(prefs, matcher.Unassigned)})
	}
	return agents, invalid, nil
}

// ReadDepartments parses id;label;capacity rows. The unassigned group comes
// first in the result whatever the input holds.
func ReadDepartments(r io.Reader) ([]matcher.Group, error) {
	rows, err := newReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read departments: %w", err)
	}
	groups := []matcher.Group{{ID: matcher.Unassigned, Label: matcher.Unassigned, Capacity: matcher.UnassignedCapacity}}
	seen := map[string]bool{matcher.Unassigned: true}
	for i, row := range skipHeader(rows) {
		line := i + 2
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) < 3 {
			return nil, fmt.Errorf("line %d: %w", line, ErrShortRow)
		}
		id := strings.TrimSpace(row[0])
		if seen[id] {
			return nil, fmt.Errorf("line %d: %w: %q", line, ErrDuplicateGroup, id)
		}
		capacity, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil || capacity < 0 {
			return nil, fmt.Errorf("line %d: %w: %q", line, ErrBadCapacity, row[2])
		}
		seen[id] = true
		groups = append(groups, matcher.Group{ID: id, Label: strings.TrimSpace(row[1]), Capacity: capacity})
	}
	return groups, nil
}

func skipHeader(rows [][]string) [][]string {
	if len(rows) == 0 {
		return nil
	}
	return rows[1:]
}

func Load(students, departments io.Reader, minPrefs int) (matcher.Problem, error) {
	agents, invalid, err := ReadStudents(students, minPrefs)
	if err != nil {
		return matcher.Problem{}, err
	}
	groups, err := ReadDepartments(departments)
	if err != nil {
		return matcher.Problem{}, err
	}
	return matcher.Problem{Agents: agents, Groups: groups, Invalid: invalid}, nil
}

func LoadFiles(studentsPath, departmentsPath string, minPrefs int) (matcher.Problem, error) {
	sf, err := os.Open(studentsPath)
	if err != nil {
		return matcher.Problem{}, err
	}
	defer sf.Close()
	df, err := os.Open(departmentsPath)
	if err != nil {
		return matcher.Problem{}, err
	}
	defer df.Close()
	return Load(sf, df, minPrefs)
}

// Assemble builds the output table: two columns per group, one listing the
// group and its students, the other its label, capacity and each student's
// 1-based rank. Invalid students join the unassigned group.
func Assemble(p matcher.Problem, res matcher.Result) [][]string {
	var rows [][]string
	for _, g := range p.Normalize().Groups {
		occ := slices.Clone(res.Placement.Occupants[g.ID])
		if g.ID == matcher.Unassigned {
			for _, id := range p.Invalid {
				occ = append(occ, matcher.Occupant{AgentID: id, Rank: matcher.UnassignedRank})
			}
		}
		slices.SortStableFunc(occ, func(a, b matcher.Occupant) int { return a.Rank - b.Rank })

		students := []string{g.ID, "Capacity: ", "Students: ", "Student"}
		ranks := []string{g.Label, strconv.Itoa(g.Capacity), strconv.Itoa(len(occ)), "Priority"}
		for _, o := range occ {
			students = append(students, o.AgentID)
			ranks = append(ranks, strconv.Itoa(o.Rank+1))
		}
		rows = append(rows, students, ranks)
	}
	return transpose(rows)
}

func transpose(rows [][]string) [][]string {
	n := 0
	for _, r := range rows {
		n = max(n, len(r))
	}
	out := make([][]string, n)
	for i := range out {
		out[i] = make([]string, len(rows))
		for j, r := range rows {
			if i < len(r) {
				out[i][j] = r[i]
			}
		}
	}
	return out
}

func Write(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	return nil
}
