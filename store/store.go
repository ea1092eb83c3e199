package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"deptmatch/matcher"
)

//go:embed schema.sql
var schema string

var (
	ErrNotFound     = errors.New("run not found")
	ErrDuplicateRun = errors.New("run already exists")
)

type Run struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	Trials      int             `json:"trials"`
	Seed        int64           `json:"seed"`
	Trial       int             `json:"retained_trial"`
	Agents      int             `json:"agents"`
	Invalid     int             `json:"invalid"`
	WorstRank   int             `json:"worst_rank"`
	WorstCount  int             `json:"worst_count"`
	Outcome     matcher.Outcome `json:"outcome"`
	Output      string          `json:"-"`
	Assignments []Assignment    `json:"assignments,omitempty"`
}

type Assignment struct {
	AgentID string `json:"agent_id"`
	GroupID string `json:"group_id"`
	Rank    int    `json:"rank"`
}

// NewRun captures an optimizer result. Invalid agents are recorded in the
// unassigned group at the sentinel rank.
func NewRun(p matcher.Problem, res matcher.Result, output string) Run {
	worst, count := res.Outcome.Worst()
	r := Run{
		Trials:     res.Params.Trials,
		Seed:       res.Params.Seed,
		Trial:      res.Trial,
		Agents:     res.Agents,
		Invalid:    len(p.Invalid),
		WorstRank:  worst,
		WorstCount: count,
		Outcome:    res.Outcome,
		Output:     output,
	}
	for _, g := range res.Placement.Order {
		for _, o := range res.Placement.Occupants[g] {
			r.Assignments = append(r.Assignments, Assignment{AgentID: o.AgentID, GroupID: g, Rank: o.Rank})
		}
	}
	for _, id := range p.Invalid {
		r.Assignments = append(r.Assignments, Assignment{AgentID: id, GroupID: matcher.Unassigned, Rank: matcher.UnassignedRank})
	}
	return r
}

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to a "postgres" (lib/pq) or "sqlite" (modernc) database.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		for _, stmt := range []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA foreign_keys=ON;",
			"PRAGMA busy_timeout=5000;",
		} {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
			}
		}
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// rebind turns $N placeholders into ? for sqlite. Queries list their
// placeholders in argument order.
func (s *Store) rebind(q string) string {
	if s.driver != "sqlite" {
		return q
	}
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		if q[i] == '$' && i+1 < len(q) && isDigit(q[i+1]) {
			b.WriteByte('?')
			for i+1 < len(q) && isDigit(q[i+1]) {
				i++
			}
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func (s *Store) SaveRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	outcome, err := json.Marshal(run.Outcome)
	if err != nil {
		return "", fmt.Errorf("encode outcome: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin save run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, created_at, trials, seed, retained_trial, agents, invalid, worst_rank, worst_count, outcome, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		run.ID, run.CreatedAt.Unix(), run.Trials, run.Seed, run.Trial, run.Agents, run.Invalid,
		run.WorstRank, run.WorstCount, string(outcome), run.Output)
	if err != nil {
		if isDuplicate(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateRun, run.ID)
		}
		return "", fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind("INSERT INTO run_assignments (run_id, agent_id, group_id, pref_rank) VALUES ($1, $2, $3, $4)"))
	if err != nil {
		return "", fmt.Errorf("prepare assignments: %w", err)
	}
	defer stmt.Close()
	for _, a := range run.Assignments {
		if _, err := stmt.ExecContext(ctx, run.ID, a.AgentID, a.GroupID, a.Rank); err != nil {
			return "", fmt.Errorf("insert assignment %s: %w", a.AgentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save run: %w", err)
	}
	return run.ID, nil
}

const runColumns = "id, created_at, trials, seed, retained_trial, agents, invalid, worst_rank, worst_count, outcome"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, extra ...any) (Run, error) {
	var r Run
	var created int64
	var outcome string
	dest := append([]any{&r.ID, &created, &r.Trials, &r.Seed, &r.Trial, &r.Agents, &r.Invalid, &r.WorstRank, &r.WorstCount, &outcome}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Run{}, err
	}
	r.CreatedAt = time.Unix(created, 0).UTC()
	if err := json.Unmarshal([]byte(outcome), &r.Outcome); err != nil {
		return Run{}, fmt.Errorf("decode outcome of run %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var output string
	r, err := scanRun(s.db.QueryRowContext(ctx, s.rebind("SELECT "+runColumns+", output FROM runs WHERE id = $1"), id), &output)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	r.Output = output

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT agent_id, group_id, pref_rank FROM run_assignments
		WHERE run_id = $1
		ORDER BY group_id, pref_rank, agent_id`), id)
	if err != nil {
		return Run{}, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.AgentID, &a.GroupID, &a.Rank); err != nil {
			return Run{}, fmt.Errorf("scan assignment: %w", err)
		}
		r.Assignments = append(r.Assignments, a)
	}
	return r, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM run_assignments WHERE run_id = $1"), id); err != nil {
		return fmt.Errorf("delete assignments: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.rebind("DELETE FROM runs WHERE id = $1"), id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}
