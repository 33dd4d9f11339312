// Package storage is the sqlite-backed system of record: agents,
// wallets, gangs, claimed cells, and the per-cell history ledger.
// Unclaimed cells have no row; claiming inserts one.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("storage: not found")

type Cell struct {
	ID        string
	Q, R      int
	OwnerID   string
	GangID    string
	Question  string
	Answer    string
	ClaimedAt time.Time
	Defended  int
}

type Agent struct {
	ID        string
	Name      string
	Color     string
	GangID    string
	Score     int
	CreatedAt time.Time
}

type Wallet struct {
	AgentID        string
	Balance        float64
	TotalDeposited float64
	TotalSpent     float64
	TotalWon       float64
}

type Gang struct {
	ID          string
	Name        string
	LeaderID    string
	Color       string
	EmblemSVG   string
	MemberCount int
	CreatedAt   time.Time
}

// HistoryEntry is one provenance row. Event is "claimed" or "stolen";
// failed challenges are recorded as "defended". Question is the text
// the cell carried when the event happened; SubmittedAnswer is what the
// challenger sent (empty for claims).
type HistoryEntry struct {
	ID              int64
	CellID          string
	Event           string
	ActorID         string
	PrevOwner       string
	Question        string
	SubmittedAnswer string
	Similarity      float64
	Method          string
	Explanation     string
	Fee             float64
	CreatedAt       time.Time
}

const (
	EventClaimed  = "claimed"
	EventStolen   = "stolen"
	EventDefended = "defended"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: sqlite serializes writers anyway, and a single
	// conn makes transaction scope unambiguous.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			color TEXT NOT NULL DEFAULT '',
			gang_id TEXT NOT NULL DEFAULT '',
			score INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS wallets (
			agent_id TEXT PRIMARY KEY REFERENCES agents(id),
			balance REAL NOT NULL DEFAULT 0,
			total_deposited REAL NOT NULL DEFAULT 0,
			total_spent REAL NOT NULL DEFAULT 0,
			total_won REAL NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS gangs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			leader_id TEXT NOT NULL,
			color TEXT NOT NULL,
			emblem_svg TEXT NOT NULL,
			member_count INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cells (
			id TEXT PRIMARY KEY,
			q INTEGER NOT NULL,
			r INTEGER NOT NULL,
			owner_id TEXT NOT NULL,
			gang_id TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			claimed_at TEXT NOT NULL,
			defended INTEGER NOT NULL DEFAULT 0,
			UNIQUE (q, r)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cells_owner ON cells(owner_id);`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cell_id TEXT NOT NULL,
			event TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			prev_owner_id TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL DEFAULT '',
			submitted_answer TEXT NOT NULL DEFAULT '',
			similarity REAL NOT NULL DEFAULT 0,
			method TEXT NOT NULL DEFAULT '',
			explanation TEXT NOT NULL DEFAULT '',
			fee REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_cell ON history(cell_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_history_actor ON history(actor_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- reads ----

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, selectAgent+` WHERE id = ?`, id))
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, selectAgent+` WHERE name = ?`, name))
}

const selectAgent = `SELECT id, name, color, gang_id, score, created_at FROM agents`

func scanAgent(row *sql.Row) (Agent, error) {
	var a Agent
	var created string
	err := row.Scan(&a.ID, &a.Name, &a.Color, &a.GangID, &a.Score, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	a.CreatedAt = decodeTime(created)
	return a, nil
}

func (s *Store) GetWallet(ctx context.Context, agentID string) (Wallet, error) {
	var w Wallet
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, balance, total_deposited, total_spent, total_won FROM wallets WHERE agent_id = ?`,
		agentID).Scan(&w.AgentID, &w.Balance, &w.TotalDeposited, &w.TotalSpent, &w.TotalWon)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

func (s *Store) GetCell(ctx context.Context, id string) (Cell, error) {
	return scanCell(s.db.QueryRowContext(ctx, selectCell+` WHERE id = ?`, id))
}

func (s *Store) GetCellAt(ctx context.Context, q, r int) (Cell, error) {
	return scanCell(s.db.QueryRowContext(ctx, selectCell+` WHERE q = ? AND r = ?`, q, r))
}

const selectCell = `SELECT id, q, r, owner_id, gang_id, question, answer, claimed_at, defended FROM cells`

func scanCell(row *sql.Row) (Cell, error) {
	var c Cell
	var claimed string
	err := row.Scan(&c.ID, &c.Q, &c.R, &c.OwnerID, &c.GangID, &c.Question, &c.Answer, &claimed, &c.Defended)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{}, ErrNotFound
	}
	if err != nil {
		return Cell{}, err
	}
	c.ClaimedAt = decodeTime(claimed)
	return c, nil
}

// ListCells returns every claimed cell, oldest claim first.
func (s *Store) ListCells(ctx context.Context) ([]Cell, error) {
	return s.queryCells(ctx, selectCell+` ORDER BY claimed_at, id`)
}

func (s *Store) ListCellsByOwner(ctx context.Context, ownerID string) ([]Cell, error) {
	return s.queryCells(ctx, selectCell+` WHERE owner_id = ? ORDER BY claimed_at, id`, ownerID)
}

// CellsInBox returns claimed cells within an axial bounding box; hex
// distance filtering is the caller's business.
func (s *Store) CellsInBox(ctx context.Context, qMin, qMax, rMin, rMax int) ([]Cell, error) {
	return s.queryCells(ctx,
		selectCell+` WHERE q BETWEEN ? AND ? AND r BETWEEN ? AND ? ORDER BY q, r`,
		qMin, qMax, rMin, rMax)
}

func (s *Store) queryCells(ctx context.Context, query string, args ...any) ([]Cell, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Cell
	for rows.Next() {
		var c Cell
		var claimed string
		if err := rows.Scan(&c.ID, &c.Q, &c.R, &c.OwnerID, &c.GangID, &c.Question, &c.Answer, &claimed, &c.Defended); err != nil {
			return nil, err
		}
		c.ClaimedAt = decodeTime(claimed)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountCells(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells`).Scan(&n)
	return n, err
}

func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

func (s *Store) GetGang(ctx context.Context, id string) (Gang, error) {
	return scanGang(s.db.QueryRowContext(ctx, selectGang+` WHERE id = ?`, id))
}

func (s *Store) GetGangByName(ctx context.Context, name string) (Gang, error) {
	return scanGang(s.db.QueryRowContext(ctx, selectGang+` WHERE name = ?`, name))
}

const selectGang = `SELECT id, name, leader_id, color, emblem_svg, member_count, created_at FROM gangs`

func scanGang(row *sql.Row) (Gang, error) {
	var g Gang
	var created string
	err := row.Scan(&g.ID, &g.Name, &g.LeaderID, &g.Color, &g.EmblemSVG, &g.MemberCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Gang{}, ErrNotFound
	}
	if err != nil {
		return Gang{}, err
	}
	g.CreatedAt = decodeTime(created)
	return g, nil
}

func (s *Store) ListGangs(ctx context.Context) ([]Gang, error) {
	rows, err := s.db.QueryContext(ctx, selectGang+` ORDER BY member_count DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Gang
	for rows.Next() {
		var g Gang
		var created string
		if err := rows.Scan(&g.ID, &g.Name, &g.LeaderID, &g.Color, &g.EmblemSVG, &g.MemberCount, &created); err != nil {
			return nil, err
		}
		g.CreatedAt = decodeTime(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) CountGangs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gangs`).Scan(&n)
	return n, err
}

// LeaderboardRow joins an agent with its cell count for ranking.
type LeaderboardRow struct {
	Agent     Agent
	CellCount int
}

// Leaderboard orders agents by score, then cells held, then name for a
// stable ranking. Limit <= 0 means everyone.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	query := `SELECT a.id, a.name, a.color, a.gang_id, a.score, a.created_at,
		(SELECT COUNT(*) FROM cells c WHERE c.owner_id = a.id) AS cell_count
		FROM agents a
		ORDER BY a.score DESC, cell_count DESC, a.name`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LeaderboardRow
	for rows.Next() {
		var lr LeaderboardRow
		var created string
		if err := rows.Scan(&lr.Agent.ID, &lr.Agent.Name, &lr.Agent.Color, &lr.Agent.GangID, &lr.Agent.Score, &created, &lr.CellCount); err != nil {
			return nil, err
		}
		lr.Agent.CreatedAt = decodeTime(created)
		out = append(out, lr)
	}
	return out, rows.Err()
}

// CellHistory returns a cell's ledger, most recent first.
func (s *Store) CellHistory(ctx context.Context, cellID string, limit int) ([]HistoryEntry, error) {
	return s.queryHistory(ctx,
		selectHistory+` WHERE cell_id = ? ORDER BY id DESC LIMIT ?`, cellID, orDefault(limit, 100))
}

// RecentHistory returns the newest ledger rows across all cells.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	return s.queryHistory(ctx, selectHistory+` ORDER BY id DESC LIMIT ?`, orDefault(limit, 100))
}

// AllHistory streams the full ledger in insertion order, for exports.
func (s *Store) AllHistory(ctx context.Context) ([]HistoryEntry, error) {
	return s.queryHistory(ctx, selectHistory+` ORDER BY id`)
}

const selectHistory = `SELECT id, cell_id, event, actor_id, prev_owner_id, question, submitted_answer, similarity, method, explanation, fee, created_at FROM history`

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var created string
		if err := rows.Scan(&h.ID, &h.CellID, &h.Event, &h.ActorID, &h.PrevOwner, &h.Question, &h.SubmittedAnswer, &h.Similarity, &h.Method, &h.Explanation, &h.Fee, &created); err != nil {
			return nil, err
		}
		h.CreatedAt = decodeTime(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// PoolTotals are the season-pool aggregates over all wallets.
type PoolTotals struct {
	Deposited float64
	Spent     float64
	Won       float64
}

func (s *Store) PoolTotals(ctx context.Context) (PoolTotals, error) {
	var p PoolTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_deposited),0), COALESCE(SUM(total_spent),0), COALESCE(SUM(total_won),0) FROM wallets`).
		Scan(&p.Deposited, &p.Spent, &p.Won)
	return p, err
}

// Reset wipes all gameplay state. Admin tooling only.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"history", "cells", "wallets", "gangs", "agents"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return nil
}
