package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExists is returned by inserts that hit a uniqueness constraint.
var ErrExists = errors.New("storage: already exists")

// Tx wraps a sqlite transaction with the mutation surface the engine
// uses. All methods run on the transaction's snapshot.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateAgent inserts the agent and its zeroed wallet.
func (t *Tx) CreateAgent(a Agent) error {
	_, err := t.tx.Exec(
		`INSERT INTO agents (id, name, color, gang_id, score, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Color, a.GangID, a.Score, encodeTime(a.CreatedAt))
	if isUnique(err) {
		return fmt.Errorf("%w: agent %q", ErrExists, a.Name)
	}
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO wallets (agent_id) VALUES (?)`, a.ID)
	return err
}

func (t *Tx) GetAgent(id string) (Agent, error) {
	return scanAgent(t.tx.QueryRow(selectAgent+` WHERE id = ?`, id))
}

func (t *Tx) GetCell(id string) (Cell, error) {
	return scanCell(t.tx.QueryRow(selectCell+` WHERE id = ?`, id))
}

func (t *Tx) GetCellAt(q, r int) (Cell, error) {
	return scanCell(t.tx.QueryRow(selectCell+` WHERE q = ? AND r = ?`, q, r))
}

// CreateCell inserts a newly claimed cell. ErrExists means the hex was
// claimed by someone else first.
func (t *Tx) CreateCell(c Cell) error {
	_, err := t.tx.Exec(
		`INSERT INTO cells (id, q, r, owner_id, gang_id, question, answer, claimed_at, defended)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Q, c.R, c.OwnerID, c.GangID, c.Question, c.Answer, encodeTime(c.ClaimedAt), c.Defended)
	if isUnique(err) {
		return fmt.Errorf("%w: cell at (%d,%d)", ErrExists, c.Q, c.R)
	}
	return err
}

// UpdateCellOwner transfers ownership only if the cell is still held by
// expectedOwner. Returns false when someone else won the race.
func (t *Tx) UpdateCellOwner(cellID, expectedOwner, newOwner, gangID string, question, answer string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(
		`UPDATE cells SET owner_id = ?, gang_id = ?, question = ?, answer = ?, claimed_at = ?, defended = 0
		 WHERE id = ? AND owner_id = ?`,
		newOwner, gangID, question, answer, encodeTime(at), cellID, expectedOwner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementDefended bumps the defense counter after a failed challenge.
func (t *Tx) IncrementDefended(cellID string) error {
	_, err := t.tx.Exec(`UPDATE cells SET defended = defended + 1 WHERE id = ?`, cellID)
	return err
}

// Debit withdraws amount only if the balance covers it. Returns false
// on insufficient funds, with no side effects.
func (t *Tx) Debit(agentID string, amount float64) (bool, error) {
	if amount == 0 {
		return true, nil
	}
	res, err := t.tx.Exec(
		`UPDATE wallets SET balance = balance - ?, total_spent = total_spent + ?
		 WHERE agent_id = ? AND balance >= ?`,
		amount, amount, agentID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Credit adds amount to the wallet; won additionally counts it toward
// the agent's winnings total.
func (t *Tx) Credit(agentID string, amount float64, won bool) error {
	if amount == 0 {
		return nil
	}
	query := `UPDATE wallets SET balance = balance + ? WHERE agent_id = ?`
	if won {
		query = `UPDATE wallets SET balance = balance + ?, total_won = total_won + ? WHERE agent_id = ?`
		_, err := t.tx.Exec(query, amount, amount, agentID)
		return err
	}
	_, err := t.tx.Exec(query, amount, agentID)
	return err
}

// Deposit credits the wallet and the lifetime deposit counter.
func (t *Tx) Deposit(agentID string, amount float64) error {
	res, err := t.tx.Exec(
		`UPDATE wallets SET balance = balance + ?, total_deposited = total_deposited + ? WHERE agent_id = ?`,
		amount, amount, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: wallet %s", ErrNotFound, agentID)
	}
	return nil
}

func (t *Tx) GetWallet(agentID string) (Wallet, error) {
	var w Wallet
	err := t.tx.QueryRow(
		`SELECT agent_id, balance, total_deposited, total_spent, total_won FROM wallets WHERE agent_id = ?`,
		agentID).Scan(&w.AgentID, &w.Balance, &w.TotalDeposited, &w.TotalSpent, &w.TotalWon)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

// AddScore adjusts the agent's territory score by delta.
func (t *Tx) AddScore(agentID string, delta int) error {
	_, err := t.tx.Exec(`UPDATE agents SET score = score + ? WHERE id = ?`, delta, agentID)
	return err
}

// AppendHistory writes one provenance row. ID and CreatedAt on the
// argument are ignored; sqlite assigns the sequence.
func (t *Tx) AppendHistory(h HistoryEntry, at time.Time) error {
	_, err := t.tx.Exec(
		`INSERT INTO history (cell_id, event, actor_id, prev_owner_id, question, submitted_answer, similarity, method, explanation, fee, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.CellID, h.Event, h.ActorID, h.PrevOwner, h.Question, h.SubmittedAnswer, h.Similarity, h.Method, h.Explanation, h.Fee, encodeTime(at))
	return err
}

// CreateGang inserts the gang and moves the leader into it.
func (t *Tx) CreateGang(g Gang) error {
	_, err := t.tx.Exec(
		`INSERT INTO gangs (id, name, leader_id, color, emblem_svg, member_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.LeaderID, g.Color, g.EmblemSVG, g.MemberCount, encodeTime(g.CreatedAt))
	if isUnique(err) {
		return fmt.Errorf("%w: gang %q", ErrExists, g.Name)
	}
	if err != nil {
		return err
	}
	return t.setAgentGang(g.LeaderID, g.ID)
}

// JoinGang moves the agent into the gang and bumps the member count.
func (t *Tx) JoinGang(agentID, gangID string) error {
	if err := t.setAgentGang(agentID, gangID); err != nil {
		return err
	}
	_, err := t.tx.Exec(`UPDATE gangs SET member_count = member_count + 1 WHERE id = ?`, gangID)
	return err
}

// setAgentGang retags the agent and every cell it holds.
func (t *Tx) setAgentGang(agentID, gangID string) error {
	if _, err := t.tx.Exec(`UPDATE agents SET gang_id = ? WHERE id = ?`, gangID, agentID); err != nil {
		return err
	}
	_, err := t.tx.Exec(`UPDATE cells SET gang_id = ? WHERE owner_id = ?`, gangID, agentID)
	return err
}

func (t *Tx) GetGang(id string) (Gang, error) {
	return scanGang(t.tx.QueryRow(selectGang+` WHERE id = ?`, id))
}

func (t *Tx) GetGangByName(name string) (Gang, error) {
	return scanGang(t.tx.QueryRow(selectGang+` WHERE name = ?`, name))
}

func (t *Tx) CountGangs() (int, error) {
	var n int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM gangs`).Scan(&n)
	return n, err
}
