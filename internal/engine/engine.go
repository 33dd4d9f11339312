// Package engine is the territory state machine. Claim and Challenge
// are the only two ways ownership changes, and each is settled as a
// single transaction: precondition re-checks, wallet movement,
// ownership write, and the history row commit or roll back together.
//
// The answer oracle is consulted before the transaction opens, so a
// slow external call never holds a database lock.
package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawquest.ai/internal/contentfilter"
	"clawquest.ai/internal/economy"
	"clawquest.ai/internal/hex"
	"clawquest.ai/internal/protocol"
	"clawquest.ai/internal/provenance"
	"clawquest.ai/internal/storage"
	"clawquest.ai/internal/tuning"
	"clawquest.ai/internal/validation"
)

// casAttempts bounds how often a challenge retries after losing an
// ownership race to a concurrent steal.
const casAttempts = 3

// Validator is the slice of the validation engine used here.
type Validator interface {
	Validate(ctx context.Context, question, correct, submitted string) validation.Result
}

// Notifier receives committed ownership events for fan-out. May be nil.
type Notifier interface {
	Publish(event string, payload any)
}

type Engine struct {
	store     *storage.Store
	validator Validator
	policy    economy.Policy
	bounds    tuning.Bounds
	radius    int
	journal   *provenance.Journal
	notifier  Notifier
	log       *log.Logger
	now       func() time.Time
	newID     func() string
}

func New(store *storage.Store, v Validator, policy economy.Policy, t *tuning.Tuning, journal *provenance.Journal, n Notifier, logger *log.Logger) *Engine {
	return &Engine{
		store:     store,
		validator: v,
		policy:    policy,
		bounds:    t.Bounds,
		radius:    t.Grid.Radius,
		journal:   journal,
		notifier:  n,
		log:       logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// ClaimResult reports a successful claim.
type ClaimResult struct {
	Cell      storage.Cell
	Economics protocol.Economics
}

// ChallengeResult reports an evaluated challenge. Stolen is false for a
// successful defense; the fee moved either way.
type ChallengeResult struct {
	Stolen     bool
	Cell       storage.Cell
	PrevOwner  string
	Validation validation.Result
	Economics  protocol.Economics
}

// Claim takes an unowned hex for the agent, recording the question and
// answer that future challengers must beat.
func (e *Engine) Claim(ctx context.Context, req protocol.ClaimRequest) (ClaimResult, error) {
	question := strings.TrimSpace(req.Question)
	answer := strings.TrimSpace(req.Answer)
	if err := e.checkQuestion(question); err != nil {
		return ClaimResult{}, err
	}
	if err := e.checkAnswer(answer); err != nil {
		return ClaimResult{}, err
	}
	coord := hex.Coord{Q: req.Q, R: req.R}
	if !hex.WithinRadius(hex.Coord{}, coord, e.radius) {
		return ClaimResult{}, protocol.Errorf(protocol.ErrBadRequest, "cell %s is outside the grid", coord).
			WithDetail("radius", e.radius)
	}

	cost := e.policy.ClaimCost()
	now := e.now()
	cell := storage.Cell{
		ID:        e.newID(),
		Q:         req.Q,
		R:         req.R,
		OwnerID:   req.AgentID,
		Question:  question,
		Answer:    answer,
		ClaimedAt: now,
	}

	err := e.store.WithTx(ctx, func(tx *storage.Tx) error {
		agent, err := tx.GetAgent(req.AgentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return protocol.Errorf(protocol.ErrNotFound, "agent %s not found", req.AgentID)
			}
			return err
		}
		cell.GangID = agent.GangID

		if err := tx.CreateCell(cell); err != nil {
			if errors.Is(err, storage.ErrExists) {
				return protocol.Errorf(protocol.ErrConflict, "cell %s is already claimed", coord)
			}
			return err
		}
		if cost > 0 {
			ok, err := tx.Debit(req.AgentID, cost)
			if err != nil {
				return err
			}
			if !ok {
				return e.insufficient(tx, req.AgentID, cost)
			}
		}
		if err := tx.AddScore(req.AgentID, 1); err != nil {
			return err
		}
		return tx.AppendHistory(storage.HistoryEntry{
			CellID:   cell.ID,
			Event:    storage.EventClaimed,
			ActorID:  req.AgentID,
			Question: question,
			Fee:      cost,
		}, now)
	})
	if err != nil {
		return ClaimResult{}, err
	}

	e.record(provenance.Record{
		CellID: cell.ID, Event: storage.EventClaimed, ActorID: req.AgentID,
		Q: cell.Q, R: cell.R, Question: question, Fee: cost, At: now,
	})
	e.publish(protocol.EventCellClaimed, cellPayload(cell))

	eco := protocol.Economics{FeePaid: cost}
	if cost > 0 {
		eco.FeeGoesTo = "pool"
	}
	return ClaimResult{Cell: cell, Economics: eco}, nil
}

// Challenge evaluates the submitted answer against the cell's stored
// one and, on success, atomically transfers ownership. The challenge
// fee is charged on every evaluated attempt; a failed attempt pays it
// to the defender.
func (e *Engine) Challenge(ctx context.Context, req protocol.ChallengeRequest) (ChallengeResult, error) {
	answer := strings.TrimSpace(req.Answer)
	if err := e.checkAnswer(answer); err != nil {
		return ChallengeResult{}, err
	}

	cell, err := e.store.GetCell(ctx, req.CellID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ChallengeResult{}, protocol.Errorf(protocol.ErrNotFound, "cell %s not found", req.CellID)
		}
		return ChallengeResult{}, err
	}
	if cell.OwnerID == req.AgentID {
		return ChallengeResult{}, protocol.Errorf(protocol.ErrValidation, "cannot challenge your own cell")
	}

	challenger, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ChallengeResult{}, protocol.Errorf(protocol.ErrNotFound, "agent %s not found", req.AgentID)
		}
		return ChallengeResult{}, err
	}

	fee := e.policy.ChallengeFee()
	if fee > 0 {
		// Fast rejection before the oracle round trip; the transaction
		// re-checks with a conditional debit.
		w, err := e.store.GetWallet(ctx, req.AgentID)
		if err != nil {
			return ChallengeResult{}, err
		}
		if w.Balance < fee {
			return ChallengeResult{}, protocol.Errorf(protocol.ErrInsufficientBalance, "challenge fee is %v, balance is %v", fee, w.Balance).
				WithDetail("requiredBalance", fee).
				WithDetail("currentBalance", w.Balance)
		}
	}

	// Adjudicate outside the transaction. Ownership may move while the
	// oracle deliberates; the CAS below notices.
	verdict := e.validator.Validate(ctx, cell.Question, cell.Answer, answer)
	now := e.now()

	res := ChallengeResult{
		Cell:       cell,
		PrevOwner:  cell.OwnerID,
		Validation: verdict,
		Economics:  protocol.Economics{FeePaid: fee},
	}

	err = e.store.WithTx(ctx, func(tx *storage.Tx) error {
		if fee > 0 {
			ok, err := tx.Debit(req.AgentID, fee)
			if err != nil {
				return err
			}
			if !ok {
				return e.insufficient(tx, req.AgentID, fee)
			}
		}

		if !verdict.IsValid {
			// Failed challenge: the standing owner gets paid and keeps
			// the cell. The re-read pins the fee to whoever holds the
			// cell now, not the pre-oracle snapshot.
			cur, err := tx.GetCell(req.CellID)
			if err != nil {
				return err
			}
			res.Cell = cur
			res.PrevOwner = cur.OwnerID
			if fee > 0 {
				if err := tx.Credit(cur.OwnerID, fee, true); err != nil {
					return err
				}
				res.Economics.FeeGoesTo = cur.OwnerID
			}
			if err := tx.IncrementDefended(req.CellID); err != nil {
				return err
			}
			res.Cell.Defended = cur.Defended + 1
			return tx.AppendHistory(storage.HistoryEntry{
				CellID:          req.CellID,
				Event:           storage.EventDefended,
				ActorID:         req.AgentID,
				PrevOwner:       cur.OwnerID,
				Question:        cur.Question,
				SubmittedAnswer: answer,
				Similarity:      verdict.Similarity,
				Method:          verdict.Method,
				Explanation:     verdict.Explanation,
				Fee:             fee,
			}, now)
		}

		// Valid answer: transfer with a compare-and-swap on the owner.
		expected := cell.OwnerID
		for attempt := 0; attempt < casAttempts; attempt++ {
			ok, err := tx.UpdateCellOwner(req.CellID, expected, req.AgentID, challenger.GangID, cell.Question, cell.Answer, now)
			if err != nil {
				return err
			}
			if ok {
				res.PrevOwner = expected
				if err := tx.AddScore(req.AgentID, 1); err != nil {
					return err
				}
				if err := tx.AddScore(expected, -1); err != nil {
					return err
				}
				if err := tx.AppendHistory(storage.HistoryEntry{
					CellID:          req.CellID,
					Event:           storage.EventStolen,
					ActorID:         req.AgentID,
					PrevOwner:       expected,
					Question:        cell.Question,
					SubmittedAnswer: answer,
					Similarity:      verdict.Similarity,
					Method:          verdict.Method,
					Explanation:     verdict.Explanation,
					Fee:             fee,
				}, now); err != nil {
					return err
				}
				res.Stolen = true
				if fee > 0 {
					res.Economics.FeeGoesTo = "pool"
				}
				return nil
			}
			cur, err := tx.GetCell(req.CellID)
			if err != nil {
				return err
			}
			if cur.OwnerID == req.AgentID {
				return protocol.Errorf(protocol.ErrValidation, "cannot challenge your own cell")
			}
			expected = cur.OwnerID
		}
		return protocol.Errorf(protocol.ErrConflict, "cell ownership changed during the challenge")
	})
	if err != nil {
		return ChallengeResult{}, err
	}

	event := storage.EventDefended
	if res.Stolen {
		event = storage.EventStolen
	}
	e.record(provenance.Record{
		CellID: req.CellID, Event: event, ActorID: req.AgentID, PrevOwner: res.PrevOwner,
		Q: cell.Q, R: cell.R, Question: cell.Question, SubmittedAnswer: answer,
		Similarity: verdict.Similarity, Method: verdict.Method, Explanation: verdict.Explanation,
		Fee: fee, At: now,
	})
	if res.Stolen {
		res.Cell.OwnerID = req.AgentID
		res.Cell.GangID = challenger.GangID
		res.Cell.ClaimedAt = now
		res.Cell.Defended = 0
		e.publish(protocol.EventCellStolen, cellPayload(res.Cell))
	}
	return res, nil
}

func (e *Engine) checkQuestion(q string) error {
	n := len([]rune(q))
	if n < e.bounds.QuestionMin || n > e.bounds.QuestionMax {
		return protocol.Errorf(protocol.ErrBadRequest, "question must be %d-%d characters", e.bounds.QuestionMin, e.bounds.QuestionMax)
	}
	if contentfilter.IsSpam(q) {
		return protocol.Errorf(protocol.ErrValidation, "question rejected by content filter")
	}
	return nil
}

func (e *Engine) checkAnswer(a string) error {
	n := len([]rune(a))
	if n < e.bounds.AnswerMin || n > e.bounds.AnswerMax {
		return protocol.Errorf(protocol.ErrBadRequest, "answer must be %d-%d characters", e.bounds.AnswerMin, e.bounds.AnswerMax)
	}
	if contentfilter.IsSpam(a) {
		return protocol.Errorf(protocol.ErrValidation, "answer rejected by content filter")
	}
	return nil
}

// insufficient builds the rejection with the live balance for detail.
func (e *Engine) insufficient(tx *storage.Tx, agentID string, required float64) error {
	balance := 0.0
	if w, err := tx.GetWallet(agentID); err == nil {
		balance = w.Balance
	}
	return protocol.Errorf(protocol.ErrInsufficientBalance, "fee is %v, balance is %v", required, balance).
		WithDetail("requiredBalance", required).
		WithDetail("currentBalance", balance)
}

func (e *Engine) record(r provenance.Record) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(r); err != nil && e.log != nil {
		e.log.Printf("journal append failed: %v", err)
	}
}

func (e *Engine) publish(event string, payload any) {
	if e.notifier != nil {
		e.notifier.Publish(event, payload)
	}
}

func cellPayload(c storage.Cell) protocol.CellPayload {
	return protocol.CellPayload{
		ID: c.ID, Q: c.Q, R: c.R, OwnerID: c.OwnerID, GangID: c.GangID,
		Question: c.Question, ClaimedAt: c.ClaimedAt, Defended: c.Defended,
	}
}
