package engine

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clawquest.ai/internal/economy"
	"clawquest.ai/internal/protocol"
	"clawquest.ai/internal/storage"
	"clawquest.ai/internal/tuning"
	"clawquest.ai/internal/validation"
)

func almostEq(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

type captureNotifier struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (n *captureNotifier) Publish(event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, protocol.Event{Type: event, Payload: payload})
}

func (n *captureNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type testWorld struct {
	store    *storage.Store
	engine   *Engine
	notifier *captureNotifier
	policy   economy.Policy
}

func newTestWorld(t *testing.T, mode string) *testWorld {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "game.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := tuning.Defaults()
	cfg.EconomyMode = mode
	if mode == "tournament" {
		cfg.Economy.ClaimCost = 0.01
		cfg.Economy.ChallengeFee = 0.005
	}
	policy, err := economy.FromTuning(&cfg)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	logger := log.New(os.Stderr, "[engine-test] ", 0)
	v := validation.New(nil, logger) // lexical fallback only
	n := &captureNotifier{}
	e := New(s, v, policy, &cfg, nil, n, logger)
	return &testWorld{store: s, engine: e, notifier: n, policy: policy}
}

func (w *testWorld) addAgent(t *testing.T, id, name string, balance float64) {
	t.Helper()
	err := w.store.WithTx(context.Background(), func(tx *storage.Tx) error {
		if err := tx.CreateAgent(storage.Agent{ID: id, Name: name, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if balance > 0 {
			return tx.Deposit(id, balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("add agent %s: %v", name, err)
	}
}

func (w *testWorld) claim(t *testing.T, agentID string, q, r int) storage.Cell {
	t.Helper()
	res, err := w.engine.Claim(context.Background(), protocol.ClaimRequest{
		AgentID: agentID, Q: q, R: r,
		Question: "What is the capital of France?",
		Answer:   "Paris",
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return res.Cell
}

func TestClaimHappyPath(t *testing.T) {
	w := newTestWorld(t, "free_play")
	w.addAgent(t, "a1", "crab", 0)
	ctx := context.Background()

	cell := w.claim(t, "a1", 2, -1)
	if cell.OwnerID != "a1" || cell.Q != 2 || cell.R != -1 {
		t.Fatalf("cell = %+v", cell)
	}

	a, _ := w.store.GetAgent(ctx, "a1")
	if a.Score != 1 {
		t.Fatalf("score = %d", a.Score)
	}
	hist, _ := w.store.CellHistory(ctx, cell.ID, 10)
	if len(hist) != 1 || hist[0].Event != storage.EventClaimed || hist[0].ActorID != "a1" {
		t.Fatalf("history = %+v", hist)
	}
	// Claims snapshot the question but never the secret answer.
	if hist[0].Question != "What is the capital of France?" || hist[0].SubmittedAnswer != "" {
		t.Fatalf("claim snapshot = %+v", hist[0])
	}
	if got := w.notifier.types(); len(got) != 1 || got[0] != protocol.EventCellClaimed {
		t.Fatalf("events = %v", got)
	}
	// The broadcast payload carries the question but never the answer.
	p, ok := w.notifier.events[0].Payload.(protocol.CellPayload)
	if !ok || p.OwnerID != "a1" || p.Question == "" {
		t.Fatalf("payload = %#v", w.notifier.events[0].Payload)
	}
}

func TestClaimRejections(t *testing.T) {
	w := newTestWorld(t, "free_play")
	w.addAgent(t, "a1", "crab", 0)
	w.addAgent(t, "a2", "gull", 0)
	w.claim(t, "a1", 0, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		req  protocol.ClaimRequest
		code string
	}{
		{"occupied cell", protocol.ClaimRequest{AgentID: "a2", Q: 0, R: 0, Question: "What is the capital of Spain?", Answer: "Madrid"}, protocol.ErrConflict},
		{"outside grid", protocol.ClaimRequest{AgentID: "a2", Q: 41, R: 0, Question: "What is the capital of Spain?", Answer: "Madrid"}, protocol.ErrBadRequest},
		{"short question", protocol.ClaimRequest{AgentID: "a2", Q: 1, R: 0, Question: "Spain?", Answer: "Madrid"}, protocol.ErrBadRequest},
		{"spam question", protocol.ClaimRequest{AgentID: "a2", Q: 1, R: 0, Question: "aaaaaaaaaaaaaaaaaaaa", Answer: "Madrid"}, protocol.ErrValidation},
		{"unknown agent", protocol.ClaimRequest{AgentID: "ghost", Q: 1, R: 0, Question: "What is the capital of Spain?", Answer: "Madrid"}, protocol.ErrNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := w.engine.Claim(ctx, c.req)
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if got := protocol.CodeOf(err); got != c.code {
				t.Fatalf("code = %s, want %s", got, c.code)
			}
		})
	}

	// Only the setup claim exists.
	if n, _ := w.store.CountCells(ctx); n != 1 {
		t.Fatalf("cells = %d", n)
	}
}

func TestClaimInsufficientBalance(t *testing.T) {
	w := newTestWorld(t, "tournament")
	w.addAgent(t, "a1", "crab", 0.001)
	ctx := context.Background()

	_, err := w.engine.Claim(ctx, protocol.ClaimRequest{
		AgentID: "a1", Q: 0, R: 0,
		Question: "What is the capital of France?", Answer: "Paris",
	})
	if protocol.CodeOf(err) != protocol.ErrInsufficientBalance {
		t.Fatalf("err = %v", err)
	}
	// Rejection must leave no trace.
	if n, _ := w.store.CountCells(ctx); n != 0 {
		t.Fatalf("cells = %d", n)
	}
	wlt, _ := w.store.GetWallet(ctx, "a1")
	if wlt.Balance != 0.001 || wlt.TotalSpent != 0 {
		t.Fatalf("wallet = %+v", wlt)
	}
	if hist, _ := w.store.RecentHistory(ctx, 10); len(hist) != 0 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestChallengeSteal(t *testing.T) {
	w := newTestWorld(t, "free_play")
	w.addAgent(t, "a1", "crab", 0)
	w.addAgent(t, "a2", "gull", 0)
	cell := w.claim(t, "a1", 0, 0)
	ctx := context.Background()

	// Case-insensitive exact match through the lexical fallback.
	res, err := w.engine.Challenge(ctx, protocol.ChallengeRequest{AgentID: "a2", CellID: cell.ID, Answer: "paris"})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if !res.Stolen || res.PrevOwner != "a1" {
		t.Fatalf("result = %+v", res)
	}
	if res.Validation.Method != validation.MethodFallback || res.Validation.Similarity != 1 {
		t.Fatalf("validation = %+v", res.Validation)
	}

	got, _ := w.store.GetCell(ctx, cell.ID)
	if got.OwnerID != "a2" {
		t.Fatalf("owner = %s", got.OwnerID)
	}
	a1, _ := w.store.GetAgent(ctx, "a1")
	a2, _ := w.store.GetAgent(ctx, "a2")
	if a1.Score != 0 || a2.Score != 1 {
		t.Fatalf("scores = %d %d", a1.Score, a2.Score)
	}
	hist, _ := w.store.CellHistory(ctx, cell.ID, 10)
	if len(hist) != 2 || hist[0].Event != storage.EventStolen || hist[0].PrevOwner != "a1" {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Question != "What is the capital of France?" || hist[0].SubmittedAnswer != "paris" {
		t.Fatalf("steal snapshot = %+v", hist[0])
	}
	if got := w.notifier.types(); got[len(got)-1] != protocol.EventCellStolen {
		t.Fatalf("events = %v", got)
	}
}

func TestChallengeDefended(t *testing.T) {
	w := newTestWorld(t, "tournament")
	w.addAgent(t, "a1", "crab", 1)
	w.addAgent(t, "a2", "gull", 1)
	cell := w.claim(t, "a1", 0, 0)
	ctx := context.Background()

	res, err := w.engine.Challenge(ctx, protocol.ChallengeRequest{AgentID: "a2", CellID: cell.ID, Answer: "London"})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if res.Stolen {
		t.Fatalf("wrong answer must not steal: %+v", res)
	}
	if res.Validation.IsValid {
		t.Fatalf("validation = %+v", res.Validation)
	}
	if res.Economics.FeePaid != 0.005 || res.Economics.FeeGoesTo != "a1" {
		t.Fatalf("economics = %+v", res.Economics)
	}

	got, _ := w.store.GetCell(ctx, cell.ID)
	if got.OwnerID != "a1" || got.Defended != 1 {
		t.Fatalf("cell = %+v", got)
	}
	// Fee moved challenger -> defender; the sum of balances is unchanged.
	w1, _ := w.store.GetWallet(ctx, "a1")
	w2, _ := w.store.GetWallet(ctx, "a2")
	if !almostEq(w2.Balance, 1-0.005) || !almostEq(w2.TotalSpent, 0.005) {
		t.Fatalf("challenger wallet = %+v", w2)
	}
	// a1 paid the claim cost, then earned the defense fee.
	if !almostEq(w1.Balance, 1-0.01+0.005) || !almostEq(w1.TotalWon, 0.005) {
		t.Fatalf("defender wallet = %+v", w1)
	}
	// Only the claim cost left the wallets; the fee just moved between them.
	if !almostEq(w1.Balance+w2.Balance, 2-0.01) {
		t.Fatalf("balance sum = %v", w1.Balance+w2.Balance)
	}
	hist, _ := w.store.CellHistory(ctx, cell.ID, 1)
	if len(hist) != 1 || hist[0].Event != storage.EventDefended || hist[0].Fee != 0.005 {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Question != "What is the capital of France?" || hist[0].SubmittedAnswer != "London" {
		t.Fatalf("history snapshot = %+v", hist[0])
	}
}

func TestChallengeRejections(t *testing.T) {
	w := newTestWorld(t, "tournament")
	w.addAgent(t, "a1", "crab", 1)
	w.addAgent(t, "a2", "gull", 0)
	cell := w.claim(t, "a1", 0, 0)
	ctx := context.Background()

	// Self-challenge.
	_, err := w.engine.Challenge(ctx, protocol.ChallengeRequest{AgentID: "a1", CellID: cell.ID, Answer: "Paris"})
	if protocol.CodeOf(err) != protocol.ErrValidation {
		t.Fatalf("self-challenge err = %v", err)
	}
	// Unknown cell.
	_, err = w.engine.Challenge(ctx, protocol.ChallengeRequest{AgentID: "a2", CellID: "nope", Answer: "Paris"})
	if protocol.CodeOf(err) != protocol.ErrNotFound {
		t.Fatalf("unknown cell err = %v", err)
	}
	// Broke challenger: rejected before any evaluation, fee untouched.
	_, err = w.engine.Challenge(ctx, protocol.ChallengeRequest{AgentID: "a2", CellID: cell.ID, Answer: "Paris"})
	if protocol.CodeOf(err) != protocol.ErrInsufficientBalance {
		t.Fatalf("broke challenger err = %v", err)
	}
	got, _ := w.store.GetCell(ctx, cell.ID)
	if got.OwnerID != "a1" || got.Defended != 0 {
		t.Fatalf("cell = %+v", got)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	w := newTestWorld(t, "free_play")
	w.addAgent(t, "a1", "crab", 0)
	w.addAgent(t, "a2", "gull", 0)
	ctx := context.Background()

	results := make(chan error, 2)
	for _, agent := range []string{"a1", "a2"} {
		go func(id string) {
			_, err := w.engine.Claim(ctx, protocol.ClaimRequest{
				AgentID: id, Q: 5, R: 5,
				Question: "What is the capital of France?", Answer: "Paris",
			})
			results <- err
		}(agent)
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case protocol.CodeOf(err) == protocol.ErrConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d", wins, conflicts)
	}
	if n, _ := w.store.CountCells(ctx); n != 1 {
		t.Fatalf("cells = %d", n)
	}
}

func TestChallengeRaceConservesScore(t *testing.T) {
	w := newTestWorld(t, "free_play")
	w.addAgent(t, "a1", "crab", 0)
	w.addAgent(t, "a2", "gull", 0)
	w.addAgent(t, "a3", "tern", 0)
	cell := w.claim(t, "a1", 0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, agent := range []string{"a2", "a3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// Both answers are valid; transfers must serialize.
			_, err := w.engine.Challenge(ctx, protocol.ChallengeRequest{AgentID: id, CellID: cell.ID, Answer: "paris"})
			if err != nil && protocol.CodeOf(err) != protocol.ErrConflict {
				t.Errorf("challenge %s: %v", id, err)
			}
		}(agent)
	}
	wg.Wait()

	got, _ := w.store.GetCell(ctx, cell.ID)
	if got.OwnerID != "a2" && got.OwnerID != "a3" {
		t.Fatalf("final owner = %s", got.OwnerID)
	}
	// One point per held cell, however the steals interleaved.
	total := 0
	for _, id := range []string{"a1", "a2", "a3"} {
		a, _ := w.store.GetAgent(ctx, id)
		total += a.Score
	}
	if total != 1 {
		t.Fatalf("score sum = %d", total)
	}
	owner, _ := w.store.GetAgent(ctx, got.OwnerID)
	if owner.Score != 1 {
		t.Fatalf("owner score = %d", owner.Score)
	}
}
