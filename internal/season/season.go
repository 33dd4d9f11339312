// Package season aggregates the competitive layer: grid stats, the
// ranked leaderboard with badges, and the end-of-season payout split.
package season

import (
	"context"
	"log"

	"clawquest.ai/internal/economy"
	"clawquest.ai/internal/storage"
)

// Badge names by rank band.
const (
	BadgeChampion = "champion"
	BadgeTop3     = "top-3"
	BadgeTop10    = "top-10"
	BadgeTop25    = "top-25"
	BadgeTop50    = "top-50"
)

// BadgeFor maps a 1-based rank to its badge, or "" outside the bands.
func BadgeFor(rank int) string {
	switch {
	case rank == 1:
		return BadgeChampion
	case rank <= 3:
		return BadgeTop3
	case rank <= 10:
		return BadgeTop10
	case rank <= 25:
		return BadgeTop25
	case rank <= 50:
		return BadgeTop50
	default:
		return ""
	}
}

// Entry is one ranked leaderboard row.
type Entry struct {
	Rank      int     `json:"rank"`
	AgentID   string  `json:"agentId"`
	Name      string  `json:"name"`
	GangID    string  `json:"gangId,omitempty"`
	Score     int     `json:"score"`
	CellCount int     `json:"cellCount"`
	Badge     string  `json:"badge,omitempty"`
	Balance   float64 `json:"-"`
}

// Stats is the season overview snapshot.
type Stats struct {
	Mode          string  `json:"mode"`
	ClaimedCells  int     `json:"claimedCells"`
	TotalCells    int     `json:"totalCells"`
	Agents        int     `json:"agents"`
	Gangs         int     `json:"gangs"`
	PoolDeposited float64 `json:"poolDeposited"`
	PoolNet       float64 `json:"poolNet"`
	PrizePool     float64 `json:"prizePool"`
	PlatformCut   float64 `json:"platformCut"`
}

// Payout is one agent's share of the closed season's prize pool.
type Payout struct {
	Rank    int     `json:"rank"`
	AgentID string  `json:"agentId"`
	Name    string  `json:"name"`
	Amount  float64 `json:"amount"`
}

type Service struct {
	store      *storage.Store
	policy     economy.Policy
	totalCells int
	log        *log.Logger
}

func New(store *storage.Store, policy economy.Policy, totalCells int, logger *log.Logger) *Service {
	return &Service{store: store, policy: policy, totalCells: totalCells, log: logger}
}

// Overview computes the season snapshot. The net pool is the money that
// left wallets and was never paid back out.
func (s *Service) Overview(ctx context.Context) (Stats, error) {
	st := Stats{Mode: s.policy.Mode(), TotalCells: s.totalCells}
	var err error
	if st.ClaimedCells, err = s.store.CountCells(ctx); err != nil {
		return st, err
	}
	if st.Agents, err = s.store.CountAgents(ctx); err != nil {
		return st, err
	}
	if st.Gangs, err = s.store.CountGangs(ctx); err != nil {
		return st, err
	}
	pool, err := s.store.PoolTotals(ctx)
	if err != nil {
		return st, err
	}
	st.PoolDeposited = pool.Deposited
	st.PoolNet = pool.Spent - pool.Won
	if st.PoolNet < 0 {
		st.PoolNet = 0
	}
	st.PlatformCut = st.PoolNet * s.policy.PlatformFeePercent() / 100
	st.PrizePool = st.PoolNet - st.PlatformCut
	return st, nil
}

// Leaderboard returns the ranked top entries. Limit <= 0 means everyone.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		rank := i + 1
		out[i] = Entry{
			Rank:      rank,
			AgentID:   r.Agent.ID,
			Name:      r.Agent.Name,
			GangID:    r.Agent.GangID,
			Score:     r.Agent.Score,
			CellCount: r.CellCount,
			Badge:     BadgeFor(rank),
		}
	}
	return out, nil
}

// Payouts splits the prize pool across the configured top ranks with
// linearly declining weights. The shares sum to the prize pool minus
// float dust; rank 1 takes roughly twice the median share.
func (s *Service) Payouts(ctx context.Context) ([]Payout, error) {
	st, err := s.Overview(ctx)
	if err != nil {
		return nil, err
	}
	top := s.policy.TopPlayers()
	if top <= 0 || st.PrizePool <= 0 {
		return nil, nil
	}
	entries, err := s.Leaderboard(ctx, top)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if len(entries) < top {
		top = len(entries)
	}

	// Weight n, n-1, ..., 1 over the paid ranks.
	totalWeight := top * (top + 1) / 2
	out := make([]Payout, 0, top)
	for i := 0; i < top; i++ {
		weight := top - i
		out = append(out, Payout{
			Rank:    entries[i].Rank,
			AgentID: entries[i].AgentID,
			Name:    entries[i].Name,
			Amount:  st.PrizePool * float64(weight) / float64(totalWeight),
		})
	}
	return out, nil
}

// Settle credits each payout to its winner's wallet. Called once when a
// tournament season closes.
func (s *Service) Settle(ctx context.Context, payouts []Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	return s.store.WithTx(ctx, func(tx *storage.Tx) error {
		for _, p := range payouts {
			if err := tx.Credit(p.AgentID, p.Amount, true); err != nil {
				return err
			}
		}
		return nil
	})
}
