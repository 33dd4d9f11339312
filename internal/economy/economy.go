// Package economy prices the two territory operations. The policy is
// chosen once at startup from tuning; handlers never branch on mode.
package economy

import (
	"fmt"

	"clawquest.ai/internal/tuning"
)

// Policy answers what an operation costs and how the season pool is cut.
type Policy interface {
	// Mode is the tuning string that selected this policy.
	Mode() string
	// ClaimCost is debited from the claimer when taking an empty cell.
	ClaimCost() float64
	// ChallengeFee is debited from the challenger on every evaluated
	// challenge, win or lose.
	ChallengeFee() float64
	// PlatformFeePercent is the platform's share of the season pool.
	PlatformFeePercent() float64
	// TopPlayers is how many leaderboard ranks share the payout.
	TopPlayers() int
}

// FreePlay is the all-zero policy: no stakes, no payouts.
type FreePlay struct{}

func (FreePlay) Mode() string                { return "free_play" }
func (FreePlay) ClaimCost() float64          { return 0 }
func (FreePlay) ChallengeFee() float64       { return 0 }
func (FreePlay) PlatformFeePercent() float64 { return 0 }
func (FreePlay) TopPlayers() int             { return 0 }

// Tournament reads its prices from tuning.
type Tournament struct {
	claimCost    float64
	challengeFee float64
	platformPct  float64
	topPlayers   int
}

func (Tournament) Mode() string                  { return "tournament" }
func (t Tournament) ClaimCost() float64          { return t.claimCost }
func (t Tournament) ChallengeFee() float64       { return t.challengeFee }
func (t Tournament) PlatformFeePercent() float64 { return t.platformPct }
func (t Tournament) TopPlayers() int             { return t.topPlayers }

// FromTuning selects the policy for the configured mode.
func FromTuning(t *tuning.Tuning) (Policy, error) {
	switch t.EconomyMode {
	case "free_play", "":
		return FreePlay{}, nil
	case "tournament":
		return Tournament{
			claimCost:    t.Economy.ClaimCost,
			challengeFee: t.Economy.ChallengeFee,
			platformPct:  t.Economy.PlatformFeePercent,
			topPlayers:   t.Economy.TopPlayers,
		}, nil
	default:
		return nil, fmt.Errorf("economy: unknown mode %q", t.EconomyMode)
	}
}
