// Package tuning loads runtime tuning from configs/tuning.yaml.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// Economy mode: "free_play" or "tournament".
	EconomyMode string `yaml:"economy_mode"`

	Economy Economy `yaml:"economy"`
	Bounds  Bounds  `yaml:"bounds"`
	Oracle  Oracle  `yaml:"oracle"`
	Grid    Grid    `yaml:"grid"`

	RateLimits RateLimits `yaml:"rate_limits"`
	Cache      Cache      `yaml:"cache"`
}

type Economy struct {
	ClaimCost          float64 `yaml:"claim_cost"`
	ChallengeFee       float64 `yaml:"challenge_fee"`
	PlatformFeePercent float64 `yaml:"platform_fee_percent"`
	TopPlayers         int     `yaml:"top_players"`
}

type Bounds struct {
	QuestionMin int `yaml:"question_min"`
	QuestionMax int `yaml:"question_max"`
	AnswerMin   int `yaml:"answer_min"`
	AnswerMax   int `yaml:"answer_max"`
}

type Oracle struct {
	Provider  string `yaml:"provider"`
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	TimeoutMs int    `yaml:"timeout_ms"`
	// API key comes from the environment, never from the file.
	APIKeyEnv string `yaml:"api_key_env"`
}

type Grid struct {
	TotalCells int `yaml:"total_cells"`
	Radius     int `yaml:"radius"`
}

type RateLimits struct {
	BucketSize   int     `yaml:"bucket_size"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

type Cache struct {
	LeaderboardTTLSec int `yaml:"leaderboard_ttl_sec"`
	StatsTTLSec       int `yaml:"stats_ttl_sec"`
}

func Defaults() Tuning {
	return Tuning{
		EconomyMode: "free_play",
		Economy: Economy{
			ClaimCost:          0,
			ChallengeFee:       0,
			PlatformFeePercent: 1,
			TopPlayers:         50,
		},
		Bounds: Bounds{
			QuestionMin: 10,
			QuestionMax: 200,
			AnswerMin:   2,
			AnswerMax:   100,
		},
		Oracle: Oracle{
			Provider:  "glm",
			URL:       "https://open.bigmodel.cn/api/paas/v4/chat/completions",
			Model:     "glm-4",
			TimeoutMs: 15000,
			APIKeyEnv: "GLM_API_KEY",
		},
		Grid: Grid{
			TotalCells: 5000,
			Radius:     40,
		},
		RateLimits: RateLimits{
			BucketSize:   10,
			RefillPerSec: 1,
		},
		Cache: Cache{
			LeaderboardTTLSec: 60,
			StatsTTLSec:       300,
		},
	}
}

// Load reads path and overlays it on Defaults. A missing file is an error;
// callers that want optional config should stat first.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch t.EconomyMode {
	case "free_play", "tournament":
	default:
		return fmt.Errorf("tuning: unknown economy_mode %q", t.EconomyMode)
	}
	if t.Economy.ClaimCost < 0 || t.Economy.ChallengeFee < 0 {
		return fmt.Errorf("tuning: negative fees")
	}
	if t.Economy.PlatformFeePercent < 0 || t.Economy.PlatformFeePercent > 100 {
		return fmt.Errorf("tuning: platform_fee_percent out of range")
	}
	if t.Bounds.QuestionMin <= 0 || t.Bounds.QuestionMax < t.Bounds.QuestionMin {
		return fmt.Errorf("tuning: bad question bounds")
	}
	if t.Bounds.AnswerMin <= 0 || t.Bounds.AnswerMax < t.Bounds.AnswerMin {
		return fmt.Errorf("tuning: bad answer bounds")
	}
	return nil
}
