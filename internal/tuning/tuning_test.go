package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := `
economy_mode: tournament
economy:
  claim_cost: 0.001
  challenge_fee: 0.001
  platform_fee_percent: 1
bounds:
  question_min: 10
  question_max: 200
  answer_min: 2
  answer_max: 100
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.EconomyMode != "tournament" {
		t.Fatalf("economy_mode = %q", got.EconomyMode)
	}
	if got.Economy.ClaimCost != 0.001 {
		t.Fatalf("claim_cost = %v", got.Economy.ClaimCost)
	}
	// Untouched sections keep defaults.
	if got.Oracle.Model != "glm-4" {
		t.Fatalf("oracle model default lost: %q", got.Oracle.Model)
	}
	if got.RateLimits.BucketSize != 10 {
		t.Fatalf("rate limit default lost: %d", got.RateLimits.BucketSize)
	}
}

func TestValidateRejects(t *testing.T) {
	bad := Defaults()
	bad.EconomyMode = "casino"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown mode error")
	}

	bad = Defaults()
	bad.Economy.ChallengeFee = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected negative fee error")
	}

	bad = Defaults()
	bad.Bounds.AnswerMax = 1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected bounds error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
