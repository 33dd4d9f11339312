package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clawquest.ai/internal/economy"
	"clawquest.ai/internal/engine"
	"clawquest.ai/internal/gangs"
	"clawquest.ai/internal/protocol"
	"clawquest.ai/internal/season"
	"clawquest.ai/internal/storage"
	"clawquest.ai/internal/tuning"
	"clawquest.ai/internal/validation"
)

type testAPI struct {
	srv   *httptest.Server
	store *storage.Store
}

func newTestAPI(t *testing.T, mutate func(*tuning.Tuning)) *testAPI {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "game.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := tuning.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	policy, err := economy.FromTuning(&cfg)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	logger := log.New(os.Stderr, "[server-test] ", 0)
	v := validation.New(nil, logger)
	eng := engine.New(store, v, policy, &cfg, nil, nil, logger)
	gangSvc := gangs.New(store, nil, logger)
	seasonSvc := season.New(store, policy, cfg.Grid.TotalCells, logger)

	api, err := New(store, eng, gangSvc, seasonSvc, &cfg, nil, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, store: store}
}

func (a *testAPI) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(a.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func (a *testAPI) createAgent(t *testing.T, name string) string {
	t.Helper()
	resp, body := a.post(t, "/v1/agents", map[string]any{"name": name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: status %d, body %v", resp.StatusCode, body)
	}
	agent := body["agent"].(map[string]any)
	return agent["id"].(string)
}

func (a *testAPI) claim(t *testing.T, agentID string, q, r int) string {
	t.Helper()
	resp, body := a.post(t, "/v1/claim", map[string]any{
		"agentId": agentID, "q": q, "r": r,
		"question": "What is the capital of France?", "answer": "Paris",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("claim: status %d, body %v", resp.StatusCode, body)
	}
	cell := body["cell"].(map[string]any)
	return cell["id"].(string)
}

func TestAgentEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)

	id := api.createAgent(t, "crab")

	// Duplicate name.
	resp, body := api.post(t, "/v1/agents", map[string]any{"name": "crab"})
	if resp.StatusCode != http.StatusConflict || body["code"] != protocol.ErrConflict {
		t.Fatalf("duplicate: status %d, body %v", resp.StatusCode, body)
	}
	// Schema rejection.
	resp, body = api.post(t, "/v1/agents", map[string]any{"name": "c"})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != protocol.ErrBadRequest {
		t.Fatalf("short name: status %d, body %v", resp.StatusCode, body)
	}

	resp, body = api.get(t, "/v1/agents/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get agent: %d", resp.StatusCode)
	}
	agent := body["agent"].(map[string]any)
	if agent["name"] != "crab" {
		t.Fatalf("body = %v", body)
	}
	// A display color is assigned when the request does not carry one.
	if !strings.HasPrefix(agent["color"].(string), "hsl(") {
		t.Fatalf("agent color = %v", agent["color"])
	}

	// A caller-chosen color is kept as-is.
	resp, body = api.post(t, "/v1/agents", map[string]any{"name": "tern", "color": "#ff8800"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create with color: status %d, body %v", resp.StatusCode, body)
	}
	if body["agent"].(map[string]any)["color"] != "#ff8800" {
		t.Fatalf("agent = %v", body["agent"])
	}
	if _, ok := body["wallet"].(map[string]any); !ok {
		t.Fatalf("wallet missing: %v", body)
	}

	resp, body = api.get(t, "/v1/agents/ghost")
	if resp.StatusCode != http.StatusNotFound || body["code"] != protocol.ErrNotFound {
		t.Fatalf("missing agent: status %d, body %v", resp.StatusCode, body)
	}
}

func TestClaimAndChallengeFlow(t *testing.T) {
	api := newTestAPI(t, nil)
	a1 := api.createAgent(t, "crab")
	a2 := api.createAgent(t, "gull")

	cellID := api.claim(t, a1, 2, -1)

	// The cell view never leaks the answer.
	resp, body := api.get(t, "/v1/cells/"+cellID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get cell: %d", resp.StatusCode)
	}
	cell := body["cell"].(map[string]any)
	if _, leaked := cell["answer"]; leaked {
		t.Fatalf("answer leaked: %v", cell)
	}
	if cell["question"] != "What is the capital of France?" {
		t.Fatalf("cell = %v", cell)
	}

	// The owner can read its own answer back; anyone else cannot.
	_, body = api.get(t, "/v1/cells/"+cellID+"?agentId="+a1)
	if body["cell"].(map[string]any)["answer"] != "Paris" {
		t.Fatalf("owner view = %v", body["cell"])
	}
	_, body = api.get(t, "/v1/cells/"+cellID+"?agentId="+a2)
	if _, leaked := body["cell"].(map[string]any)["answer"]; leaked {
		t.Fatalf("non-owner view leaked: %v", body["cell"])
	}

	// Wrong answer: evaluated, 200, not stolen.
	resp, body = api.post(t, "/v1/challenge", map[string]any{"agentId": a2, "cellId": cellID, "answer": "London"})
	if resp.StatusCode != http.StatusOK || body["stolen"] != false {
		t.Fatalf("wrong answer: status %d, body %v", resp.StatusCode, body)
	}
	val := body["validation"].(map[string]any)
	if val["isValid"] != false || val["method"] != "fallback" {
		t.Fatalf("validation = %v", val)
	}

	// Right answer steals.
	resp, body = api.post(t, "/v1/challenge", map[string]any{"agentId": a2, "cellId": cellID, "answer": "paris"})
	if resp.StatusCode != http.StatusOK || body["stolen"] != true {
		t.Fatalf("steal: status %d, body %v", resp.StatusCode, body)
	}
	if body["cell"].(map[string]any)["ownerId"] != a2 {
		t.Fatalf("cell = %v", body["cell"])
	}

	// History shows the full story, newest first.
	_, body = api.get(t, "/v1/cells/"+cellID+"/history")
	hist := body["history"].([]any)
	if len(hist) != 3 {
		t.Fatalf("history = %v", hist)
	}
	if hist[0].(map[string]any)["event"] != "stolen" || hist[2].(map[string]any)["event"] != "claimed" {
		t.Fatalf("history order = %v", hist)
	}
	// Challenge rows carry the question snapshot and the submitted answer.
	steal := hist[0].(map[string]any)
	if steal["question"] != "What is the capital of France?" || steal["submittedAnswer"] != "paris" {
		t.Fatalf("steal row = %v", steal)
	}
	defense := hist[1].(map[string]any)
	if defense["submittedAnswer"] != "London" {
		t.Fatalf("defense row = %v", defense)
	}
}

func TestNearbyFiltersByHexDistance(t *testing.T) {
	api := newTestAPI(t, nil)
	a1 := api.createAgent(t, "crab")
	api.claim(t, a1, 0, 0)
	api.claim(t, a1, 2, 0)
	// Box-corner cell: inside the bounding box, outside hex radius 2.
	api.claim(t, a1, 2, 2)

	_, body := api.get(t, "/v1/cells/nearby?q=0&r=0&radius=2")
	cells := body["cells"].([]any)
	if len(cells) != 2 {
		t.Fatalf("nearby = %v", cells)
	}
}

func TestGangEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	a1 := api.createAgent(t, "crab")
	a2 := api.createAgent(t, "gull")

	resp, body := api.post(t, "/v1/gangs", map[string]any{"agentId": a1, "name": "Reef Sharks"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create gang: status %d, body %v", resp.StatusCode, body)
	}
	gang := body["gang"].(map[string]any)
	gangID := gang["id"].(string)
	if !strings.Contains(gang["emblemSvg"].(string), "<svg") {
		t.Fatalf("gang = %v", gang)
	}

	resp, body = api.post(t, "/v1/gangs/join", map[string]any{"agentId": a2, "gangId": gangID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: status %d, body %v", resp.StatusCode, body)
	}
	if body["gang"].(map[string]any)["memberCount"] != float64(2) {
		t.Fatalf("gang = %v", body["gang"])
	}

	_, body = api.get(t, "/v1/gangs")
	if len(body["gangs"].([]any)) != 1 {
		t.Fatalf("gangs = %v", body["gangs"])
	}
}

func TestLeaderboardAndOverview(t *testing.T) {
	api := newTestAPI(t, nil)
	a1 := api.createAgent(t, "crab")
	a2 := api.createAgent(t, "gull")
	api.claim(t, a1, 0, 0)
	api.claim(t, a1, 1, 0)
	api.claim(t, a2, 0, 1)

	_, body := api.get(t, "/v1/leaderboard?limit=50")
	entries := body["leaderboard"].([]any)
	if len(entries) != 2 {
		t.Fatalf("leaderboard = %v", entries)
	}
	first := entries[0].(map[string]any)
	if first["name"] != "crab" || first["badge"] != "champion" || first["cellCount"] != float64(2) {
		t.Fatalf("first = %v", first)
	}

	// Cached second read returns the same payload.
	_, again := api.get(t, "/v1/leaderboard?limit=50")
	if len(again["leaderboard"].([]any)) != 2 {
		t.Fatalf("cached leaderboard = %v", again)
	}

	_, body = api.get(t, "/v1/stats/overview")
	stats := body["stats"].(map[string]any)
	if stats["claimedCells"] != float64(3) || stats["agents"] != float64(2) {
		t.Fatalf("stats = %v", stats)
	}
}

func TestExportCSV(t *testing.T) {
	api := newTestAPI(t, nil)
	a1 := api.createAgent(t, "crab")
	api.claim(t, a1, 0, 0)

	resp, err := http.Get(api.srv.URL + "/v1/stats/export?format=csv")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %s", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "id,cell_id,event") {
		t.Fatalf("csv = %q", buf.String())
	}
	if !strings.Contains(lines[1], "claimed") {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, func(cfg *tuning.Tuning) {
		cfg.RateLimits.BucketSize = 2
		cfg.RateLimits.RefillPerSec = 0.001
	})
	a1 := api.createAgent(t, "crab")

	api.claim(t, a1, 0, 0)
	api.claim(t, a1, 1, 0)

	resp, body := api.post(t, "/v1/claim", map[string]any{
		"agentId": a1, "q": 2, "r": 0,
		"question": "What is the capital of France?", "answer": "Paris",
	})
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != protocol.ErrRateLimit {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
}

func TestDepositAndInsufficientBalance(t *testing.T) {
	api := newTestAPI(t, func(cfg *tuning.Tuning) {
		cfg.EconomyMode = "tournament"
		cfg.Economy.ClaimCost = 0.01
		cfg.Economy.ChallengeFee = 0.005
	})
	a1 := api.createAgent(t, "crab")

	// Broke: claim refused with the balance detail.
	resp, body := api.post(t, "/v1/claim", map[string]any{
		"agentId": a1, "q": 0, "r": 0,
		"question": "What is the capital of France?", "answer": "Paris",
	})
	if resp.StatusCode != http.StatusPaymentRequired || body["code"] != protocol.ErrInsufficientBalance {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	detail := body["detail"].(map[string]any)
	if detail["requiredBalance"] != 0.01 {
		t.Fatalf("detail = %v", detail)
	}

	resp, body = api.post(t, "/v1/wallet/deposit", map[string]any{"agentId": a1, "amount": 1.0, "txRef": "tx-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit: status %d, body %v", resp.StatusCode, body)
	}
	if body["wallet"].(map[string]any)["balance"] != float64(1) {
		t.Fatalf("wallet = %v", body["wallet"])
	}

	api.claim(t, a1, 0, 0)
	_, body = api.get(t, fmt.Sprintf("/v1/wallet/%s", a1))
	if body["wallet"].(map[string]any)["totalSpent"] != 0.01 {
		t.Fatalf("wallet = %v", body["wallet"])
	}
}
