// Command bot is a reference client: it registers an agent, claims a
// few random cells with stock trivia, challenges whatever it can see,
// and tails the websocket event feed.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"clawquest.ai/internal/protocol"
)

var trivia = []struct{ question, answer string }{
	{"What is the capital of France?", "Paris"},
	{"What is the largest ocean on Earth?", "Pacific Ocean"},
	{"Which planet is known as the red planet?", "Mars"},
	{"What is the chemical symbol for gold?", "Au"},
	{"How many continents are there on Earth?", "Seven"},
}

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "server base url")
		wsURL   = flag.String("ws", "ws://localhost:8080/v1/ws", "event feed url")
		name    = flag.String("name", fmt.Sprintf("bot-%04d", rand.Intn(10000)), "agent name")
		claims  = flag.Int("claims", 3, "how many cells to claim")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	c := &client{base: *baseURL, http: &http.Client{Timeout: 30 * time.Second}}

	agentID, err := c.createAgent(*name)
	if err != nil {
		logger.Fatalf("create agent: %v", err)
	}
	logger.Printf("registered as %s (%s)", *name, agentID)

	for i := 0; i < *claims; i++ {
		t := trivia[rand.Intn(len(trivia))]
		q, r := rand.Intn(21)-10, rand.Intn(21)-10
		resp, err := c.post("/v1/claim", protocol.ClaimRequest{
			AgentID: agentID, Q: q, R: r, Question: t.question, Answer: t.answer,
		})
		if err != nil {
			logger.Printf("claim (%d,%d): %v", q, r, err)
			continue
		}
		logger.Printf("claim (%d,%d): %s", q, r, resp)
	}

	// Tail the event feed until interrupted.
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL, nil)
	if err != nil {
		logger.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev protocol.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		logger.Printf("event %s: %v", ev.Type, ev.Payload)

		// Opportunistic steal attempt on anything someone else claims.
		if ev.Type != protocol.EventCellClaimed {
			continue
		}
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			continue
		}
		cellID, _ := payload["id"].(string)
		owner, _ := payload["ownerId"].(string)
		if cellID == "" || owner == agentID {
			continue
		}
		for _, t := range trivia {
			if t.question == payload["question"] {
				resp, err := c.post("/v1/challenge", protocol.ChallengeRequest{
					AgentID: agentID, CellID: cellID, Answer: t.answer,
				})
				if err != nil {
					logger.Printf("challenge %s: %v", cellID, err)
				} else {
					logger.Printf("challenge %s: %s", cellID, resp)
				}
				break
			}
		}
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) post(path string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		var eb protocol.ErrorBody
		if json.Unmarshal(out, &eb) == nil && eb.Code != "" {
			return "", fmt.Errorf("%s: %s", eb.Code, eb.Error)
		}
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(bytes.TrimSpace(out)), nil
}

func (c *client) createAgent(name string) (string, error) {
	raw, err := c.post("/v1/agents", protocol.CreateAgentRequest{Name: name})
	if err != nil {
		return "", err
	}
	var body struct {
		Agent struct {
			ID string `json:"id"`
		} `json:"agent"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return "", err
	}
	if body.Agent.ID == "" {
		return "", fmt.Errorf("no agent id in response")
	}
	return body.Agent.ID, nil
}
