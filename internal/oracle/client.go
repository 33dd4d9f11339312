// Package oracle implements the external semantic-similarity validator:
// a chat-completions call that judges a submitted answer against the
// stored one. Callers treat every error as "fall back to lexical
// validation"; the oracle is never load-bearing for availability.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// Verdict is the strict shape extracted from the completion text.
type Verdict struct {
	IsValid     bool    `json:"isValid"`
	Similarity  float64 `json:"similarity"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
}

var (
	ErrNotConfigured = errors.New("oracle: no API key configured")
	ErrBadResponse   = errors.New("oracle: malformed response")
)

type Client struct {
	cfg  Config
	http *http.Client
	log  *log.Logger
}

// New builds a client, logging the effective configuration once.
// Returns nil when no credential is configured; a nil *Client is a valid
// "permanent fallback" oracle.
func New(cfg Config, logger *log.Logger) *Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		if logger != nil {
			logger.Printf("oracle disabled: no API key, lexical fallback only")
		}
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger != nil {
		logger.Printf("oracle enabled: model=%s timeout=%s", cfg.Model, cfg.Timeout)
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

// Enabled reports whether the client can make calls. Safe on nil.
func (c *Client) Enabled() bool { return c != nil }

const systemPrompt = `You are a precise trivia answer validator. Your task is to compare the user's answer with the correct answer.

VALIDATION RULES:
1. Semantic equivalence matters more than exact wording
2. Accept answers with minor spelling errors if meaning is clear
3. Accept partial answers if they contain the KEY information
4. Reject answers that are factually wrong or irrelevant
5. Consider the question context when evaluating

THRESHOLD: isValid = true only if similarity >= 0.7

RESPONSE FORMAT (JSON only):
{"isValid": boolean, "similarity": number, "explanation": "brief reason", "confidence": number}`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Evaluate asks the oracle to score submitted against correct in the
// context of question. Any transport, status, or parse problem is an
// error; the caller decides what to do with it.
func (c *Client) Evaluate(ctx context.Context, question, correct, submitted string) (Verdict, error) {
	if c == nil {
		return Verdict{}, ErrNotConfigured
	}

	user := fmt.Sprintf("Question: %q\nCorrect Answer: %q\nUser Answer: %q\n\nEvaluate if the user's answer is correct. Return JSON only.",
		question, correct, submitted)
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   200,
	})
	if err != nil {
		return Verdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{}, fmt.Errorf("oracle: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, err
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("%w: no choices", ErrBadResponse)
	}
	return ParseVerdict(parsed.Choices[0].Message.Content)
}

// ParseVerdict extracts the first balanced JSON object from completion
// text and decodes it strictly. The verdict-bearing fields (isValid,
// similarity) must be present; absence is a parse failure, never a
// default. Scores are clamped to [0,1]; an absent confidence means the
// oracle did not self-assess and maps to 0.5.
func ParseVerdict(content string) (Verdict, error) {
	obj, ok := extractJSONObject(content)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: no JSON object in completion", ErrBadResponse)
	}

	var loose struct {
		IsValid     *bool    `json:"isValid"`
		Similarity  *float64 `json:"similarity"`
		Explanation string   `json:"explanation"`
		Confidence  *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(obj), &loose); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if loose.IsValid == nil || loose.Similarity == nil {
		return Verdict{}, fmt.Errorf("%w: missing verdict fields", ErrBadResponse)
	}

	v := Verdict{
		IsValid:     *loose.IsValid,
		Similarity:  clamp01(*loose.Similarity),
		Explanation: loose.Explanation,
		Confidence:  0.5,
	}
	if loose.Confidence != nil {
		v.Confidence = clamp01(*loose.Confidence)
	}
	if v.Explanation == "" {
		v.Explanation = "no explanation provided"
	}
	return v, nil
}

// extractJSONObject returns the first balanced {...} block, respecting
// strings and escapes.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Check makes a minimal completion call so startup can log whether the
// credential works. Failures are advisory only.
func (c *Client) Check(ctx context.Context) error {
	if c == nil {
		return ErrNotConfigured
	}
	body, _ := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: "Test"}},
		MaxTokens: 5,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("oracle: invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("oracle: status %d", resp.StatusCode)
	}
	return nil
}
