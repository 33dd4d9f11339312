// Package protocol defines the wire types and error codes shared by the
// HTTP API, the websocket hub, and the bot client.
package protocol

import "time"

// Requests.

type ClaimRequest struct {
	AgentID  string `json:"agentId"`
	Q        int    `json:"q"`
	R        int    `json:"r"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type ChallengeRequest struct {
	AgentID string `json:"agentId"`
	CellID  string `json:"cellId"`
	Answer  string `json:"answer"`
}

type CreateAgentRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type CreateGangRequest struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
}

type JoinGangRequest struct {
	AgentID string `json:"agentId"`
	GangID  string `json:"gangId"`
}

type DepositRequest struct {
	AgentID string  `json:"agentId"`
	Amount  float64 `json:"amount"`
	TxRef   string  `json:"txRef"`
}

// Validation is the full adjudication detail returned for every evaluated
// challenge, success or failure. It never includes the secret answer.
type Validation struct {
	IsValid     bool    `json:"isValid"`
	Similarity  float64 `json:"similarity"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Method      string  `json:"method"`
}

// Economics summarizes the money movement of a claim or challenge.
type Economics struct {
	FeePaid   float64 `json:"feePaid"`
	FeeGoesTo string  `json:"feeGoesTo,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// ErrorBody is the JSON error envelope of every rejected request.
type ErrorBody struct {
	Success bool           `json:"success"`
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Detail  map[string]any `json:"detail,omitempty"`
	// Present when a challenge was evaluated before the rejection.
	Validation *Validation `json:"validation,omitempty"`
}

// Websocket event names pushed by the hub.
const (
	EventCellClaimed  = "cell-claimed"
	EventCellStolen   = "cell-stolen"
	EventAgentCreated = "agent-created"
	EventGangCreated  = "gang-created"
)

// Event is one broadcast frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// CellPayload is a cell as broadcast on the event feed. The secret
// answer never rides along.
type CellPayload struct {
	ID        string    `json:"id"`
	Q         int       `json:"q"`
	R         int       `json:"r"`
	OwnerID   string    `json:"ownerId"`
	GangID    string    `json:"gangId,omitempty"`
	Question  string    `json:"question"`
	ClaimedAt time.Time `json:"claimedAt"`
	Defended  int       `json:"defended"`
}

// GangPayload is a gang as broadcast on the event feed.
type GangPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LeaderID    string `json:"leaderId"`
	Color       string `json:"color"`
	MemberCount int    `json:"memberCount"`
}
