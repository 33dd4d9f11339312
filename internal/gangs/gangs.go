// Package gangs manages the faction layer: named groups whose members'
// cells render under a shared color and emblem.
package gangs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"clawquest.ai/internal/protocol"
	"clawquest.ai/internal/storage"
)

// MaxGangs caps how many gangs a season can hold; MaxMembers caps how
// many agents fit in one gang.
const (
	MaxGangs   = 99
	MaxMembers = 99
)

const (
	nameMin = 3
	nameMax = 30
)

type Notifier interface {
	Publish(event string, payload any)
}

type Service struct {
	store    *storage.Store
	notifier Notifier
	log      *log.Logger
	now      func() time.Time
	newID    func() string
}

func New(store *storage.Store, n Notifier, logger *log.Logger) *Service {
	return &Service{store: store, notifier: n, log: logger, now: time.Now, newID: uuid.NewString}
}

// Create founds a gang with the agent as leader. The leader's cells are
// retagged to the gang in the same transaction.
func (s *Service) Create(ctx context.Context, agentID, name string) (storage.Gang, error) {
	name = strings.TrimSpace(name)
	if n := len([]rune(name)); n < nameMin || n > nameMax {
		return storage.Gang{}, protocol.Errorf(protocol.ErrBadRequest, "gang name must be %d-%d characters", nameMin, nameMax)
	}

	gang := storage.Gang{
		ID:          s.newID(),
		Name:        name,
		LeaderID:    agentID,
		Color:       ColorFor(name),
		EmblemSVG:   EmblemFor(name),
		MemberCount: 1,
		CreatedAt:   s.now(),
	}

	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		agent, err := tx.GetAgent(agentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return protocol.Errorf(protocol.ErrNotFound, "agent %s not found", agentID)
			}
			return err
		}
		if agent.GangID != "" {
			return protocol.Errorf(protocol.ErrConflict, "agent already belongs to a gang")
		}
		n, err := tx.CountGangs()
		if err != nil {
			return err
		}
		if n >= MaxGangs {
			return protocol.Errorf(protocol.ErrConflict, "gang limit of %d reached", MaxGangs)
		}
		if err := tx.CreateGang(gang); err != nil {
			if errors.Is(err, storage.ErrExists) {
				return protocol.Errorf(protocol.ErrConflict, "gang name %q is taken", name)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return storage.Gang{}, err
	}

	if s.notifier != nil {
		s.notifier.Publish(protocol.EventGangCreated, protocol.GangPayload{
			ID: gang.ID, Name: gang.Name, LeaderID: gang.LeaderID,
			Color: gang.Color, MemberCount: gang.MemberCount,
		})
	}
	return gang, nil
}

// Join adds a gangless agent to an existing gang.
func (s *Service) Join(ctx context.Context, agentID, gangID string) (storage.Gang, error) {
	var gang storage.Gang
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		agent, err := tx.GetAgent(agentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return protocol.Errorf(protocol.ErrNotFound, "agent %s not found", agentID)
			}
			return err
		}
		if agent.GangID != "" {
			return protocol.Errorf(protocol.ErrConflict, "agent already belongs to a gang")
		}
		gang, err = tx.GetGang(gangID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return protocol.Errorf(protocol.ErrNotFound, "gang %s not found", gangID)
			}
			return err
		}
		if gang.MemberCount >= MaxMembers {
			return protocol.Errorf(protocol.ErrConflict, "gang %q is full (max %d members)", gang.Name, MaxMembers)
		}
		if err := tx.JoinGang(agentID, gangID); err != nil {
			return err
		}
		gang.MemberCount++
		return nil
	})
	if err != nil {
		return storage.Gang{}, err
	}
	return gang, nil
}

var palette = []string{
	"#e63946", "#f4a261", "#e9c46a", "#2a9d8f", "#264653",
	"#6d597a", "#b56576", "#355070", "#43aa8b", "#577590",
	"#9b2226", "#bb3e03", "#005f73", "#94d2bd", "#3a0ca3",
}

// ColorFor picks a stable palette color for a gang name.
func ColorFor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(name)))
	return palette[h.Sum32()%uint32(len(palette))]
}

// EmblemFor renders a small deterministic hexagon badge with the gang's
// initials. Same name, same emblem, no asset pipeline.
func EmblemFor(name string) string {
	color := ColorFor(name)
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100">`+
		`<polygon points="50,4 90,27 90,73 50,96 10,73 10,27" fill="%s" stroke="#1d1d1d" stroke-width="4"/>`+
		`<text x="50" y="62" font-family="monospace" font-size="34" font-weight="bold" fill="#ffffff" text-anchor="middle">%s</text>`+
		`</svg>`, color, initials(name))
}

// initials takes the first rune of up to two words.
func initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		for _, r := range word {
			out = append(out, unicode.ToUpper(r))
			break
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}
