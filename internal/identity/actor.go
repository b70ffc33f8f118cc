package identity

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// Actor type constants. Commands and decisions are always attributed to a
// registered actor: a human operator, a supervising agent, a service, or
// the engine itself.
const (
	ActorTypeHuman   = "human"
	ActorTypeAgent   = "agent"
	ActorTypeSystem  = "system"
	ActorTypeService = "service"
)

var validActorTypes = map[string]bool{
	ActorTypeHuman:   true,
	ActorTypeAgent:   true,
	ActorTypeSystem:  true,
	ActorTypeService: true,
}

// ValidateActorType checks that typ is one of the valid actor types.
func ValidateActorType(typ string) error {
	if !validActorTypes[typ] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid actor type %q: must be one of human, agent, system, service", typ)
	}
	return nil
}

// ValidateActor checks required fields on an Actor.
func ValidateActor(actor *store.Actor) error {
	if actor.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "actor id is required")
	}
	if actor.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "actor name is required")
	}
	return ValidateActorType(actor.Type)
}

// EnsureRegistered retrieves an existing actor or registers a new one.
// If the actor exists, it updates last_seen_at and returns the stored
// record; otherwise it registers the actor and returns the new record.
func EnsureRegistered(ctx context.Context, s store.Store, id, name, typ string, metadata json.RawMessage) (*store.Actor, error) {
	existing, err := s.GetActor(ctx, id)
	if err == nil {
		_ = s.UpdateActorSeen(ctx, id)
		return existing, nil
	}

	var engErr *schema.EngineError
	if !errors.As(err, &engErr) || engErr.Code != schema.ErrCodeNotFound {
		return nil, err
	}

	actor := &store.Actor{
		ID:       id,
		Name:     name,
		Type:     typ,
		Metadata: metadata,
	}
	if err := ValidateActor(actor); err != nil {
		return nil, err
	}
	if err := s.RegisterActor(ctx, actor); err != nil {
		return nil, err
	}
	return s.GetActor(ctx, id)
}
