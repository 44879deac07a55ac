package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type TargetKind string

const (
	TargetUser   TargetKind = "user"
	TargetEntity TargetKind = "entity"
)

// RecipientTarget is either a single user or an entity whose members are all addressed.
// Build it with UserTarget or EntityTarget.
type RecipientTarget struct {
	kind TargetKind
	id   uuid.UUID
}

func UserTarget(id uuid.UUID) RecipientTarget {
	return RecipientTarget{kind: TargetUser, id: id}
}

func EntityTarget(id uuid.UUID) RecipientTarget {
	return RecipientTarget{kind: TargetEntity, id: id}
}

func (t RecipientTarget) Kind() TargetKind { return t.kind }
func (t RecipientTarget) ID() uuid.UUID    { return t.id }

func (t RecipientTarget) Validate() error {
	if t.kind != TargetUser && t.kind != TargetEntity {
		return fmt.Errorf("recipient kind must be user|entity, got %q", t.kind)
	}
	if t.id == uuid.Nil {
		return fmt.Errorf("recipient %s id is empty", t.kind)
	}
	return nil
}

type targetJSON struct {
	Kind TargetKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
}

func (t RecipientTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(targetJSON{Kind: t.kind, ID: t.id})
}

func (t *RecipientTarget) UnmarshalJSON(b []byte) error {
	var raw targetJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed := RecipientTarget{kind: raw.Kind, id: raw.ID}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*t = parsed
	return nil
}
