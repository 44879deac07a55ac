package service

import (
	"context"
	"fmt"

	"comm_dispatch/internal/models"
	"github.com/google/uuid"
)

// Resolver turns recipient targets into the concrete set of users to address.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve expands entities into their members and merges them with direct user
// targets. Each user appears once, in order of first appearance. Unknown user ids
// are dropped; an empty result is ErrNoRecipients.
func (r *Resolver) Resolve(ctx context.Context, targets []models.RecipientTarget) ([]models.User, error) {
	var userIDs []uuid.UUID
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if t.Kind() == models.TargetUser {
			userIDs = append(userIDs, t.ID())
		}
	}

	direct := make(map[uuid.UUID]models.User, len(userIDs))
	if len(userIDs) > 0 {
		users, err := r.dir.GetUsers(ctx, userIDs)
		if err != nil {
			return nil, fmt.Errorf("get users: %w", err)
		}
		for _, u := range users {
			direct[u.ID] = u
		}
	}

	seen := make(map[uuid.UUID]struct{})
	out := make([]models.User, 0, len(userIDs))
	add := func(u models.User) {
		if _, ok := seen[u.ID]; ok {
			return
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}

	for _, t := range targets {
		switch t.Kind() {
		case models.TargetUser:
			if u, ok := direct[t.ID()]; ok {
				add(u)
			}
		case models.TargetEntity:
			members, err := r.dir.GetEntityMembers(ctx, t.ID())
			if err != nil {
				return nil, fmt.Errorf("get entity %s members: %w", t.ID(), err)
			}
			for _, u := range members {
				add(u)
			}
		}
	}

	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}
