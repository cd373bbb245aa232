package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ticketdesk/internal/model"
)

// Seed is a development fixture of users and tickets, loaded from YAML.
type Seed struct {
	Users   []model.User   `yaml:"users"`
	Tickets []model.Ticket `yaml:"tickets"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for i := range seed.Users {
		role, err := model.ParseRole(string(seed.Users[i].Role))
		if err != nil {
			return Seed{}, fmt.Errorf("seed user %d: %w", seed.Users[i].ID, err)
		}
		seed.Users[i].Role = role
	}
	return seed, nil
}

// Apply writes the seed into st. Tickets that already exist are left alone so
// re-applying a seed against a persistent store is harmless.
func (sd Seed) Apply(ctx context.Context, st Store) error {
	for _, u := range sd.Users {
		if _, err := st.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}
	for _, t := range sd.Tickets {
		if _, err := st.CreateTicket(ctx, t); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed ticket %d: %w", t.ID, err)
		}
	}
	return nil
}
