package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/callsight/internal/conversation"
)

// PersonByIdentity looks up the Person behind an external identity. It
// returns nil, nil when the identity is unknown.
func (s *Store) PersonByIdentity(ctx context.Context, provider, providerID string) (*conversation.Person, error) {
	var p conversation.Person
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.name, p.email
		FROM external_identities ei
		JOIN people p ON p.id = ei.person_id
		WHERE ei.provider = lower($1) AND ei.provider_id = $2`,
		provider, providerID,
	).Scan(&p.ID, &p.Name, &p.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	return &p, nil
}

// People lists every known Person ordered by id, so callers iterating it
// see a stable order.
func (s *Store) People(ctx context.Context) ([]conversation.Person, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, email FROM people ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	var out []conversation.Person
	for rows.Next() {
		var p conversation.Person
		if err := rows.Scan(&p.ID, &p.Name, &p.Email); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
