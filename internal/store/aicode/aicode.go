// Package aicode resolves a bot submission's on-disk source path. It talks
// to what in the full product is a separate AI-code service's database, so
// it deliberately uses database/sql + lib/pq rather than the pgx pool the
// Battle Store uses, reflecting a real service-boundary split rather than
// sharing a driver out of convenience.
package aicode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/avalon-arena/match-core/internal/models"
)

// Resolver implements store.AICodeResolver.
type Resolver struct {
	db *sql.DB
}

// New opens dsn and verifies it with a ping.
func New(dsn string) (*Resolver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("aicode: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("aicode: ping: %w", err)
	}
	return &Resolver{db: db}, nil
}

// Close closes the underlying connection pool.
func (r *Resolver) Close() error { return r.db.Close() }

// Resolve looks up an active AI code's source path.
func (r *Resolver) Resolve(ctx context.Context, aiCodeID string) (models.AICode, error) {
	var code models.AICode
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, active, path FROM ai_codes WHERE id = $1`, aiCodeID).
		Scan(&code.ID, &code.OwnerID, &code.Active, &code.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AICode{}, fmt.Errorf("aicode: %s not found", aiCodeID)
	}
	if err != nil {
		return models.AICode{}, fmt.Errorf("aicode: resolve %s: %w", aiCodeID, err)
	}
	if !code.Active {
		return models.AICode{}, fmt.Errorf("aicode: %s is not active", aiCodeID)
	}
	return code, nil
}
