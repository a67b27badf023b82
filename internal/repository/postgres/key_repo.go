package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/access"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// KeyRepo — таблица api_keys. Консоль пишет, ядро читает на старте
// и по сигналам изменений.
type KeyRepo struct {
	db *sql.DB
}

func NewKeyRepo(db *sql.DB) *KeyRepo {
	return &KeyRepo{db: db}
}

func (r *KeyRepo) SaveKey(ctx context.Context, row access.KeyRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, agent, role, active, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`,
		row.ID, row.Hash, row.Agent, string(row.Role), row.Active,
		row.IssuedAt, nullableTime(row.ExpiresAt))
	return err
}

func (r *KeyRepo) DeactivateKey(ctx context.Context, keyID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *KeyRepo) GetKey(ctx context.Context, keyID string) (*access.KeyRow, error) {
	row := &access.KeyRow{}
	var role string
	var expires sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, hash, agent, role, active, issued_at, expires_at
		FROM api_keys WHERE id = $1`, keyID).Scan(
		&row.ID, &row.Hash, &row.Agent, &role, &row.Active, &row.IssuedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.Role = domain.Role(role)
	if expires.Valid {
		row.ExpiresAt = expires.Time
	}
	return row, nil
}

func (r *KeyRepo) ListActiveKeys(ctx context.Context) ([]access.KeyRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, hash, agent, role, active, issued_at, expires_at
		FROM api_keys WHERE active = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]access.KeyRow, 0)
	for rows.Next() {
		var row access.KeyRow
		var role string
		var expires sql.NullTime
		if err := rows.Scan(&row.ID, &row.Hash, &row.Agent, &role,
			&row.Active, &row.IssuedAt, &expires); err != nil {
			return nil, err
		}
		row.Role = domain.Role(role)
		if expires.Valid {
			row.ExpiresAt = expires.Time
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// nullableTime маппит нулевое время в NULL (бессрочный ключ).
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
