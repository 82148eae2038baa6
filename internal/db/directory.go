package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"bypassd/internal/directory"
)

// Directory reads staff from the staff_users table
type Directory struct {
	pool *Pool
}

func NewDirectory(pool *Pool) *Directory {
	return &Directory{pool: pool}
}

const staffColumns = `id, tenant_id, role, active, last_active_at,
	COALESCE(email, ''), COALESCE(phone, ''), COALESCE(name, '')`

func scanUser(row pgx.CollectableRow) (directory.User, error) {
	var u directory.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Role, &u.Active, &u.LastActiveAt, &u.Email, &u.Phone, &u.Name)
	return u, err
}

func (d *Directory) Get(ctx context.Context, tenantID, userID string) (*directory.User, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT "+staffColumns+" FROM staff_users WHERE tenant_id = $1 AND id = $2",
		tenantID, userID,
	)
	if err != nil {
		return nil, classify(err, "failed to load user")
	}
	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		return nil, classify(err, "user not found")
	}
	return &u, nil
}

func (d *Directory) ListActive(ctx context.Context, tenantID string) ([]directory.User, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT "+staffColumns+" FROM staff_users WHERE tenant_id = $1 AND active ORDER BY id",
		tenantID,
	)
	if err != nil {
		return nil, classify(err, "failed to list users")
	}
	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, classify(err, "failed to read users")
	}
	return users, nil
}

// Upsert creates or replaces a staff record
func (d *Directory) Upsert(ctx context.Context, u directory.User) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO staff_users (id, tenant_id, role, active, last_active_at, email, phone, name)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			role = EXCLUDED.role,
			active = EXCLUDED.active,
			last_active_at = EXCLUDED.last_active_at,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			name = EXCLUDED.name`,
		u.ID, u.TenantID, u.Role, u.Active, u.LastActiveAt, u.Email, u.Phone, u.Name,
	)
	if err != nil {
		return classify(err, "failed to save user")
	}
	return nil
}

var _ directory.Directory = (*Directory)(nil)
