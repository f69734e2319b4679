package principal

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/AlibekovAA/clinic-auth/internal/common/db"
)

type Repository interface {
	FindByEmail(ctx context.Context, email string) (Principal, error)
	FindByID(ctx context.Context, id string, role Role) (Principal, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Emails are unique across both tables, so at most one row matches.
const findByEmailQuery = `
SELECT id, email, first_name || ' ' || last_name, 'patient' AS role, 'patient' AS kind, password_hash
  FROM patients
 WHERE lower(email) = $1
UNION ALL
SELECT id, email, first_name || ' ' || last_name,
       CASE WHEN is_admin THEN 'admin' ELSE 'doctor' END, 'doctor', password_hash
  FROM doctors
 WHERE lower(email) = $1
 LIMIT 1`

func (r *PgRepository) FindByEmail(ctx context.Context, email string) (Principal, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, findByEmailQuery, strings.ToLower(strings.TrimSpace(email)))

	var (
		p          Principal
		role, kind string
	)
	err := row.Scan(&p.ID, &p.Email, &p.Name, &role, &kind, &p.PasswordHash)
	if err := db.HandleQueryError(err, ErrNotFound, "find principal by email", start); err != nil {
		return Principal{}, err
	}
	p.Role = Role(role)
	p.Kind = Kind(kind)
	return p, nil
}

// FindByID reloads a principal named by a token. The role must still match:
// a doctor who lost the admin flag no longer resolves as admin.
func (r *PgRepository) FindByID(ctx context.Context, id string, role Role) (Principal, error) {
	kind, ok := KindForRole(role)
	if !ok {
		return Principal{}, ErrUnknownRole
	}

	start := time.Now()
	var (
		p         Principal
		err       error
		operation string
	)
	switch kind {
	case KindPatient:
		operation = "find patient by id"
		err = r.pool.QueryRow(ctx,
			`SELECT id, email, first_name || ' ' || last_name, password_hash
			   FROM patients
			  WHERE id = $1`,
			id,
		).Scan(&p.ID, &p.Email, &p.Name, &p.PasswordHash)
		p.Role = RolePatient
	case KindDoctor:
		operation = "find doctor by id"
		var isAdmin bool
		err = r.pool.QueryRow(ctx,
			`SELECT id, email, first_name || ' ' || last_name, password_hash, is_admin
			   FROM doctors
			  WHERE id = $1`,
			id,
		).Scan(&p.ID, &p.Email, &p.Name, &p.PasswordHash, &isAdmin)
		p.Role = RoleDoctor
		if isAdmin {
			p.Role = RoleAdmin
		}
	}
	if err := db.HandleQueryError(err, ErrNotFound, operation, start); err != nil {
		return Principal{}, err
	}
	p.Kind = kind

	if p.Role != role {
		return Principal{}, ErrNotFound
	}
	return p, nil
}
