package directory

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

// PostgresDirectory reads the users and user_roles tables.
type PostgresDirectory struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

type roleRow struct {
	UserID string `db:"user_id"`
	Role   string `db:"role"`
}

func (d *PostgresDirectory) FindEligible(ctx context.Context, roles []string, scope models.Scope) ([]models.User, error) {
	users := []models.User{}
	err := d.db.SelectContext(ctx, &users, `
		SELECT DISTINCT u.id, u.name, u.email, u.organization_id
		FROM users u
		JOIN user_roles r ON r.user_id = u.id
		WHERE u.active
		AND r.role = ANY($1)
		AND ($2 = '' OR u.organization_id = '' OR u.organization_id = $2)
		ORDER BY u.id`,
		pq.Array(roles), scope.OrganizationID)
	if err != nil {
		return nil, errors.Wrap(err, "find eligible users")
	}
	if err := d.loadRoles(ctx, users); err != nil {
		return nil, err
	}
	return users, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := d.db.GetContext(ctx, &u,
		"SELECT id, name, email, organization_id FROM users WHERE id = $1 AND active", userID)
	if err == sql.ErrNoRows {
		return models.User{}, errors.Wrapf(ErrUserNotFound, "user %s", userID)
	}
	if err != nil {
		return models.User{}, errors.Wrapf(err, "lookup user %s", userID)
	}
	users := []models.User{u}
	if err := d.loadRoles(ctx, users); err != nil {
		return models.User{}, err
	}
	return users[0], nil
}

// SaveUser inserts or replaces a user and their roles.
func (d *PostgresDirectory) SaveUser(ctx context.Context, u models.User) (err error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, name, email, organization_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email,
		organization_id = EXCLUDED.organization_id, active = TRUE`,
		u.ID, u.Name, u.Email, u.OrganizationID)
	if err != nil {
		return errors.Wrapf(err, "save user %s", u.ID)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = $1", u.ID); err != nil {
		return errors.Wrapf(err, "clear roles of %s", u.ID)
	}
	for _, role := range u.Roles {
		if _, err = tx.ExecContext(ctx, "INSERT INTO user_roles (user_id, role) VALUES ($1, $2)", u.ID, role); err != nil {
			return errors.Wrapf(err, "grant %s to %s", role, u.ID)
		}
	}
	return nil
}

func (d *PostgresDirectory) loadRoles(ctx context.Context, users []models.User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	var rows []roleRow
	err := d.db.SelectContext(ctx, &rows,
		"SELECT user_id, role FROM user_roles WHERE user_id = ANY($1) ORDER BY user_id, role", pq.Array(ids))
	if err != nil {
		return errors.Wrap(err, "load roles")
	}
	byUser := make(map[string][]string, len(users))
	for _, r := range rows {
		byUser[r.UserID] = append(byUser[r.UserID], r.Role)
	}
	for i := range users {
		users[i].Roles = byUser[users[i].ID]
	}
	return nil
}
