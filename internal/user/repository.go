package user

import (
	"context"
	"database/sql"
	"errors"
)

var ErrUserNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	query := `INSERT INTO users (id, google_id, email, name, picture)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (google_id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name
		RETURNING id`

	var id string
	err := r.db.QueryRowContext(ctx, query, u.ID, u.GoogleID, u.Email, u.Name, nullable(u.Picture)).Scan(&id)
	if err != nil {
		return nil, err
	}

	u.ID = id
	return u, nil
}

// FindBySubject resolves the token subject (the Google account id) to a user.
func (r *Repository) FindBySubject(ctx context.Context, subject string) (*User, error) {
	u := &User{}
	var name, picture sql.NullString
	query := "SELECT id, google_id, email, name, picture FROM users WHERE google_id = $1"

	err := r.db.QueryRowContext(ctx, query, subject).Scan(&u.ID, &u.GoogleID, &u.Email, &name, &picture)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	u.Name = name.String
	u.Picture = picture.String
	return u, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
