package repository

import (
	"context"

	"directChat/pkg/api"
	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4/pgxpool"
)

// userRow is a row of the user_account table.
type userRow struct {
	UID         string `db:"uid"`
	DisplayName string `db:"display_name"`
	Email       string `db:"email"`
	PhotoURL    string `db:"photo_url"`
}

func (u userRow) participant() api.Participant {
	return api.Participant{
		UID:         u.UID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		PhotoURL:    u.PhotoURL,
	}
}

// searchLimit caps the rows returned by a directory search.
const searchLimit = 50

type directory struct {
	db *pgxpool.Pool
}

// NewDirectory is the Postgres backed user directory.
func NewDirectory(db *pgxpool.Pool) api.DirectoryRepository {
	return &directory{db: db}
}

func (d *directory) UpsertUser(ctx context.Context, participant api.Participant) error {
	_, err := d.db.Exec(ctx, `
		INSERT INTO user_account (uid, display_name, email, photo_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    email = EXCLUDED.email,
		    photo_url = EXCLUDED.photo_url,
		    updated_at = now()`,
		participant.UID, participant.DisplayName, participant.Email, participant.PhotoURL)
	return err
}

func (d *directory) GetUserByIds(ctx context.Context, userIds []string) ([]api.Participant, error) {
	var users []*userRow
	if err := pgxscan.Select(ctx, d.db, &users,
		"SELECT uid, display_name, email, photo_url FROM user_account WHERE uid = ANY($1)", userIds); err != nil {
		return nil, err
	}
	return participants(users), nil
}

// GetUsersContaining matches query against the display name and the email,
// ignoring case.
func (d *directory) GetUsersContaining(ctx context.Context, query string) ([]api.Participant, error) {
	var users []*userRow
	if err := pgxscan.Select(ctx, d.db, &users, `
		SELECT uid, display_name, email, photo_url FROM user_account
		WHERE display_name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%'
		ORDER BY display_name
		LIMIT $2`, escapeLike(query), searchLimit); err != nil {
		return nil, err
	}
	return participants(users), nil
}

func participants(users []*userRow) []api.Participant {
	result := make([]api.Participant, 0, len(users))
	for _, user := range users {
		result = append(result, user.participant())
	}
	return result
}

// escapeLike escapes the LIKE wildcards in s.
func escapeLike(s string) string {
	var b []rune
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			b = append(b, '\\')
		}
		b = append(b, r)
	}
	return string(b)
}
