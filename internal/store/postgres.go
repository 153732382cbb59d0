package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUserByID is the role point-lookup: a missing row surfaces as
// sql.ErrNoRows and the caller must treat that as "role unknown".
func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, role, created_at, updated_at
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.Email, &item.Role, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET role=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, email, role, created_at, updated_at
	`, userID, role).Scan(&user.ID, &user.Email, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user rows affected: %w", err)
	}
	return affected > 0, nil
}

// ── categories ──

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM categories ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

// EnsureCategory creates the category on first use of a name and returns
// the existing row otherwise. created reports whether a new row was made.
func (s *PostgresStore) EnsureCategory(ctx context.Context, id, name string) (Category, bool, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM categories WHERE name=$1
	`, name).Scan(&item.ID, &item.Name, &item.CreatedAt)
	if err == nil {
		return item, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Category{}, false, fmt.Errorf("lookup category: %w", err)
	}

	// Concurrent first use of the same name resolves to the earlier row.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, name, created_at
	`, id, name).Scan(&item.ID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Category{}, false, fmt.Errorf("insert category: %w", err)
	}
	return item, item.ID == id, nil
}

// ── posts ──

func (s *PostgresStore) ListPosts(ctx context.Context) ([]Post, error) {
	return s.queryPosts(ctx, `
		SELECT id, title, description, category_id, owner_id, created_at, updated_at
		FROM posts ORDER BY created_at ASC
	`)
}

func (s *PostgresStore) ListPostsByOwner(ctx context.Context, ownerID string) ([]Post, error) {
	return s.queryPosts(ctx, `
		SELECT id, title, description, category_id, owner_id, created_at, updated_at
		FROM posts WHERE owner_id=$1 ORDER BY created_at ASC
	`, ownerID)
}

func (s *PostgresStore) queryPosts(ctx context.Context, query string, args ...any) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	for rows.Next() {
		var item Post
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.CategoryID, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	var item Post
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, category_id, owner_id, created_at, updated_at
		FROM posts WHERE id=$1
	`, postID).Scan(&item.ID, &item.Title, &item.Description, &item.CategoryID, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) (Post, error) {
	var item Post
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (id, title, description, category_id, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, title, description, category_id, owner_id, created_at, updated_at
	`, post.ID, post.Title, post.Description, post.CategoryID, post.OwnerID).Scan(
		&item.ID, &item.Title, &item.Description, &item.CategoryID, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return item, nil
}

// UpdatePost updates a post. ownerID scopes the update: when non-empty the
// WHERE clause matches id AND owner, so a non-admin caller cannot touch rows
// it does not own even if the HTTP layer were bypassed. Returns sql.ErrNoRows
// when no row matched.
func (s *PostgresStore) UpdatePost(ctx context.Context, postID, ownerID, title, description, categoryID string) (Post, error) {
	query := `
		UPDATE posts SET title=$2, description=$3, category_id=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING id, title, description, category_id, owner_id, created_at, updated_at
	`
	args := []any{postID, title, description, categoryID}
	if ownerID != "" {
		query = `
			UPDATE posts SET title=$2, description=$3, category_id=$4, updated_at=NOW()
			WHERE id=$1 AND owner_id=$5
			RETURNING id, title, description, category_id, owner_id, created_at, updated_at
		`
		args = append(args, ownerID)
	}

	var item Post
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&item.ID, &item.Title, &item.Description, &item.CategoryID, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	return item, nil
}

// DeletePost removes a post with the same ownership scoping as UpdatePost.
// Returns false when no row matched.
func (s *PostgresStore) DeletePost(ctx context.Context, postID, ownerID string) (bool, error) {
	query := `DELETE FROM posts WHERE id=$1`
	args := []any{postID}
	if ownerID != "" {
		query = `DELETE FROM posts WHERE id=$1 AND owner_id=$2`
		args = append(args, ownerID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete post rows affected: %w", err)
	}
	return affected > 0, nil
}

// ── sessions ──

// SaveRefreshSession stores only the user id; LookupRefreshSession joins
// users so the role is always the current one.
func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
