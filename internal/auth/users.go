package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// StaticUsers is a fixed user list, usually loaded from the config file.
type StaticUsers map[string]User

// NewStaticUsers indexes users by name.
func NewStaticUsers(users []User) StaticUsers {
	s := make(StaticUsers, len(users))
	for _, u := range users {
		s[u.Username] = u
	}
	return s
}

// Lookup implements UserStore.
func (s StaticUsers) Lookup(_ context.Context, username string) (User, error) {
	u, ok := s[username]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return u, nil
}

// SQLiteUsers keeps admin accounts in an SQLite database.
type SQLiteUsers struct {
	db *sql.DB
}

// OpenSQLiteUsers opens the SQLite database and creates the users table
// if it does not exist.
func OpenSQLiteUsers(dbPath string) (*SQLiteUsers, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", dbPath, err)
	}
	createTable := `CREATE TABLE IF NOT EXISTS admin_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 1
	);`
	if _, err := db.ExecContext(context.Background(), createTable); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("failed to create users table: %v; also failed to close db: %w", err, cerr)
		}
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}
	return &SQLiteUsers{db: db}, nil
}

// Close closes the database.
func (s *SQLiteUsers) Close() error {
	return s.db.Close()
}

// Upsert inserts or updates an account.
func (s *SQLiteUsers) Upsert(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admin_users (username, password, level) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET password=excluded.password, level=excluded.level;`,
		u.Username, u.Password, u.Level)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// Remove deletes an account by name.
func (s *SQLiteUsers) Remove(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}
	return nil
}

// Lookup implements UserStore.
func (s *SQLiteUsers) Lookup(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT username, password, level FROM admin_users WHERE username = ?`, username).
		Scan(&u.Username, &u.Password, &u.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUnknownUser
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// List returns every account, passwords included.
func (s *SQLiteUsers) List(ctx context.Context) (users []User, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password, level FROM admin_users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", cerr)
		}
	}()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Username, &u.Password, &u.Level); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error: %w", err)
	}
	return users, nil
}
