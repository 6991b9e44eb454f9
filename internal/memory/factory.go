package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from the DATABASE_URL shape: empty is in-memory,
// postgres:// is pgx, sqlite:// or file: or a *.db path is embedded SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"), strings.HasSuffix(url, ".db"):
		return NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", url)
	}
}

// StoreMode names the backend NewStore would pick for databaseURL.
func StoreMode(databaseURL string) string {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return "in-memory"
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
