package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/config"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/database"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation"
)

// Store is conversation.Storage plus lifecycle.
type Store interface {
	conversation.Storage
	Close() error
}

// DefaultSQLitePath is used when the sqlite provider has no configured path.
const DefaultSQLitePath = ".agent-chatter/sessions.db"

// Provide builds the session store selected by cfg.Storage.Provider and
// returns it with a cleanup function.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	if log == nil {
		log = logger.Default()
	}

	switch cfg.Storage.Provider {
	case "memory":
		store := NewMemoryStore()
		return store, store.Close, nil

	case "", "sqlite":
		path := cfg.Storage.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Session storage ready",
			zap.String("provider", "sqlite"),
			zap.String("path", path))
		return store, store.Close, nil

	case "postgres":
		db, err := database.NewDB(ctx, cfg.Storage.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("Session storage ready", zap.String("provider", "postgres"))
		cleanup := func() error {
			db.Close()
			return nil
		}
		return store, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}
