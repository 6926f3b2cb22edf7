package app

import (
	"fmt"
	"log/slog"

	"github.com/putto11262002/chatsync/api"
	"github.com/putto11262002/chatsync/chat"
	"github.com/putto11262002/chatsync/models"
	"github.com/putto11262002/chatsync/store"
)

// BuildSession wires a chat session from configuration: identity from the
// token, the REST client, and the optional cache. The returned cleanup
// releases the cache database and must be called after the session closes.
func BuildSession(cfg *Config, logger *slog.Logger, onChange func(), onIncoming func(models.Message)) (*chat.Session, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	local, err := IdentityFromToken(cfg.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: %w", err)
	}

	cleanup := func() {}
	var cache *store.Cache
	if cfg.Cache.File != "" {
		db, err := store.OpenSQLite(cfg.Cache.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache: %w", err)
		}
		cache = store.NewCache(db)
		cleanup = func() { db.Close() }
	}

	session := chat.NewSession(chat.SessionConfig{
		API:        api.New(cfg.Server, cfg.Token),
		Local:      local,
		BaseURL:    cfg.Server,
		Token:      cfg.Token,
		Cache:      cache,
		Reconnect:  cfg.Reconnect,
		Logger:     logger,
		OnChange:   onChange,
		OnIncoming: onIncoming,
	})
	return session, cleanup, nil
}
