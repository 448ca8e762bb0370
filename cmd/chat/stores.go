package main

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/internal"
	"chat-engine/repositories"
	"chat-engine/repositories/relational"
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
)

// stores groups what either backend provides to the orchestrator.
type stores struct {
	messages      contract.MessageStore
	conversations contract.ConversationStore
	profiles      contract.ProfileSource
	saveProfile   func(ctx context.Context, userID, name string) error
	// blocklist is only available on badger.
	blocklist *repositories.BlocklistRepository
	close     func()
}

func openStores(ctx context.Context, config internal.Config, logger *slog.Logger) (stores, error) {
	clock := repositories.NewClock(nil)
	if config.StoreDriver == internal.StoreMySQL {
		db, err := relational.OpenMySQL(config.MySQLDSN)
		if err != nil {
			return stores{}, err
		}
		if err := relational.Migrate(db); err != nil {
			return stores{}, fmt.Errorf("migrate: %w", err)
		}
		store := relational.NewStore(db, logger, clock)
		return stores{
			messages:      store,
			conversations: store,
			profiles:      store,
			saveProfile:   profileSaver(store.SaveProfile),
			close: func() {
				if sqlDB, err := db.DB(); err == nil {
					logger.Info("Closing MySQL...")
					_ = sqlDB.Close()
				}
			},
		}, nil
	}

	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return stores{}, fmt.Errorf("database opening failed: %w", err)
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		endpoint := "/inspect"
		logger.Info("Debug Badger inspector available", "url", fmt.Sprintf("http://localhost:%d%s", config.DebugPort, endpoint))
		database.StartDebugServer(db, config.DebugPort, endpoint, EntryMapper)
	}
	profiles := repositories.NewProfileRepository(db)
	blocklist := repositories.NewBlocklistRepository(db)
	return stores{
		messages:      repositories.NewMessageRepository(db, logger, clock, config.LimitMessages),
		conversations: repositories.NewConversationRepository(db, logger, clock),
		profiles:      profiles,
		saveProfile:   profileSaver(profiles.SaveProfile),
		blocklist:     &blocklist,
		close: func() {
			logger.Info("Closing BadgerDB...")
			_ = db.Close()
		},
	}, nil
}

func profileSaver(save func(context.Context, domain.Profile) error) func(context.Context, string, string) error {
	return func(ctx context.Context, userID, name string) error {
		return save(ctx, domain.Profile{UserID: userID, DisplayName: name})
	}
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.WARNING)
	}

	return options
}

// EntryMapper shows decoded messages and groups in the debug inspector.
func EntryMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	entry := repositories.DescribeEntry(key, val)
	row.Type = entry.Kind
	row.Detail = entry.Detail
	return row
}
