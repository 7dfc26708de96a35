package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/xhide341/morph-app-sub000/go/internal/api"
	"github.com/xhide341/morph-app-sub000/go/internal/engine"
	"github.com/xhide341/morph-app-sub000/go/internal/gateway"
	"github.com/xhide341/morph-app-sub000/go/internal/registry"
	"github.com/xhide341/morph-app-sub000/go/internal/relay"
	"github.com/xhide341/morph-app-sub000/go/internal/store"
	"github.com/xhide341/morph-app-sub000/go/internal/store/memory"
	"github.com/xhide341/morph-app-sub000/go/internal/store/postgres"
	redisstore "github.com/xhide341/morph-app-sub000/go/internal/store/redis"
)

// Services holds the process-wide singletons, explicitly constructed and
// threaded through handlers.
type Services struct {
	Store       store.ActivityStore
	Registry    *registry.Registry
	Connections *gateway.ConnectionManager
	WSHandler   *gateway.WebSocketHandler
	Engine      *engine.Engine
	API         *api.RoomHandler
	Relay       *relay.Publisher
}

func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	activityStore, err := setupStore(ctx, cfg, clock)
	if err != nil {
		return nil, err
	}

	reg := registry.New(clock)
	connections := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), reg)
	eng := engine.New(engine.DefaultConfig(), activityStore, reg, connections, clock)
	connections.SetHandler(eng)

	services := &Services{
		Store:       activityStore,
		Registry:    reg,
		Connections: connections,
		WSHandler:   gateway.NewWebSocketHandler(connections, clock),
		Engine:      eng,
		API:         api.NewRoomHandler(activityStore, eng, reg, clock),
	}

	if cfg.Relay.Enabled {
		relayCfg := relay.DefaultConfig()
		relayCfg.URL = cfg.Relay.URL
		publisher, err := relay.NewPublisher(relayCfg)
		if err != nil {
			return nil, fmt.Errorf("setup activity relay: %w", err)
		}
		eng.SetRelay(publisher)
		services.Relay = publisher
		log.Info().Str("url", cfg.Relay.URL).Msg("activity relay enabled")
	}

	return services, nil
}

func setupStore(ctx context.Context, cfg *Config, clock clockwork.Clock) (store.ActivityStore, error) {
	switch cfg.Store.Backend {
	case "memory":
		log.Warn().Msg("using in-memory store; activity history will not survive a restart")
		return memory.New(clock), nil

	case "redis":
		st, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("setup redis store: %w", err)
		}
		log.Info().Str("addr", cfg.Store.RedisAddr).Msg("connected to redis store")
		return st, nil

	case "postgres":
		st, err := postgres.Open(ctx, cfg.Store.PostgresDSN, clock)
		if err != nil {
			return nil, fmt.Errorf("setup postgres store: %w", err)
		}
		log.Info().Msg("connected to postgres store")
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
