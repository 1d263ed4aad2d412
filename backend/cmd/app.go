package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpServer "github.com/adwski/room-relay/backend/server/http"
	websocketServer "github.com/adwski/room-relay/backend/server/websocket"
	"github.com/adwski/room-relay/backend/service"
	store "github.com/adwski/room-relay/backend/storage/memory"
	sw "github.com/adwski/room-relay/backend/switch"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type envConfig struct {
	Port       string `env:"PORT"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	OutboxSize int    `env:"RELAY_OUTBOX_SIZE" envDefault:"64"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse environment")
	}
	wsAddr := ":4000"
	if envCfg.Port != "" {
		wsAddr = ":" + envCfg.Port
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "ops api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", wsAddr, "websocket relay listen address")
		logLevel      = fs.StringP("log-level", "l", envCfg.LogLevel, "log level")
		outboxSize    = fs.IntP("outbox-size", "q", envCfg.OutboxSize, "max frames queued per connection before it is evicted")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RelayService: svc,
		ListenAddr:   *wsListenAddr,
		OutboxSize:   *outboxSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go apiSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
