package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/room-relay/client/roomsync"
	"github.com/caarlos0/env/v11"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type envConfig struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"warn"`
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse environment")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		relayURL = fs.StringP("relay-url", "r", "", "relay websocket url (default: $RELAY_URL or "+roomsync.DefaultRelayURL+")")
		room     = fs.StringP("room", "R", "", "room to join")
		pageURL  = fs.StringP("page-url", "u", "", "page url, its #fragment is used as room when --room is not set")
		dump     = fs.BoolP("dump", "d", false, "pretty-print received snapshots instead of raw json")
		logLevel = fs.StringP("log-level", "l", envCfg.LogLevel, "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	roomID := *room
	if roomID == "" {
		roomID = roomsync.RoomFromURL(*pageURL)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adapter := roomsync.New(roomsync.Config{
		Logger: &logger,
		URL:    roomsync.ResolveRelayURL(*relayURL),
	})
	if err = adapter.Connect(ctx, roomID, printer(*dump, &logger)); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer adapter.Disconnect()
	logger.Info().Str("room", roomID).Msg("connected, reading snapshots from stdin")

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
		for sc.Scan() {
			b := append([]byte(nil), sc.Bytes()...)
			if len(b) > 0 {
				lines <- b
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-adapter.Done():
			logger.Warn().Msg("relay connection closed")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err = adapter.Send(json.RawMessage(line)); err != nil {
				if errors.Is(err, roomsync.ErrNotConnected) {
					logger.Warn().Msg("not connected, snapshot dropped")
					return
				}
				logger.Error().Err(err).Msg("snapshot was not sent")
			}
		}
	}
}

func printer(dump bool, logger *zerolog.Logger) roomsync.StateHandler {
	return func(state json.RawMessage) {
		if !dump {
			fmt.Println(string(state))
			return
		}
		var v any
		if err := json.Unmarshal(state, &v); err != nil {
			logger.Error().Err(err).Msg("received snapshot is not valid json")
			return
		}
		spew.Dump(v)
	}
}
