package roomsync

import (
	"net/url"
	"strings"

	"github.com/adwski/room-relay/backend/model"
	"github.com/caarlos0/env/v11"
)

const DefaultRelayURL = "ws://localhost:4000/ws"

type relayEnv struct {
	URL string `env:"RELAY_URL" envDefault:"ws://localhost:4000/ws"`
}

// ResolveRelayURL picks the relay address: explicit value, then RELAY_URL, then DefaultRelayURL.
func ResolveRelayURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	var cfg relayEnv
	if err := env.Parse(&cfg); err != nil || cfg.URL == "" {
		return DefaultRelayURL
	}
	return cfg.URL
}

// RoomFromURL derives the room from the fragment of a page URL,
// e.g. https://host/bingo#table-1 is room "table-1".
func RoomFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return model.DefaultRoomID
	}
	return model.NormalizeRoomID(strings.TrimSpace(u.Fragment))
}
