package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEServers returns the STUN/TURN servers handed to clients on connect.
// STUN servers form one entry; a TURN URL adds a second entry carrying the
// configured credentials.
func (c *Config) ICEServers() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	stun := make([]string, 0, len(c.WebRTC.STUNServers))
	for _, u := range c.WebRTC.STUNServers {
		if u = strings.TrimSpace(u); u != "" {
			stun = append(stun, u)
		}
	}
	if len(stun) > 0 {
		s := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(s); err != nil {
			return nil, fmt.Errorf("config: webrtc.stun_servers: %w", err)
		}
		servers = append(servers, s)
	}

	turn := splitCommaSeparated(c.WebRTC.TURNURL)
	if len(turn) > 0 {
		s := webrtc.ICEServer{
			URLs:       turn,
			Username:   strings.TrimSpace(c.WebRTC.TURNUsername),
			Credential: strings.TrimSpace(c.WebRTC.TURNCredential),
		}
		if err := validateICEServer(s); err != nil {
			return nil, fmt.Errorf("config: webrtc.turn_url: %w", err)
		}
		servers = append(servers, s)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if needsCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || cred == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}
