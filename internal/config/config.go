package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"

	"github.com/Avicted/ringline/internal/ipc"
)

type Config struct {
	SignalURL   string
	SignalToken string
	Identity    string
	IPCAddr     string
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	SealKey     []byte

	// Contacts maps identities to display names, e.g. "bob=Bob,carol=Carol".
	Contacts map[string]string
}

const defaultSTUN = "stun:stun.l.google.com:19302"

func LoadFromEnv() (Config, error) {
	cfg := Config{
		SignalURL:   os.Getenv("RINGLINE_SIGNAL_URL"),
		SignalToken: os.Getenv("RINGLINE_SIGNAL_TOKEN"),
		Identity:    os.Getenv("RINGLINE_IDENTITY"),
		IPCAddr:     ipc.DefaultAddr(),
		STUNServers: []string{defaultSTUN},
		TURNServer:  os.Getenv("RINGLINE_TURN_SERVER"),
		TURNUser:    os.Getenv("RINGLINE_TURN_USER"),
		TURNPass:    os.Getenv("RINGLINE_TURN_PASS"),
	}

	if v := os.Getenv("RINGLINE_SEAL_KEY"); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return Config{}, errors.New("seal key must be base64")
		}
		cfg.SealKey = key
	}

	if v := os.Getenv("RINGLINE_STUN_SERVERS"); v != "" {
		cfg.STUNServers = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.STUNServers = append(cfg.STUNServers, s)
			}
		}
	}

	if v := os.Getenv("RINGLINE_IPC_ADDR"); v != "" {
		cfg.IPCAddr = v
	}

	if v := os.Getenv("RINGLINE_CONTACTS"); v != "" {
		cfg.Contacts = make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			id, name, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || id == "" || name == "" {
				return Config{}, errors.New("contacts must be id=name pairs")
			}
			cfg.Contacts[id] = name
		}
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.SignalURL == "" {
		return errors.New("signal url is required")
	}
	if c.Identity == "" {
		return errors.New("identity is required")
	}
	if c.IPCAddr == "" {
		return errors.New("ipc addr is required")
	}
	if len(c.STUNServers) == 0 && c.TURNServer == "" {
		return errors.New("at least one stun or turn server is required")
	}
	if c.TURNServer != "" && (c.TURNUser == "" || c.TURNPass == "") {
		return errors.New("turn credentials are required when a turn server is set")
	}
	return nil
}
