package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/Avicted/ringline/internal/config"
	"github.com/Avicted/ringline/internal/identity"
)

func main() {
	if err := run(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("ringline-calld", flag.ContinueOnError)
	signalURL := fs.String("signal", cfg.SignalURL, "signaling server url")
	token := fs.String("token", cfg.SignalToken, "signaling auth token")
	self := fs.String("identity", cfg.Identity, "local identity")
	ipcAddr := fs.String("ipc", cfg.IPCAddr, "ipc socket/pipe address")
	stunServers := fs.String("stun", strings.Join(cfg.STUNServers, ","), "comma-separated STUN servers")
	turnServer := fs.String("turn", cfg.TURNServer, "TURN server")
	turnUser := fs.String("turn-user", cfg.TURNUser, "TURN username")
	turnPass := fs.String("turn-pass", cfg.TURNPass, "TURN password")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg.SignalURL = *signalURL
	cfg.SignalToken = *token
	cfg.Identity = *self
	cfg.IPCAddr = *ipcAddr
	cfg.STUNServers = splitCSV(*stunServers)
	cfg.TURNServer = *turnServer
	cfg.TURNUser = *turnUser
	cfg.TURNPass = *turnPass
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting call daemon signal=%s ipc=%s", cfg.SignalURL, cfg.IPCAddr)
	daemon := newCallDaemon(cfg, buildICEConfig(cfg), contactsResolver(cfg))
	if err := daemon.Run(ctx); err != nil {
		return err
	}
	log.Printf("shutting down")
	return nil
}

func contactsResolver(cfg config.Config) identity.Resolver {
	if len(cfg.Contacts) == 0 {
		return nil
	}
	contacts := make(identity.StaticResolver, len(cfg.Contacts))
	for id, name := range cfg.Contacts {
		contacts[identity.ID(id)] = name
	}
	return contacts
}

func buildICEConfig(cfg config.Config) webrtc.Configuration {
	stunURLs := normalizeICEURLs(cfg.STUNServers, "stun:")
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if cfg.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       normalizeICEURLs([]string{cfg.TURNServer}, "turn:"),
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered
}

func normalizeICEURLs(values []string, prefix string) []string {
	urls := make([]string, 0, len(values))
	for _, value := range values {
		if strings.HasPrefix(value, "stun:") || strings.HasPrefix(value, "turn:") || strings.HasPrefix(value, "turns:") {
			urls = append(urls, value)
			continue
		}
		urls = append(urls, prefix+value)
	}
	return urls
}
