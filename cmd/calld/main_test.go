package main

import (
	"context"
	"testing"

	"github.com/Avicted/ringline/internal/config"
)

func TestSplitCSV(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Fatalf("expected nil for empty CSV, got %#v", got)
	}
	got := splitCSV(" stun1.example, ,stun2.example ,, turn.example ")
	if len(got) != 3 || got[0] != "stun1.example" || got[1] != "stun2.example" || got[2] != "turn.example" {
		t.Fatalf("unexpected splitCSV result: %#v", got)
	}
}

func TestNormalizeICEURLs(t *testing.T) {
	urls := normalizeICEURLs([]string{"stun:one", "two", "turn:three", "turns:four"}, "stun:")
	if len(urls) != 4 {
		t.Fatalf("unexpected normalized URL count: %d", len(urls))
	}
	if urls[0] != "stun:one" || urls[1] != "stun:two" || urls[2] != "turn:three" || urls[3] != "turns:four" {
		t.Fatalf("unexpected normalized URLs: %#v", urls)
	}
}

func TestBuildICEConfig(t *testing.T) {
	cfg := config.Config{
		STUNServers: []string{"stun1.example", "stun:stun2.example"},
		TURNServer:  "turn.example",
		TURNUser:    "user",
		TURNPass:    "pass",
	}
	iceConfig := buildICEConfig(cfg)
	if len(iceConfig.ICEServers) != 2 {
		t.Fatalf("expected 2 ICE server entries, got %d", len(iceConfig.ICEServers))
	}
	stun := iceConfig.ICEServers[0]
	if len(stun.URLs) != 2 || stun.URLs[0] != "stun:stun1.example" || stun.URLs[1] != "stun:stun2.example" {
		t.Fatalf("unexpected STUN URLs: %#v", stun.URLs)
	}
	turn := iceConfig.ICEServers[1]
	if len(turn.URLs) != 1 || turn.URLs[0] != "turn:turn.example" {
		t.Fatalf("unexpected TURN URLs: %#v", turn.URLs)
	}
	if turn.Username != "user" || turn.Credential != "pass" {
		t.Fatalf("unexpected TURN credentials: %#v", turn)
	}
}

func TestBuildICEConfigSTUNOnly(t *testing.T) {
	iceConfig := buildICEConfig(config.Config{STUNServers: []string{"stun.example"}})
	if len(iceConfig.ICEServers) != 1 {
		t.Fatalf("expected 1 ICE server entry, got %d", len(iceConfig.ICEServers))
	}
}

func TestContactsResolver(t *testing.T) {
	if r := contactsResolver(config.Config{}); r != nil {
		t.Fatalf("expected nil resolver without contacts, got %#v", r)
	}

	r := contactsResolver(config.Config{Contacts: map[string]string{"bob": "Bob Smith"}})
	if r == nil {
		t.Fatal("expected a resolver")
	}
	name, err := r.Resolve(context.Background(), "bob")
	if err != nil || name != "Bob Smith" {
		t.Fatalf("Resolve = %q, %v", name, err)
	}
}
