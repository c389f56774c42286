package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.example.com:3478"},
	  {"urls": ["turn:turn.example.com:3478?transport=udp"], "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_RejectsTURNWithoutCreds(t *testing.T) {
	t.Parallel()

	if _, err := ParseICEServersJSON(`[{"urls":["turn:turn.example.com:3478"]}]`); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseICEServersJSON(`[{"urls":["http://example.com"]}]`); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestParseICEServersFromValues_Fallbacks(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues("", "", "", "", "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != defaultStunURL {
		t.Fatalf("expected default stun server, got %+v", servers)
	}

	if _, err := parseICEServersFromValues("", "", "turn:t.example.com", "", ""); err == nil {
		t.Fatalf("expected error for turn without credentials")
	}

	servers, err = parseICEServersFromValues("", "", "turn:t.example.com", "u", "p")
	if err != nil || len(servers) != 1 || servers[0].Username != "u" {
		t.Fatalf("unexpected turn servers: %+v %v", servers, err)
	}
}
