package sessions

import (
	"crypto/rand"
	"testing"
)

func TestNormalizeAndValidCode(t *testing.T) {
	cases := []struct {
		in    string
		norm  string
		valid bool
	}{
		{"abc123", "ABC123", true},
		{"  K9Q2ZX ", "K9Q2ZX", true},
		{"ABC12", "ABC12", false},
		{"ABC1234", "ABC1234", false},
		{"AB-123", "AB-123", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got := NormalizeCode(tc.in)
		if got != tc.norm {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", tc.in, got, tc.norm)
		}
		if ValidCode(got) != tc.valid {
			t.Fatalf("ValidCode(%q) = %v, want %v", got, !tc.valid, tc.valid)
		}
	}
}

func TestGenerateCodeUsesAlphabet(t *testing.T) {
	for i := 0; i < 500; i++ {
		code, err := generateCode(rand.Reader)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !ValidCode(code) {
			t.Fatalf("generated invalid code %q", code)
		}
	}
}
