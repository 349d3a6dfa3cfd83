package peer

import (
	"strings"
	"testing"

	"socialbox/pkg/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      Address
		wantError bool
		errorMsg  string
	}{
		{
			name:  "valid peer address",
			input: "alice@example.com",
			want:  Address{Username: "alice", Domain: "example.com"},
		},
		{
			name:  "domain is lower-cased",
			input: "Alice@Example.COM",
			want:  Address{Username: "Alice", Domain: "example.com"},
		},
		{
			name:  "host address",
			input: "host@socialbox.net",
			want:  Address{Username: "host", Domain: "socialbox.net"},
		},
		{
			name:  "dotted username",
			input: "john.doe+work@mail.example.org",
			want:  Address{Username: "john.doe+work", Domain: "mail.example.org"},
		},
		{
			name:      "empty address",
			input:     "",
			wantError: true,
			errorMsg:  "address cannot be empty",
		},
		{
			name:      "missing @ symbol",
			input:     "alice",
			wantError: true,
			errorMsg:  "must contain exactly one @ symbol",
		},
		{
			name:      "multiple @ symbols",
			input:     "alice@bob@example.com",
			wantError: true,
			errorMsg:  "must contain exactly one @ symbol",
		},
		{
			name:      "missing domain",
			input:     "alice@",
			wantError: true,
			errorMsg:  "domain cannot be empty",
		},
		{
			name:      "missing username",
			input:     "@example.com",
			wantError: true,
			errorMsg:  "username cannot be empty",
		},
		{
			name:      "domain without dot",
			input:     "alice@localhost",
			wantError: true,
			errorMsg:  "malformed domain",
		},
		{
			name:      "spaces in username",
			input:     "alice smith@example.com",
			wantError: true,
			errorMsg:  "invalid characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)

			if tt.wantError {
				if err == nil {
					t.Errorf("Parse(%q) expected error, got nil", tt.input)
					return
				}
				if !types.IsKind(err, types.KindInvalidFormat) {
					t.Errorf("Parse(%q) error kind = %s, want %s", tt.input, types.KindOf(err), types.KindInvalidFormat)
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Parse(%q) error = %v, want error containing %q", tt.input, err, tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Errorf("Parse(%q) unexpected error: %v", tt.input, err)
				return
			}

			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddress_String(t *testing.T) {
	if got := MustParse("bob@example.com").String(); got != "bob@example.com" {
		t.Errorf("String() = %q, want %q", got, "bob@example.com")
	}
	if got := (Address{}).String(); got != "" {
		t.Errorf("zero String() = %q, want empty", got)
	}
}

func TestAddress_Classification(t *testing.T) {
	const instance = "example.com"

	tests := []struct {
		name         string
		addr         Address
		local        bool
		external     bool
		host         bool
		reserved     bool
		anonymous    bool
		requiresAuth bool
	}{
		{
			name:         "local peer",
			addr:         MustParse("alice@example.com"),
			local:        true,
			requiresAuth: true,
		},
		{
			name:         "external peer",
			addr:         MustParse("alice@other.org"),
			external:     true,
			requiresAuth: true,
		},
		{
			name:         "local host",
			addr:         Host("EXAMPLE.com"),
			local:        true,
			host:         true,
			reserved:     true,
			requiresAuth: true,
		},
		{
			name:         "remote host is external",
			addr:         Host("other.org"),
			external:     true,
			reserved:     true,
			requiresAuth: true,
		},
		{
			name:      "anonymous",
			addr:      MustParse("anonymous@example.com"),
			local:     true,
			reserved:  true,
			anonymous: true,
		},
		{
			name:      "anonymous in mixed case",
			addr:      MustParse("Anonymous@example.com"),
			local:     true,
			reserved:  true,
			anonymous: true,
		},
		{
			name:         "host in upper case",
			addr:         MustParse("HOST@example.com"),
			local:        true,
			host:         true,
			reserved:     true,
			requiresAuth: true,
		},
		{
			name:         "admin",
			addr:         MustParse("admin@example.com"),
			local:        true,
			reserved:     true,
			requiresAuth: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.IsLocal(instance); got != tt.local {
				t.Errorf("IsLocal() = %v, want %v", got, tt.local)
			}
			if got := tt.addr.IsExternal(instance); got != tt.external {
				t.Errorf("IsExternal() = %v, want %v", got, tt.external)
			}
			if got := tt.addr.IsHost(instance); got != tt.host {
				t.Errorf("IsHost() = %v, want %v", got, tt.host)
			}
			if got := tt.addr.IsReserved(); got != tt.reserved {
				t.Errorf("IsReserved() = %v, want %v", got, tt.reserved)
			}
			if got := tt.addr.IsAnonymous(); got != tt.anonymous {
				t.Errorf("IsAnonymous() = %v, want %v", got, tt.anonymous)
			}
			if got := tt.addr.RequiresAuthentication(); got != tt.requiresAuth {
				t.Errorf("RequiresAuthentication() = %v, want %v", got, tt.requiresAuth)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name      string
		username  string
		wantError bool
	}{
		{name: "plain", username: "alice"},
		{name: "underscore and digits", username: "alice_99"},
		{name: "too short", username: "al", wantError: true},
		{name: "dash not allowed", username: "alice-b", wantError: true},
		{name: "reserved", username: "Admin", wantError: true},
		{name: "too long", username: strings.Repeat("a", 256), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if tt.wantError && err == nil {
				t.Errorf("ValidateUsername(%q) expected error", tt.username)
			}
			if !tt.wantError && err != nil {
				t.Errorf("ValidateUsername(%q) unexpected error: %v", tt.username, err)
			}
		})
	}
}
