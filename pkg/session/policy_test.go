package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testPolicy() *Policy {
	return NewPolicy(map[string]Rule{
		"ping":                    {Always: true},
		"getSessionState":         {Always: true},
		"settingsSetPassword":     {Flags: []Flag{SetPassword}, Authenticated: true, Scope: ScopeLocal},
		"acceptPrivacyPolicy":     {Flags: []Flag{VerPrivacyPolicy}},
		"resolvePeer":             {Authenticated: true, Anonymous: true},
		"authenticate":            {Flags: []Flag{VerSignature}, Scope: ScopeExternal},
		"encryptionAcceptChannel": {Authenticated: true},
	})
}

func TestPolicy_IsMethodAllowed(t *testing.T) {
	p := testPolicy()

	registering := &Record{
		Identity: "alice@example.com",
		State:    StateActive,
		Flags:    []Flag{RegistrationRequired, SetPassword, VerPrivacyPolicy},
	}
	authenticated := &Record{Identity: "alice@example.com", State: StateActive, Authenticated: true}
	anonymous := &Record{Identity: "anonymous@example.com", State: StateActive}
	external := &Record{
		Identity: "host@remote.org",
		External: true,
		State:    StateActive,
		Flags:    []Flag{AuthenticationRequired, VerSignature},
	}
	closed := &Record{Identity: "alice@example.com", State: StateClosed, Authenticated: true}

	tests := []struct {
		name   string
		rec    *Record
		method string
		want   bool
	}{
		{"ping always", registering, "ping", true},
		{"flag unlocks method", registering, "settingsSetPassword", true},
		{"flag unlocks document", registering, "acceptPrivacyPolicy", true},
		{"not yet authenticated", registering, "encryptionAcceptChannel", false},
		{"authenticated", authenticated, "encryptionAcceptChannel", true},
		{"authenticated may change password", authenticated, "settingsSetPassword", true},
		{"document already accepted", authenticated, "acceptPrivacyPolicy", false},
		{"anonymous resolve", anonymous, "resolvePeer", true},
		{"anonymous cannot accept", anonymous, "encryptionAcceptChannel", false},
		{"external authenticate", external, "authenticate", true},
		{"local cannot use external method", registering, "authenticate", false},
		{"unknown method", authenticated, "deleteEverything", false},
		{"closed session", closed, "ping", false},
		{"nil session", nil, "ping", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsMethodAllowed(tt.rec, tt.method))
		})
	}

	externalAuthed := &Record{Identity: "host@remote.org", External: true, State: StateActive, Authenticated: true}
	assert.False(t, p.IsMethodAllowed(externalAuthed, "settingsSetPassword"))
}

func TestPolicy_AllowedMethods(t *testing.T) {
	p := testPolicy()
	rec := &Record{
		Identity: "alice@example.com",
		State:    StateActive,
		Flags:    []Flag{RegistrationRequired, VerPrivacyPolicy},
	}
	assert.Equal(t, []string{"acceptPrivacyPolicy", "getSessionState", "ping"}, p.AllowedMethods(rec))
	assert.True(t, p.Known("ping"))
	assert.False(t, p.Known("nope"))
}
