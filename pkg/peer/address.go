package peer

import (
	"fmt"
	"regexp"
	"strings"

	"socialbox/pkg/types"
)

// Reserved usernames carry authorization meaning of their own.
const (
	UsernameHost      = "host"
	UsernameAnonymous = "anonymous"
	UsernameAdmin     = "admin"
)

var (
	usernamePartPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+$`)
	domainPattern       = regexp.MustCompile(`^[a-z0-9.-]+\.[a-z]{2,}$`)
	registrablePattern  = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// Address identifies a peer as username@domain. Examples:
//   - alice@example.com (a regular peer)
//   - host@example.com (the server acting for its own domain)
//   - anonymous@example.com (unauthenticated access)
type Address struct {
	Username string
	Domain   string
}

// Parse parses an address string into its components. The domain is
// lower-cased; the username keeps its case.
func Parse(addr string) (Address, error) {
	if addr == "" {
		return Address{}, types.Errorf(types.KindInvalidFormat, "address cannot be empty")
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return Address{}, types.Errorf(types.KindInvalidFormat, "invalid address %q: must contain exactly one @ symbol", addr)
	}

	username := parts[0]
	domain := strings.ToLower(parts[1])

	if username == "" {
		return Address{}, types.Errorf(types.KindInvalidFormat, "invalid address %q: username cannot be empty", addr)
	}
	if domain == "" {
		return Address{}, types.Errorf(types.KindInvalidFormat, "invalid address %q: domain cannot be empty", addr)
	}
	if !usernamePartPattern.MatchString(username) {
		return Address{}, types.Errorf(types.KindInvalidFormat, "invalid address %q: username contains invalid characters", addr)
	}
	if !domainPattern.MatchString(domain) {
		return Address{}, types.Errorf(types.KindInvalidFormat, "invalid address %q: malformed domain", addr)
	}

	return Address{Username: username, Domain: domain}, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(addr string) Address {
	a, err := Parse(addr)
	if err != nil {
		panic(err)
	}
	return a
}

// Host returns the host address of a domain.
func Host(domain string) Address {
	return Address{Username: UsernameHost, Domain: strings.ToLower(domain)}
}

// String returns the canonical string representation of the address
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

// IsZero returns true for the zero Address.
func (a Address) IsZero() bool {
	return a.Username == "" && a.Domain == ""
}

// IsLocal returns true if this address belongs to the instance domain
func (a Address) IsLocal(instanceDomain string) bool {
	return a.Domain == strings.ToLower(instanceDomain)
}

// IsHost returns true if this is the host identity of the instance domain.
// Reserved usernames match regardless of case.
func (a Address) IsHost(instanceDomain string) bool {
	return strings.EqualFold(a.Username, UsernameHost) && a.IsLocal(instanceDomain)
}

// IsExternal returns true if the address lives on another domain. The local
// host is never external.
func (a Address) IsExternal(instanceDomain string) bool {
	if a.IsHost(instanceDomain) {
		return false
	}
	return !a.IsLocal(instanceDomain)
}

// IsReserved returns true for host, anonymous and admin.
func (a Address) IsReserved() bool {
	return IsReservedUsername(a.Username)
}

// IsAnonymous returns true for the anonymous identity.
func (a Address) IsAnonymous() bool {
	return strings.EqualFold(a.Username, UsernameAnonymous)
}

// RequiresAuthentication is false only for the anonymous identity.
func (a Address) RequiresAuthentication() bool {
	return !a.IsAnonymous()
}

// Equal returns true if two addresses are equivalent
func (a Address) Equal(other Address) bool {
	return a.Username == other.Username && a.Domain == other.Domain
}

// IsReservedUsername checks a bare username against the reserved set.
func IsReservedUsername(username string) bool {
	switch strings.ToLower(username) {
	case UsernameHost, UsernameAnonymous, UsernameAdmin:
		return true
	}
	return false
}

// ValidateUsername checks a username chosen at registration.
func ValidateUsername(username string) error {
	if len(username) < 3 || len(username) > 255 {
		return types.Errorf(types.KindInvalidFormat, "username must be between 3 and 255 characters")
	}
	if !registrablePattern.MatchString(username) {
		return types.Errorf(types.KindInvalidFormat, "username may only contain letters, digits and underscores")
	}
	if IsReservedUsername(username) {
		return types.Errorf(types.KindInvalidFormat, "username %q is reserved", username)
	}
	return nil
}
