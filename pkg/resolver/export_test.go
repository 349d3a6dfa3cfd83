package resolver

import "socialbox/pkg/discovery"

// SetLookup replaces the resolver's lookup so the external test package can
// inject a controlled one.
func SetLookup(r *ServerResolver, lookup discovery.Lookup) {
	r.lookup = lookup
}
