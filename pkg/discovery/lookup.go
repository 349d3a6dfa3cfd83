package discovery

import (
	"context"
	"strings"
	"sync"

	"socialbox/pkg/types"
)

// Lookup fetches the TXT strings published for a domain.
type Lookup interface {
	LookupTXT(ctx context.Context, domain string) ([]string, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, domain string) ([]string, error)

func (f LookupFunc) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	return f(ctx, domain)
}

// MockLookup serves fixed discovery strings from memory. Domains without a
// registered record fall through to the wrapped Lookup, if any.
type MockLookup struct {
	mu       sync.RWMutex
	records  map[string]string
	lookups  map[string]int
	fallback Lookup
}

// NewMockLookup creates a mock lookup. fallback may be nil.
func NewMockLookup(fallback Lookup) *MockLookup {
	return &MockLookup{
		records:  make(map[string]string),
		lookups:  make(map[string]int),
		fallback: fallback,
	}
}

// Add registers the raw discovery string for domain, replacing any earlier one.
func (m *MockLookup) Add(domain, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[strings.ToLower(domain)] = raw
}

// AddRecord registers a record in its serialized form.
func (m *MockLookup) AddRecord(domain string, rec *Record) {
	m.Add(domain, rec.String())
}

// Remove drops the mock for domain.
func (m *MockLookup) Remove(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, strings.ToLower(domain))
}

// Clear drops every mock and resets the counters.
func (m *MockLookup) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]string)
	m.lookups = make(map[string]int)
}

// Lookups returns how many times domain was looked up.
func (m *MockLookup) Lookups(domain string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups[strings.ToLower(domain)]
}

func (m *MockLookup) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	domain = strings.ToLower(domain)

	m.mu.Lock()
	m.lookups[domain]++
	raw, ok := m.records[domain]
	m.mu.Unlock()

	if ok {
		return []string{raw}, nil
	}
	if m.fallback != nil {
		return m.fallback.LookupTXT(ctx, domain)
	}
	return nil, types.Errorf(types.KindResolutionFailed, "no discovery record for %s", domain)
}
