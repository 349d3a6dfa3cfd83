// Package methods implements the RPC methods and the table that decides
// which session may call each of them.
package methods

import (
	"context"
	"sort"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"socialbox/pkg/auth"
	"socialbox/pkg/channel"
	"socialbox/pkg/config"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/store"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

// Deps are the components the handlers run against.
type Deps struct {
	Config   *config.Config
	Sessions *session.Manager
	Peers    store.PeerStore
	// KV remembers which one-time password steps were already spent.
	KV       store.KV
	Trust    *trust.Resolver
	Channels *channel.Manager
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Method is one callable method and the rule that gates it.
type Method struct {
	Name    string
	Rule    session.Rule
	Handler rpc.Handler
	// Open methods are served without a session.
	Open bool
}

// Registry holds every method, built once at startup.
type Registry struct {
	methods map[string]Method
	policy  *session.Policy
}

type handlers struct {
	Deps
	otp      auth.OTP
	registry *Registry
}

// NewRegistry builds the method table.
func NewRegistry(d Deps) *Registry {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	r := &Registry{}
	h := &handlers{Deps: d, otp: auth.NewOTP(d.Config.Security), registry: r}

	all := h.core()
	all = append(all, h.settings()...)
	all = append(all, h.verification()...)
	all = append(all, h.peers()...)
	all = append(all, h.encryption()...)

	r.methods = make(map[string]Method, len(all))
	rules := make(map[string]session.Rule, len(all))
	for _, m := range all {
		r.methods[m.Name] = m
		rules[m.Name] = m.Rule
	}
	r.policy = session.NewPolicy(rules)
	return r
}

// Handlers returns the handler of every method, for rpc.NewServer.
func (r *Registry) Handlers() map[string]rpc.Handler {
	out := make(map[string]rpc.Handler, len(r.methods))
	for name, m := range r.methods {
		out[name] = m.Handler
	}
	return out
}

// Policy answers isMethodAllowed for this table.
func (r *Registry) Policy() *session.Policy {
	return r.policy
}

// OpenMethods lists the methods that need no session.
func (r *Registry) OpenMethods() []string {
	var open []string
	for name, m := range r.methods {
		if m.Open {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// Names lists every method, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the method called name.
func (r *Registry) Lookup(name string) (Method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// currentSession returns the session the interceptor bound to ctx.
func currentSession(ctx context.Context) (*session.Record, error) {
	rec, ok := auth.SessionFromContext(ctx)
	if !ok {
		return nil, types.Errorf(types.KindInternal, "no session bound to request")
	}
	return rec, nil
}

// completeLeaf removes flag from the session if it is still outstanding.
func (h *handlers) completeLeaf(ctx context.Context, rec *session.Record, flag session.Flag) error {
	if !rec.HasFlag(flag) {
		return nil
	}
	_, err := h.Sessions.UpdateFlow(ctx, rec.UUID, flag)
	return err
}
