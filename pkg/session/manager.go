package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialbox/pkg/config"
	"socialbox/pkg/metrics"
	"socialbox/pkg/peer"
	"socialbox/pkg/resolver"
	"socialbox/pkg/store"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

// Store persists session records. Flag changes must be atomic set
// operations so concurrent updates never lose each other.
type Store interface {
	// CreateSession fails with UUID_CONFLICT if the uuid is taken.
	CreateSession(ctx context.Context, rec *Record) error
	GetSession(ctx context.Context, id string) (*Record, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// TransitionSession moves from -> to and reports false if the stored
	// state was not from.
	TransitionSession(ctx context.Context, id string, from, to State) (bool, error)
	// RemoveFlags removes flags and returns what remains.
	RemoveFlags(ctx context.Context, id string, flags []Flag) ([]Flag, error)
	// ClearGate removes gate if none of required remain and marks the
	// session authenticated if it was not already. It reports whether the
	// gate was removed by this call.
	ClearGate(ctx context.Context, id string, gate Flag, required []Flag) (bool, error)
}

// ServerResolver is the part of resolver.ServerResolver sessions need.
type ServerResolver interface {
	Resolve(ctx context.Context, domain string) (*resolver.ResolvedServer, error)
}

// CreateRequest describes a client starting a session.
type CreateRequest struct {
	// UUID is optional; one is generated when empty.
	UUID          string
	PublicKey     string
	Identify      string
	ClientName    string
	ClientVersion string
}

// Manager drives the session lifecycle.
type Manager struct {
	store    Store
	peers    store.PeerStore
	servers  ServerResolver
	cfg      *config.Config
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	ttl      time.Duration
	domain   string
	regFlags []Flag
}

// NewManager creates a session manager. clk may be nil for the wall clock
// and mt may be nil to skip metrics.
func NewManager(s Store, peers store.PeerStore, servers ServerResolver, cfg *config.Config, clk clock.Clock, mt *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:    s,
		peers:    peers,
		servers:  servers,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		metrics:  mt,
		ttl:      cfg.Policies.SessionInactivityExpires.Duration(),
		domain:   cfg.Instance.Domain,
		regFlags: RegistrationFlags(cfg.Registration),
	}
}

// RegistrationFlags returns the checklist a registering session starts with.
func RegistrationFlags(rc config.RegistrationConfig) []Flag {
	flags := []Flag{RegistrationRequired}
	add := func(on bool, f Flag) {
		if on {
			flags = append(flags, f)
		}
	}
	add(rc.AcceptPrivacyPolicy, VerPrivacyPolicy)
	add(rc.AcceptTermsOfService, VerTermsOfService)
	add(rc.AcceptCommunityGuidelines, VerCommunityGuidelines)
	add(rc.PasswordRequired, SetPassword)
	add(rc.OTPRequired, SetOTP)
	add(rc.DisplayNameRequired, SetDisplayName)
	add(rc.FirstNameRequired, SetFirstName)
	add(rc.MiddleNameRequired, SetMiddleName)
	add(rc.LastNameRequired, SetLastName)
	add(rc.DisplayPictureRequired, SetDisplayPicture)
	add(rc.EmailAddressRequired, SetEmail)
	add(rc.PhoneNumberRequired, SetPhone)
	add(rc.BirthdayRequired, SetBirthday)
	add(rc.URLRequired, SetURL)
	return flags
}

// AuthenticationFlags returns the login checklist for a registered peer.
func AuthenticationFlags(p *types.Peer) []Flag {
	flags := []Flag{AuthenticationRequired}
	if p.HasPassword() {
		flags = append(flags, VerPassword)
	}
	if p.HasOTP() {
		flags = append(flags, VerOTP)
	}
	return flags
}

// InactivityTTL is how long a session may stay idle.
func (m *Manager) InactivityTTL() time.Duration {
	return m.ttl
}

// Create starts a session. The identity decides the checklist:
//   - a registered local peer logs in (AUTHENTICATION_REQUIRED)
//   - an unknown local username registers (REGISTRATION_REQUIRED)
//   - host@<remote domain> proves its server key (AUTHENTICATION_REQUIRED)
//   - anonymous gets an empty checklist
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	identity, err := peer.Parse(req.Identify)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	rec := &Record{
		UUID:          req.UUID,
		Identity:      identity.String(),
		ClientName:    req.ClientName,
		ClientVersion: req.ClientVersion,
		State:         StateActive,
		Created:       now,
		LastRequest:   now,
	}
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(rec.UUID); err != nil {
		return nil, types.Errorf(types.KindInvalidFormat, "invalid session uuid %q", rec.UUID)
	}

	switch {
	case identity.IsHost(m.domain):
		return nil, types.Errorf(types.KindUnauthorized, "cannot identify as the host of this server")

	case identity.IsExternal(m.domain):
		if !strings.EqualFold(identity.Username, peer.UsernameHost) {
			return nil, types.Errorf(types.KindUnauthorized, "external sessions must identify as host@%s", identity.Domain)
		}
		// The key comes from the remote domain's discovery record, never
		// from the client.
		server, err := m.servers.Resolve(ctx, identity.Domain)
		if err != nil {
			return nil, err
		}
		rec.External = true
		rec.PublicKey = server.Record.PublicSigningKey
		rec.Flags = []Flag{AuthenticationRequired, VerSignature}

	case identity.IsAnonymous():
		if err := m.setPublicKey(rec, req.PublicKey); err != nil {
			return nil, err
		}

	default:
		if err := m.setPublicKey(rec, req.PublicKey); err != nil {
			return nil, err
		}
		if err := m.seedLocal(ctx, rec, identity); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.SessionsCreated.WithLabelValues(sessionKind(rec)).Inc()
	}
	m.logger.Info("Session created",
		zap.String("session", rec.UUID),
		zap.String("identity", rec.Identity),
		zap.Strings("flags", Strings(rec.Flags)))
	return rec, nil
}

func sessionKind(rec *Record) string {
	switch {
	case rec.External:
		return "external"
	case rec.HasFlag(RegistrationRequired):
		return "registration"
	case rec.HasFlag(AuthenticationRequired):
		return "authentication"
	default:
		return "anonymous"
	}
}

func (m *Manager) setPublicKey(rec *Record, key string) error {
	if _, err := trust.DecodePublicKey(key); err != nil {
		return err
	}
	rec.PublicKey = key
	return nil
}

// seedLocal picks the login or registration checklist for a local identity.
func (m *Manager) seedLocal(ctx context.Context, rec *Record, identity peer.Address) error {
	if identity.IsReserved() {
		return types.Errorf(types.KindUnauthorized, "username %q is reserved", identity.Username)
	}

	p, err := m.peers.GetPeerByUsername(ctx, identity.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return types.Errorf(types.KindInternal, "failed to look up peer: %w", err)
	}

	if p != nil && p.Enabled {
		if !m.cfg.Authentication.Enabled {
			return types.Errorf(types.KindUnauthorized, "authentication is disabled on this server")
		}
		rec.PeerUUID = p.UUID
		rec.Flags = AuthenticationFlags(p)
		return nil
	}

	if !m.cfg.Registration.Enabled {
		return types.Errorf(types.KindUnauthorized, "registration is disabled on this server")
	}

	if p == nil {
		if err := peer.ValidateUsername(identity.Username); err != nil {
			return err
		}
		p, err = m.createPendingPeer(ctx, identity.Username, rec.UUID)
	} else {
		p, err = m.claimPendingPeer(ctx, p, rec.UUID)
	}
	if err != nil {
		return err
	}

	rec.PeerUUID = p.UUID
	rec.Flags = append([]Flag(nil), m.regFlags...)
	return nil
}

// createPendingPeer registers a disabled peer held by sessionID. A
// concurrent registration of the same username falls back to claiming the
// winner's row, which fails while the winner is still registering.
func (m *Manager) createPendingPeer(ctx context.Context, username, sessionID string) (*types.Peer, error) {
	now := m.clock.Now().Unix()
	p := &types.Peer{
		UUID:                uuid.NewString(),
		Username:            username,
		RegistrationSession: sessionID,
		Created:             now,
		Updated:             now,
	}

	err := m.peers.CreatePeer(ctx, p)
	if types.IsKind(err, types.KindUUIDConflict) {
		existing, getErr := m.peers.GetPeerByUsername(ctx, username)
		if getErr != nil {
			return nil, types.Errorf(types.KindInternal, "failed to look up peer: %w", getErr)
		}
		return m.claimPendingPeer(ctx, existing, sessionID)
	}
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to create peer: %w", err)
	}
	return p, nil
}

// claimPendingPeer hands an abandoned registration to sessionID. Anything
// the previous session set is discarded.
func (m *Manager) claimPendingPeer(ctx context.Context, p *types.Peer, sessionID string) (*types.Peer, error) {
	holder := p.RegistrationSession
	if p.Enabled {
		return nil, types.Errorf(types.KindUUIDConflict, "username %q is already registered", p.Username)
	}
	if holder != "" && m.registering(ctx, holder) {
		return nil, types.Errorf(types.KindUUIDConflict, "username %q is being registered by another session", p.Username)
	}

	claimed, err := m.peers.ModifyPeer(ctx, p.UUID, func(p *types.Peer) error {
		if p.Enabled || p.RegistrationSession != holder {
			return types.Errorf(types.KindUUIDConflict, "username %q was claimed concurrently", p.Username)
		}
		p.RegistrationSession = sessionID
		p.DisplayName = ""
		p.PasswordHash = ""
		p.OTPSecret = ""
		p.InformationFields = nil
		p.Updated = m.clock.Now().Unix()
		return nil
	})
	if types.IsKind(err, types.KindUUIDConflict) {
		return nil, err
	}
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to claim peer: %w", err)
	}
	m.logger.Info("Abandoned registration claimed",
		zap.String("peer", claimed.UUID),
		zap.String("previous_session", holder),
		zap.String("session", sessionID))
	return claimed, nil
}

// registering reports whether id is a live session still working through
// its registration checklist.
func (m *Manager) registering(ctx context.Context, id string) bool {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return false
	}
	return rec.EffectiveState(m.clock.Now(), m.ttl) == StateActive && rec.HasFlag(RegistrationRequired)
}

// Get returns the session with inactivity expiry applied. An ACTIVE session
// found idle is moved to EXPIRED.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.EffectiveState(m.clock.Now(), m.ttl) == StateExpired && rec.State == StateActive {
		if _, err := m.store.TransitionSession(ctx, id, StateActive, StateExpired); err != nil {
			return nil, types.Errorf(types.KindInternal, "failed to expire session: %w", err)
		}
		m.logger.Debug("Session expired", zap.String("session", id))
		rec.State = StateExpired
	}
	return rec, nil
}

// Active returns the session only if it is still ACTIVE.
func (m *Manager) Active(ctx context.Context, id string) (*Record, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case StateActive:
		return rec, nil
	case StateClosed:
		return nil, types.Errorf(types.KindExpired, "session %s is closed", id)
	default:
		return nil, types.Errorf(types.KindExpired, "session %s has expired", id)
	}
}

// Touch records activity on an ACTIVE session.
func (m *Manager) Touch(ctx context.Context, id string) (*Record, error) {
	rec, err := m.Active(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if err := m.store.TouchSession(ctx, id, now); err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.Errorf(types.KindExpired, "session %s has expired", id)
		}
		return nil, types.Errorf(types.KindInternal, "failed to touch session: %w", err)
	}
	rec.LastRequest = now
	return rec, nil
}

// UpdateFlow removes completed leaves. When a gate has no required leaf
// left it is removed too and the session becomes authenticated; finishing
// registration also enables the peer.
func (m *Manager) UpdateFlow(ctx context.Context, id string, removed ...Flag) (*Record, error) {
	if err := validateLeaves(removed); err != nil {
		return nil, err
	}
	rec, err := m.Active(ctx, id)
	if err != nil {
		return nil, err
	}

	remaining, err := m.store.RemoveFlags(ctx, id, removed)
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to update session flags: %w", err)
	}

	for _, gate := range Gates() {
		if !Contains(remaining, gate) || !GateComplete(remaining, gate) {
			continue
		}
		if gate == RegistrationRequired {
			if err := m.enablePeer(ctx, rec); err != nil {
				return nil, err
			}
		}
		cleared, err := m.store.ClearGate(ctx, id, gate, RequiredLeaves(gate))
		if err != nil {
			return nil, types.Errorf(types.KindInternal, "failed to clear %s: %w", gate, err)
		}
		if !cleared {
			continue
		}
		if m.metrics != nil {
			m.metrics.GatesCleared.WithLabelValues(string(gate)).Inc()
		}
		m.logger.Info("Session gate cleared",
			zap.String("session", id),
			zap.String("gate", string(gate)))
	}

	return m.store.GetSession(ctx, id)
}

// enablePeer finishes the registration rec holds. It runs before the gate
// is cleared so a session that does not hold the registration never becomes
// authenticated as the peer.
func (m *Manager) enablePeer(ctx context.Context, rec *Record) error {
	if rec.PeerUUID == "" {
		return types.Errorf(types.KindUnauthorized, "session %s has no pending registration", rec.UUID)
	}
	enabled := false
	p, err := m.peers.ModifyPeer(ctx, rec.PeerUUID, func(p *types.Peer) error {
		if p.RegistrationSession != rec.UUID {
			return types.Errorf(types.KindUnauthorized, "session %s does not hold the registration of %q", rec.UUID, p.Username)
		}
		if !p.Enabled {
			p.Enabled = true
			p.Updated = m.clock.Now().Unix()
			enabled = true
		}
		return nil
	})
	if types.IsKind(err, types.KindUnauthorized) {
		m.logger.Warn("Registration completion refused", zap.String("session", rec.UUID), zap.Error(err))
		return err
	}
	if err != nil {
		return types.Errorf(types.KindInternal, "failed to enable peer: %w", err)
	}
	if enabled {
		m.logger.Info("Peer registered", zap.String("peer", p.UUID), zap.String("username", p.Username))
	}
	return nil
}

// Close ends an ACTIVE session. Closing a terminal session is a no-op.
func (m *Manager) Close(ctx context.Context, id string) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateActive {
		return nil
	}
	if _, err := m.store.TransitionSession(ctx, id, StateActive, StateClosed); err != nil {
		return types.Errorf(types.KindInternal, "failed to close session: %w", err)
	}
	m.logger.Info("Session closed", zap.String("session", id))
	return nil
}

// State returns the getSessionState view of an ACTIVE session.
func (m *Manager) State(ctx context.Context, id string) (types.SessionState, error) {
	rec, err := m.Active(ctx, id)
	if err != nil {
		return types.SessionState{}, err
	}
	return rec.View(m.ttl), nil
}
