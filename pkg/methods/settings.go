package methods

import (
	"context"
	"net/mail"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"socialbox/pkg/auth"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

const (
	MethodSettingsSetPassword            = "settingsSetPassword"
	MethodSettingsSetOTP                 = "settingsSetOtp"
	MethodSettingsSetDisplayName         = "settingsSetDisplayName"
	MethodSettingsAddInformationField    = "settingsAddInformationField"
	MethodSettingsDeleteInformationField = "settingsDeleteInformationField"
	MethodSettingsAddSigningKey          = "settingsAddSigningKey"
	MethodSettingsGetSigningKeys         = "settingsGetSigningKeys"
	MethodSettingsDeleteSigningKey       = "settingsDeleteSigningKey"

	MaxDisplayNameLength = 64
	MaxFieldLength       = 256
)

// Information field names and the registration leaf each one clears.
var informationFields = map[string]session.Flag{
	"first_name":      session.SetFirstName,
	"middle_name":     session.SetMiddleName,
	"last_name":       session.SetLastName,
	"display_picture": session.SetDisplayPicture,
	"email_address":   session.SetEmail,
	"phone_number":    session.SetPhone,
	"birthday":        session.SetBirthday,
	"url":             session.SetURL,
}

var (
	phonePattern    = regexp.MustCompile(`^\+?[0-9][0-9 ()-]{5,30}$`)
	birthdayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

func (h *handlers) settings() []Method {
	setter := func(f session.Flag) session.Rule {
		return session.Rule{Flags: []session.Flag{f}, Authenticated: true, Scope: session.ScopeLocal}
	}
	fieldFlags := make([]session.Flag, 0, len(informationFields))
	for _, f := range informationFields {
		fieldFlags = append(fieldFlags, f)
	}
	authenticated := session.Rule{Authenticated: true, Scope: session.ScopeLocal}

	return []Method{
		{Name: MethodSettingsSetPassword, Rule: setter(session.SetPassword), Handler: h.setPassword},
		{Name: MethodSettingsSetOTP, Rule: setter(session.SetOTP), Handler: h.setOTP},
		{Name: MethodSettingsSetDisplayName, Rule: setter(session.SetDisplayName), Handler: h.setDisplayName},
		{
			Name:    MethodSettingsAddInformationField,
			Rule:    session.Rule{Flags: fieldFlags, Authenticated: true, Scope: session.ScopeLocal},
			Handler: h.addInformationField,
		},
		{Name: MethodSettingsDeleteInformationField, Rule: authenticated, Handler: h.deleteInformationField},
		{Name: MethodSettingsAddSigningKey, Rule: authenticated, Handler: h.addSigningKey},
		{Name: MethodSettingsGetSigningKeys, Rule: authenticated, Handler: h.getSigningKeys},
		{Name: MethodSettingsDeleteSigningKey, Rule: authenticated, Handler: h.deleteSigningKey},
	}
}

// modifyPeer updates the session's peer and clears flag from the session.
func (h *handlers) modifyPeer(ctx context.Context, flag session.Flag, fn func(*types.Peer) error) (*types.Peer, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	if rec.PeerUUID == "" {
		return nil, types.Errorf(types.KindMethodNotAllowed, "session is not bound to a peer")
	}
	p, err := h.Peers.ModifyPeer(ctx, rec.PeerUUID, func(p *types.Peer) error {
		if err := rec.CanModify(p); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.Updated = h.Clock.Now().Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if flag != "" {
		if err := h.completeLeaf(ctx, rec, flag); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (h *handlers) setPassword(ctx context.Context, p rpc.Params) (any, error) {
	password, err := p.String("password")
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	_, err = h.modifyPeer(ctx, session.SetPassword, func(peer *types.Peer) error {
		peer.PasswordHash = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

func (h *handlers) setOTP(ctx context.Context, p rpc.Params) (any, error) {
	secret, err := p.String("secret")
	if err != nil {
		return nil, err
	}
	code, err := p.String("code")
	if err != nil {
		return nil, err
	}
	// Enrolment proves the client holds the secret before it is stored.
	step, ok, err := h.otp.Match(secret, code, h.Clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Errorf(types.KindUnauthorized, "one-time password does not match the secret")
	}
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	if rec.PeerUUID != "" {
		// The enrolment code cannot be replayed as a login code.
		if err := h.spendOTP(ctx, rec.PeerUUID, step); err != nil {
			return nil, err
		}
	}
	_, err = h.modifyPeer(ctx, session.SetOTP, func(peer *types.Peer) error {
		peer.OTPSecret = secret
		return nil
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

func (h *handlers) setDisplayName(ctx context.Context, p rpc.Params) (any, error) {
	name, err := p.String("name")
	if err != nil {
		return nil, err
	}
	if len(name) > MaxDisplayNameLength {
		return nil, types.Errorf(types.KindBadRequest, "display name cannot exceed %d characters", MaxDisplayNameLength)
	}
	_, err = h.modifyPeer(ctx, session.SetDisplayName, func(peer *types.Peer) error {
		peer.DisplayName = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

func (h *handlers) addInformationField(ctx context.Context, p rpc.Params) (any, error) {
	field, err := p.String("field")
	if err != nil {
		return nil, err
	}
	value, err := p.String("value")
	if err != nil {
		return nil, err
	}
	flag, ok := informationFields[field]
	if !ok {
		return nil, types.Errorf(types.KindBadRequest, "unknown information field %q", field)
	}
	if err := validateField(field, value); err != nil {
		return nil, err
	}

	_, err = h.modifyPeer(ctx, flag, func(peer *types.Peer) error {
		if peer.InformationFields == nil {
			peer.InformationFields = make(map[string]string)
		}
		peer.InformationFields[field] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

func (h *handlers) deleteInformationField(ctx context.Context, p rpc.Params) (any, error) {
	field, err := p.String("field")
	if err != nil {
		return nil, err
	}
	flag, ok := informationFields[field]
	if !ok {
		return nil, types.Errorf(types.KindBadRequest, "unknown information field %q", field)
	}
	if h.required(flag) {
		return nil, types.Errorf(types.KindBadRequest, "%s is required by this server", field)
	}
	_, err = h.modifyPeer(ctx, "", func(peer *types.Peer) error {
		if _, ok := peer.InformationFields[field]; !ok {
			return types.Errorf(types.KindNotFound, "%s is not set", field)
		}
		delete(peer.InformationFields, field)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

// required reports whether registration demands flag.
func (h *handlers) required(flag session.Flag) bool {
	return session.Contains(session.RegistrationFlags(h.Config.Registration), flag)
}

func validateField(field, value string) error {
	if len(value) > MaxFieldLength {
		return types.Errorf(types.KindBadRequest, "%s cannot exceed %d characters", field, MaxFieldLength)
	}
	switch field {
	case "email_address":
		if _, err := mail.ParseAddress(value); err != nil {
			return types.Errorf(types.KindBadRequest, "invalid email address")
		}
	case "phone_number":
		if !phonePattern.MatchString(value) {
			return types.Errorf(types.KindBadRequest, "invalid phone number")
		}
	case "birthday":
		if !birthdayPattern.MatchString(value) {
			return types.Errorf(types.KindBadRequest, "birthday must be YYYY-MM-DD")
		}
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			return types.Errorf(types.KindBadRequest, "invalid birthday")
		}
	case "url", "display_picture":
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return types.Errorf(types.KindBadRequest, "%s must be an http(s) URL", field)
		}
	}
	return nil
}

func (h *handlers) addSigningKey(ctx context.Context, p rpc.Params) (any, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	publicKey, err := p.String("public_key")
	if err != nil {
		return nil, err
	}
	name, err := p.OptionalString("name", "")
	if err != nil {
		return nil, err
	}
	expires, err := p.OptionalInt64("expires", 0)
	if err != nil {
		return nil, err
	}

	existing, err := h.Peers.ListSigningKeys(ctx, rec.PeerUUID)
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to list signing keys: %w", err)
	}
	if err := trust.CheckKeyLimit(len(existing), h.Config.Policies.MaxSigningKeys); err != nil {
		return nil, err
	}
	key, err := trust.NewSigningKey(rec.PeerUUID, publicKey, name, expires, h.Clock.Now())
	if err != nil {
		return nil, err
	}
	if err := h.Peers.AddSigningKey(ctx, key); err != nil {
		return nil, err
	}

	h.Logger.Info("Signing key added",
		zap.String("peer", rec.PeerUUID),
		zap.String("key", key.UUID))
	return key.UUID, nil
}

func (h *handlers) getSigningKeys(ctx context.Context, _ rpc.Params) (any, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := h.Peers.ListSigningKeys(ctx, rec.PeerUUID)
	if err != nil {
		return nil, types.Errorf(types.KindInternal, "failed to list signing keys: %w", err)
	}
	now := h.Clock.Now()
	views := make([]types.SigningKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, k.View(now))
	}
	return views, nil
}

func (h *handlers) deleteSigningKey(ctx context.Context, p rpc.Params) (any, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	id, err := p.String("uuid")
	if err != nil {
		return nil, err
	}
	if err := h.Peers.DeleteSigningKey(ctx, rec.PeerUUID, id); err != nil {
		return nil, err
	}
	return true, nil
}
