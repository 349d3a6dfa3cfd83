package methods

import (
	"context"

	"go.uber.org/zap"

	"socialbox/pkg/config"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/types"
)

const (
	MethodPing                      = "ping"
	MethodCreateSession             = rpc.MethodCreateSession
	MethodGetSessionState           = "getSessionState"
	MethodGetAllowedMethods         = "getAllowedMethods"
	MethodCloseSession              = "closeSession"
	MethodGetPrivacyPolicy          = "getPrivacyPolicy"
	MethodGetTermsOfService         = "getTermsOfService"
	MethodGetCommunityGuidelines    = "getCommunityGuidelines"
	MethodAcceptPrivacyPolicy       = "acceptPrivacyPolicy"
	MethodAcceptTermsOfService      = "acceptTermsOfService"
	MethodAcceptCommunityGuidelines = "acceptCommunityGuidelines"
)

func (h *handlers) core() []Method {
	always := session.Rule{Always: true}
	local := func(f session.Flag) session.Rule {
		return session.Rule{Flags: []session.Flag{f}, Scope: session.ScopeLocal}
	}
	reg := h.Config.Registration

	return []Method{
		{Name: MethodPing, Rule: always, Open: true, Handler: h.ping},
		{Name: MethodCreateSession, Rule: always, Open: true, Handler: h.createSession},
		{Name: MethodGetSessionState, Rule: always, Handler: h.getSessionState},
		{Name: MethodGetAllowedMethods, Rule: always, Handler: h.getAllowedMethods},
		{Name: MethodCloseSession, Rule: always, Handler: h.closeSession},
		{Name: MethodGetPrivacyPolicy, Rule: always, Handler: document(reg.PrivacyPolicyDocument)},
		{Name: MethodGetTermsOfService, Rule: always, Handler: document(reg.TermsOfServiceDocument)},
		{Name: MethodGetCommunityGuidelines, Rule: always, Handler: document(reg.CommunityGuidelinesDocument)},
		{Name: MethodAcceptPrivacyPolicy, Rule: local(session.VerPrivacyPolicy), Handler: h.accept(session.VerPrivacyPolicy)},
		{Name: MethodAcceptTermsOfService, Rule: local(session.VerTermsOfService), Handler: h.accept(session.VerTermsOfService)},
		{Name: MethodAcceptCommunityGuidelines, Rule: local(session.VerCommunityGuidelines), Handler: h.accept(session.VerCommunityGuidelines)},
	}
}

func (h *handlers) ping(context.Context, rpc.Params) (any, error) {
	return true, nil
}

func (h *handlers) createSession(ctx context.Context, p rpc.Params) (any, error) {
	identify, err := p.String("identify")
	if err != nil {
		return nil, err
	}
	req := session.CreateRequest{Identify: identify}
	for name, dst := range map[string]*string{
		"uuid":           &req.UUID,
		"public_key":     &req.PublicKey,
		"client_name":    &req.ClientName,
		"client_version": &req.ClientVersion,
	} {
		if *dst, err = p.OptionalString(name, ""); err != nil {
			return nil, err
		}
	}
	rec, err := h.Sessions.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return rec.UUID, nil
}

func (h *handlers) getSessionState(ctx context.Context, _ rpc.Params) (any, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	return h.Sessions.State(ctx, rec.UUID)
}

func (h *handlers) getAllowedMethods(ctx context.Context, _ rpc.Params) (any, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	// The interceptor's copy predates this call; flags may have moved since.
	fresh, err := h.Sessions.Active(ctx, rec.UUID)
	if err != nil {
		return nil, err
	}
	return h.registry.policy.AllowedMethods(fresh), nil
}

func (h *handlers) closeSession(ctx context.Context, _ rpc.Params) (any, error) {
	rec, err := currentSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.Sessions.Close(ctx, rec.UUID); err != nil {
		return nil, err
	}
	return true, nil
}

func document(ref string) rpc.Handler {
	return func(context.Context, rpc.Params) (any, error) {
		doc := config.LoadDocument(ref)
		if doc == "" {
			return nil, types.Errorf(types.KindNotFound, "document not published")
		}
		return doc, nil
	}
}

func (h *handlers) accept(flag session.Flag) rpc.Handler {
	return func(ctx context.Context, _ rpc.Params) (any, error) {
		rec, err := currentSession(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.completeLeaf(ctx, rec, flag); err != nil {
			return nil, err
		}
		h.Logger.Debug("Document accepted",
			zap.String("session", rec.UUID),
			zap.String("flag", string(flag)))
		return true, nil
	}
}
