package auth

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"socialbox/pkg/config"
	"socialbox/pkg/peer"
	"socialbox/pkg/rpc"
	"socialbox/pkg/session"
	"socialbox/pkg/trust"
	"socialbox/pkg/types"
)

// Sessions is the part of session.Manager the interceptor needs.
type Sessions interface {
	Touch(ctx context.Context, id string) (*session.Record, error)
}

// SessionInterceptor resolves the session of every call and rejects calls
// the session is not allowed to make.
type SessionInterceptor struct {
	sessions Sessions
	policy   *session.Policy
	open     map[string]bool
	clock    clock.Clock
	logger   *zap.Logger

	requireSignatures bool
	displayInternal   bool
	window            trust.Window
}

// NewSessionInterceptor creates the interceptor. Methods in open are served
// without a session. clk may be nil for the wall clock.
func NewSessionInterceptor(sessions Sessions, policy *session.Policy, cfg *config.Config, open []string, clk clock.Clock, logger *zap.Logger) *SessionInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	openSet := make(map[string]bool, len(open))
	for _, m := range open {
		openSet[m] = true
	}
	return &SessionInterceptor{
		sessions:          sessions,
		policy:            policy,
		open:              openSet,
		clock:             clk,
		logger:            logger,
		requireSignatures: cfg.Security.RequireRequestSignatures,
		displayInternal:   cfg.Security.DisplayInternalExceptions,
		window: trust.Window{
			Frames:       cfg.Cryptography.TimestampFrames,
			FrameSeconds: cfg.Cryptography.FrameSeconds,
		},
	}
}

// Unary returns the gRPC unary server interceptor.
func (si *SessionInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := rpc.MethodName(info.FullMethod)
		if si.open[method] {
			return handler(ctx, req)
		}

		body, _ := req.(*structpb.Struct)
		ctx, err := si.authorize(ctx, method, info.FullMethod, body)
		if err != nil {
			si.logger.Debug("Call rejected",
				zap.String("method", method),
				zap.Error(err))
			return nil, rpc.ToStatus(err, si.displayInternal)
		}
		return handler(ctx, req)
	}
}

func (si *SessionInterceptor) authorize(ctx context.Context, method, fullMethod string, body *structpb.Struct) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(rpc.MetadataSession)
	if len(ids) != 1 || ids[0] == "" {
		return ctx, types.Errorf(types.KindUnauthorized, "%s requires a session", method)
	}

	rec, err := si.sessions.Touch(ctx, ids[0])
	if types.IsKind(err, types.KindNotFound) {
		return ctx, types.Errorf(types.KindExpired, "session %s not found or expired", ids[0])
	}
	if err != nil {
		return ctx, err
	}

	if si.requireSignatures || rpc.HasSignature(md) {
		pub, err := trust.DecodePublicKey(rec.PublicKey)
		if err != nil {
			return ctx, types.Errorf(types.KindInternal, "session %s has an unusable key: %w", rec.UUID, err)
		}
		if err := rpc.VerifyRequest(md, pub, fullMethod, body, si.window, si.clock.Now()); err != nil {
			return ctx, err
		}
	}

	if !si.policy.IsMethodAllowed(rec, method) {
		return ctx, types.Errorf(types.KindMethodNotAllowed, "%s is not allowed on this session", method)
	}

	ctx = WithSession(ctx, rec)

	if vals := md.Get(rpc.MetadataIdentifyAs); len(vals) > 0 {
		addr, err := identifyAs(rec, vals[0])
		if err != nil {
			return ctx, err
		}
		ctx = WithIdentifyAs(ctx, addr)
	}
	return ctx, nil
}

// identifyAs lets a server session act for one of its own domain's peers.
func identifyAs(rec *session.Record, value string) (peer.Address, error) {
	if !rec.External {
		return peer.Address{}, types.Errorf(types.KindUnauthorized, "only server sessions may identify as another peer")
	}
	addr, err := peer.Parse(value)
	if err != nil {
		return peer.Address{}, err
	}
	host, err := rec.Address()
	if err != nil {
		return peer.Address{}, types.Errorf(types.KindInternal, "session %s has an invalid identity: %w", rec.UUID, err)
	}
	if addr.Domain != host.Domain || addr.IsReserved() {
		return peer.Address{}, types.Errorf(types.KindUnauthorized, "%s cannot act for %s", host, addr)
	}
	return addr, nil
}
