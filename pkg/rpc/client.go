package rpc

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"net"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"socialbox/pkg/types"
)

// Request metadata keys.
const (
	MetadataSession    = "session-uuid"
	MetadataIdentifyAs = "identify-as"
	MetadataSignature  = "signature"
	MetadataTimestamp  = "timestamp"
)

// Target turns an RPC endpoint URL into a dial target and reports whether
// it should use TLS.
func Target(endpoint string) (string, bool, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", false, types.Errorf(types.KindInvalidFormat, "invalid rpc endpoint %q", endpoint)
	}

	var secure bool
	var port string
	switch strings.ToLower(u.Scheme) {
	case "https", "grpcs":
		secure, port = true, "443"
	case "http", "grpc":
		port = "80"
	default:
		return "", false, types.Errorf(types.KindInvalidFormat, "unsupported rpc endpoint scheme %q", u.Scheme)
	}
	if u.Port() != "" {
		port = u.Port()
	}
	return net.JoinHostPort(u.Hostname(), port), secure, nil
}

// DialOptions controls how endpoints are dialed.
type DialOptions struct {
	// TLS is used for https endpoints; nil uses the system roots.
	TLS *tls.Config
	// Insecure dials every endpoint in plaintext.
	Insecure bool
	Extra    []grpc.DialOption
}

// Dial opens a client connection to endpoint. The connection is lazy; the
// first call establishes it.
func Dial(endpoint string, opts DialOptions) (*grpc.ClientConn, error) {
	target, secure, err := Target(endpoint)
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if secure && !opts.Insecure {
		cfg := opts.TLS
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(cfg)
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts.Extra...)
	conn, err := grpc.NewClient("passthrough:///"+target, dialOpts...)
	if err != nil {
		return nil, types.Errorf(types.KindResolutionFailed, "failed to dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// Client calls methods on one server.
type Client struct {
	cc         grpc.ClientConnInterface
	clock      clock.Clock
	session    string
	key        ed25519.PrivateKey
	identifyAs string
}

// NewClient wraps a connection. clk may be nil for the wall clock.
func NewClient(cc grpc.ClientConnInterface, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{cc: cc, clock: clk}
}

// WithSession returns a client that sends the session uuid and, when key is
// set, signs every request with it.
func (c *Client) WithSession(id string, key ed25519.PrivateKey) *Client {
	cp := *c
	cp.session = id
	cp.key = key
	return &cp
}

// IdentifyAs returns a client acting on behalf of a peer of the calling
// server's domain.
func (c *Client) IdentifyAs(address string) *Client {
	cp := *c
	cp.identifyAs = address
	return &cp
}

func (c *Client) Session() string {
	return c.session
}

// Call invokes method with params and decodes the result into out, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, out any) error {
	body, err := NewBody(params)
	if err != nil {
		return types.Errorf(types.KindBadRequest, "%s: %w", method, err)
	}

	fullMethod := FullMethod(method)
	md := metadata.MD{}
	if c.session != "" {
		md.Set(MetadataSession, c.session)
	}
	if c.identifyAs != "" {
		md.Set(MetadataIdentifyAs, c.identifyAs)
	}
	if c.key != nil {
		sig, err := SignRequest(c.key, fullMethod, body, c.clock.Now().Unix())
		if err != nil {
			return err
		}
		md = metadata.Join(md, sig)
	}
	if existing, ok := metadata.FromOutgoingContext(ctx); ok {
		md = metadata.Join(existing, md)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod, body, resp); err != nil {
		return FromStatus(err)
	}
	return DecodeResult(resp, out)
}
