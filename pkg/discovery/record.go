package discovery

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"socialbox/pkg/types"
)

// ProtocolTag is the value of the required v= pair.
const ProtocolTag = "socialbox"

const (
	keyVersion = "v"
	keyRPC     = "sb-rpc"
	keyKey     = "sb-key"
	keyExpires = "sb-exp"
)

// Record is a domain's published discovery record.
type Record struct {
	// RPCEndpoint is an absolute http or https URL.
	RPCEndpoint string `json:"rpc_endpoint"`
	// PublicSigningKey is opaque key material, normally "sig:" + base64url.
	PublicSigningKey string `json:"public_signing_key"`
	// Expires is unix seconds; 0 means the record states no expiry.
	Expires int64 `json:"expires"`
}

// ParseRecord decodes a raw discovery string such as
//
//	v=socialbox;sb-rpc=https://rpc.example.com;sb-key=sig:AAAA;sb-exp=0
//
// Pairs may come in any order and unknown keys are ignored.
func ParseRecord(raw string) (*Record, error) {
	raw = strings.Trim(raw, "\" ")
	if raw == "" {
		return nil, types.Errorf(types.KindInvalidFormat, "discovery record is empty")
	}

	seen := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, types.Errorf(types.KindInvalidFormat, "malformed discovery pair %q", pair)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if _, dup := seen[key]; dup {
			return nil, types.Errorf(types.KindInvalidFormat, "duplicate discovery key %q", key)
		}
		seen[key] = value
	}

	if v, ok := seen[keyVersion]; !ok || v != ProtocolTag {
		return nil, types.Errorf(types.KindInvalidFormat, "discovery record is missing v=%s", ProtocolTag)
	}

	endpoint, ok := seen[keyRPC]
	if !ok || endpoint == "" {
		return nil, types.Errorf(types.KindInvalidFormat, "discovery record is missing %s", keyRPC)
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	key, ok := seen[keyKey]
	if !ok || key == "" {
		return nil, types.Errorf(types.KindInvalidFormat, "discovery record is missing %s", keyKey)
	}

	rec := &Record{RPCEndpoint: endpoint, PublicSigningKey: key}
	if exp, ok := seen[keyExpires]; ok && exp != "" {
		n, err := strconv.ParseUint(exp, 10, 63)
		if err != nil {
			return nil, types.Errorf(types.KindInvalidFormat, "invalid %s %q", keyExpires, exp)
		}
		rec.Expires = int64(n)
	}

	return rec, nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return types.Errorf(types.KindInvalidFormat, "invalid %s: %w", keyRPC, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.Errorf(types.KindInvalidFormat, "invalid %s scheme %q", keyRPC, u.Scheme)
	}
	if u.Host == "" {
		return types.Errorf(types.KindInvalidFormat, "invalid %s: missing host", keyRPC)
	}
	return nil
}

// String serializes the record in its wire form.
func (r *Record) String() string {
	return fmt.Sprintf("v=%s;%s=%s;%s=%s;%s=%d",
		ProtocolTag, keyRPC, r.RPCEndpoint, keyKey, r.PublicSigningKey, keyExpires, r.Expires)
}

// Expired reports whether the record's own expiry has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.Expires != 0 && now.Unix() > r.Expires
}

// JoinTXT concatenates the TXT strings that belong to a discovery record.
// Strings not starting with v=socialbox are dropped.
func JoinTXT(txts []string) string {
	var b strings.Builder
	prefix := keyVersion + "=" + ProtocolTag
	for _, txt := range txts {
		txt = strings.Trim(txt, "\" ")
		if len(txt) >= len(prefix) && strings.EqualFold(txt[:len(prefix)], prefix) {
			b.WriteString(txt)
		}
	}
	return b.String()
}
