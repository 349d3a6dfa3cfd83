package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Instance       InstanceConfig       `toml:"instance" json:"instance"`
	Security       SecurityConfig       `toml:"security" json:"security"`
	Cryptography   CryptographyConfig   `toml:"cryptography" json:"cryptography"`
	Cache          CacheConfig          `toml:"cache" json:"cache"`
	Database       DatabaseConfig       `toml:"database" json:"database"`
	Registration   RegistrationConfig   `toml:"registration" json:"registration"`
	Authentication AuthenticationConfig `toml:"authentication" json:"authentication"`
	Policies       PoliciesConfig       `toml:"policies" json:"policies"`
	DNS            DNSConfig            `toml:"dns" json:"dns"`
	Metrics        MetricsConfig        `toml:"metrics" json:"metrics"`
}

type InstanceConfig struct {
	Name string `toml:"name" json:"name"`
	// Domain is the domain this server is authoritative for.
	Domain string `toml:"domain" json:"domain"`
	// RPCEndpoint is the URL published in the discovery record.
	RPCEndpoint string `toml:"rpc_endpoint" json:"rpc_endpoint"`
	// ListenAddress is where the gRPC server binds.
	ListenAddress string `toml:"listen_address" json:"listen_address"`
}

type SecurityConfig struct {
	DisplayInternalExceptions bool `toml:"display_internal_exceptions" json:"display_internal_exceptions"`
	// RequireRequestSignatures rejects calls without a timed signature made
	// with the session key.
	RequireRequestSignatures bool `toml:"require_request_signatures" json:"require_request_signatures"`
	// Insecure dials remote servers without TLS; for local federations only.
	Insecure bool `toml:"insecure" json:"insecure"`
	// TLSCertFile and TLSKeyFile serve the RPC listener over TLS when set.
	TLSCertFile string `toml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file" json:"tls_key_file"`
	// TLSCAFile adds roots for verifying remote servers.
	TLSCAFile       string `toml:"tls_ca_file" json:"tls_ca_file"`
	MinTLSVersion   string `toml:"min_tls_version" json:"min_tls_version"`
	OTPDigits       int    `toml:"otp_digits" json:"otp_digits"`
	OTPTimeStep     int    `toml:"otp_time_step" json:"otp_time_step"`
	OTPWindow       int    `toml:"otp_window" json:"otp_window"`
	OTPSecretLength int    `toml:"otp_secret_length" json:"otp_secret_length"`
}

type CryptographyConfig struct {
	HostPublicKey  string `toml:"host_public_key" json:"host_public_key"`
	HostPrivateKey string `toml:"host_private_key" json:"host_private_key"`
	// HostKeyExpires is unix seconds; 0 means the host key does not expire.
	HostKeyExpires int64 `toml:"host_key_expires" json:"host_key_expires"`
	// TimestampFrames and FrameSeconds bound how far a timed signature's
	// claimed time may drift from now.
	TimestampFrames int   `toml:"timestamp_frames" json:"timestamp_frames"`
	FrameSeconds    int64 `toml:"frame_seconds" json:"frame_seconds"`
}

type CacheConfig struct {
	Address  string `toml:"address" json:"address"`
	Username string `toml:"username" json:"username"`
	Password string `toml:"password" json:"password"`
	Database int    `toml:"database" json:"database"`
	// MemoSize bounds the in-process memo in front of the cache.
	MemoSize int      `toml:"memo_size" json:"memo_size"`
	MemoTTL  Duration `toml:"memo_ttl" json:"memo_ttl"`
}

type DatabaseConfig struct {
	Path string `toml:"path" json:"path"`
}

type RegistrationConfig struct {
	Enabled                     bool   `toml:"enabled" json:"enabled"`
	PrivacyPolicyDocument       string `toml:"privacy_policy_document" json:"privacy_policy_document"`
	AcceptPrivacyPolicy         bool   `toml:"accept_privacy_policy" json:"accept_privacy_policy"`
	TermsOfServiceDocument      string `toml:"terms_of_service_document" json:"terms_of_service_document"`
	AcceptTermsOfService        bool   `toml:"accept_terms_of_service" json:"accept_terms_of_service"`
	CommunityGuidelinesDocument string `toml:"community_guidelines_document" json:"community_guidelines_document"`
	AcceptCommunityGuidelines   bool   `toml:"accept_community_guidelines" json:"accept_community_guidelines"`
	PasswordRequired            bool   `toml:"password_required" json:"password_required"`
	OTPRequired                 bool   `toml:"otp_required" json:"otp_required"`
	DisplayNameRequired         bool   `toml:"display_name_required" json:"display_name_required"`
	FirstNameRequired           bool   `toml:"first_name_required" json:"first_name_required"`
	MiddleNameRequired          bool   `toml:"middle_name_required" json:"middle_name_required"`
	LastNameRequired            bool   `toml:"last_name_required" json:"last_name_required"`
	DisplayPictureRequired      bool   `toml:"display_picture_required" json:"display_picture_required"`
	EmailAddressRequired        bool   `toml:"email_address_required" json:"email_address_required"`
	PhoneNumberRequired         bool   `toml:"phone_number_required" json:"phone_number_required"`
	BirthdayRequired            bool   `toml:"birthday_required" json:"birthday_required"`
	URLRequired                 bool   `toml:"url_required" json:"url_required"`
}

type AuthenticationConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

type PoliciesConfig struct {
	MaxSigningKeys int `toml:"max_signing_keys" json:"max_signing_keys"`
	// SessionInactivityExpires is how long a session may sit idle.
	SessionInactivityExpires Duration `toml:"session_inactivity_expires" json:"session_inactivity_expires"`
	// PeerSyncInterval is the trust TTL for resolved servers and remote keys.
	PeerSyncInterval Duration `toml:"peer_sync_interval" json:"peer_sync_interval"`
}

type DNSConfig struct {
	// Nameserver is "ip:port"; empty uses /etc/resolv.conf.
	Nameserver string   `toml:"nameserver" json:"nameserver"`
	Timeout    Duration `toml:"timeout" json:"timeout"`
	// Mocks maps a domain to a fixed discovery record.
	Mocks map[string]string `toml:"mocks" json:"mocks"`
}

type MetricsConfig struct {
	Address string `toml:"address" json:"address"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			Name:          "Socialbox Server",
			ListenAddress: ":8085",
		},
		Security: SecurityConfig{
			MinTLSVersion:   "1.2",
			OTPDigits:       6,
			OTPTimeStep:     30,
			OTPWindow:       1,
			OTPSecretLength: 32,
		},
		Cryptography: CryptographyConfig{
			TimestampFrames: 2,
			FrameSeconds:    60,
		},
		Cache: CacheConfig{
			Address:  "127.0.0.1:6379",
			MemoSize: 1024,
			MemoTTL:  Duration(5 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "./data/peers",
		},
		Registration: RegistrationConfig{
			Enabled:                     true,
			PrivacyPolicyDocument:       "No privacy policy has been published for this server.",
			TermsOfServiceDocument:      "No terms of service have been published for this server.",
			CommunityGuidelinesDocument: "No community guidelines have been published for this server.",
			AcceptPrivacyPolicy:         true,
			AcceptTermsOfService:        true,
			AcceptCommunityGuidelines:   true,
			PasswordRequired:            true,
			DisplayNameRequired:         true,
		},
		Authentication: AuthenticationConfig{
			Enabled: true,
		},
		Policies: PoliciesConfig{
			MaxSigningKeys:           20,
			SessionInactivityExpires: Duration(12 * time.Hour),
			PeerSyncInterval:         Duration(time.Hour),
		},
		DNS: DNSConfig{
			Timeout: Duration(5 * time.Second),
			Mocks:   map[string]string{},
		},
	}
}

// LoadConfig reads a .toml or .json file on top of Default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .toml or .json)", filepath.Ext(path))
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// LoadFromEnv builds a configuration from Default and SOCIALBOX_* variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from SOCIALBOX_* environment variables.
func (c *Config) ApplyEnv() {
	c.Instance.Domain = strings.ToLower(getEnv("SOCIALBOX_DOMAIN", c.Instance.Domain))
	c.Instance.RPCEndpoint = getEnv("SOCIALBOX_RPC_ENDPOINT", c.Instance.RPCEndpoint)
	c.Instance.ListenAddress = getEnv("SOCIALBOX_LISTEN_ADDRESS", c.Instance.ListenAddress)
	c.Cryptography.HostPublicKey = getEnv("SOCIALBOX_HOST_PUBLIC_KEY", c.Cryptography.HostPublicKey)
	c.Cryptography.HostPrivateKey = getEnv("SOCIALBOX_HOST_PRIVATE_KEY", c.Cryptography.HostPrivateKey)
	c.Cache.Address = getEnv("SOCIALBOX_REDIS_ADDRESS", c.Cache.Address)
	c.Cache.Password = getEnv("SOCIALBOX_REDIS_PASSWORD", c.Cache.Password)
	c.Database.Path = getEnv("SOCIALBOX_DATA_DIR", c.Database.Path)
	c.DNS.Nameserver = getEnv("SOCIALBOX_NAMESERVER", c.DNS.Nameserver)
	c.Metrics.Address = getEnv("SOCIALBOX_METRICS_ADDRESS", c.Metrics.Address)

	if v := os.Getenv("SOCIALBOX_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.Database = n
		}
	}
}

// Validate reports the first problem that would stop the server from
// running correctly.
func (c *Config) Validate() error {
	if c.Instance.Domain == "" {
		return fmt.Errorf("instance.domain is required")
	}
	if !strings.Contains(c.Instance.Domain, ".") {
		return fmt.Errorf("instance.domain must contain at least one dot")
	}
	if c.Instance.RPCEndpoint == "" {
		return fmt.Errorf("instance.rpc_endpoint is required")
	}
	if c.Cryptography.HostPublicKey == "" || c.Cryptography.HostPrivateKey == "" {
		return fmt.Errorf("cryptography.host_public_key and cryptography.host_private_key are required")
	}
	if c.Cryptography.TimestampFrames < 0 || c.Cryptography.FrameSeconds <= 0 {
		return fmt.Errorf("cryptography timestamp window must be positive")
	}
	if c.Policies.PeerSyncInterval.Duration() <= 0 {
		return fmt.Errorf("policies.peer_sync_interval must be positive")
	}
	if c.Policies.SessionInactivityExpires.Duration() <= 0 {
		return fmt.Errorf("policies.session_inactivity_expires must be positive")
	}
	if c.Security.OTPTimeStep <= 0 {
		return fmt.Errorf("security.otp_time_step must be positive")
	}
	if c.Security.OTPDigits < 6 || c.Security.OTPDigits > 8 {
		return fmt.Errorf("security.otp_digits must be between 6 and 8")
	}
	if c.Security.OTPWindow < 0 {
		return fmt.Errorf("security.otp_window cannot be negative")
	}
	if (c.Security.TLSCertFile == "") != (c.Security.TLSKeyFile == "") {
		return fmt.Errorf("security.tls_cert_file and security.tls_key_file must be set together")
	}
	if c.Registration.Enabled && !c.Registration.PasswordRequired && !c.Registration.OTPRequired {
		return fmt.Errorf("registration requires at least one of password_required or otp_required")
	}
	if c.Registration.AcceptPrivacyPolicy && c.Registration.PrivacyPolicyDocument == "" {
		return fmt.Errorf("registration.privacy_policy_document is required when accept_privacy_policy is set")
	}
	if c.Registration.AcceptTermsOfService && c.Registration.TermsOfServiceDocument == "" {
		return fmt.Errorf("registration.terms_of_service_document is required when accept_terms_of_service is set")
	}
	if c.Registration.AcceptCommunityGuidelines && c.Registration.CommunityGuidelinesDocument == "" {
		return fmt.Errorf("registration.community_guidelines_document is required when accept_community_guidelines is set")
	}
	return nil
}

// MustValidate panics when the configuration is unusable. Call it once at
// startup.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// LoadDocument returns the contents of the file at ref, or ref itself when
// it does not name a readable file.
func LoadDocument(ref string) string {
	if ref == "" {
		return ""
	}
	if data, err := os.ReadFile(ref); err == nil {
		return string(data)
	}
	return ref
}
