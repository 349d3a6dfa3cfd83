package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"socialbox/pkg/resolver"
	"socialbox/pkg/trust"
)

func dnsRecordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dns-record",
		Short: "Print the TXT record this server should publish",
		Long: `Prints the discovery record built from instance.rpc_endpoint and the host
public key. Publish it as a TXT record on instance.domain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Instance.Domain == "" || cfg.Instance.RPCEndpoint == "" {
				return fmt.Errorf("instance.domain and instance.rpc_endpoint are required")
			}
			if _, err := trust.DecodePublicKey(cfg.Cryptography.HostPublicKey); err != nil {
				return fmt.Errorf("cryptography.host_public_key: %w", err)
			}

			rec := resolver.LocalRecord(cfg)
			if rec.Expired(time.Now()) {
				return fmt.Errorf("host key expired at %s", time.Unix(rec.Expires, 0).UTC().Format(time.RFC3339))
			}

			fmt.Printf("%s. IN TXT %q\n", cfg.Instance.Domain, rec.String())
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a host signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := trust.GenerateSigningKeyPair()
			if err != nil {
				return err
			}
			fmt.Printf("host_public_key = %q\n", pub)
			fmt.Printf("host_private_key = %q\n", priv)
			return nil
		},
	}
}
