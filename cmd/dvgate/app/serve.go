package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dvgate/dvgate/pkg/api"
	"github.com/dvgate/dvgate/pkg/auth/authz"
	"github.com/dvgate/dvgate/pkg/auth/oidc"
	"github.com/dvgate/dvgate/pkg/auth/token"
	"github.com/dvgate/dvgate/pkg/config"
	"github.com/dvgate/dvgate/pkg/dataverse"
	"github.com/dvgate/dvgate/pkg/logger"
	"github.com/dvgate/dvgate/pkg/resolver"
	"github.com/dvgate/dvgate/pkg/resolver/obo"
	"github.com/dvgate/dvgate/pkg/resolver/s2s"
	"github.com/dvgate/dvgate/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	Long: `Start the gateway server. Incoming requests are authenticated against the
configured Entra ID tenant and executed against the Dataverse environment as
the resolved downstream identity.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", config.DefaultAddress, "Address to listen on")
	serveCmd.Flags().String("tenant-id", "", "Entra ID tenant id")
	serveCmd.Flags().String("client-id", "", "Gateway app registration client id")
	serveCmd.Flags().String("client-secret", "", "Gateway app registration client secret")
	serveCmd.Flags().String("dataverse-url", "", "Dataverse environment URL")
	serveCmd.Flags().StringSlice("accepted-scopes", nil, "Delegated scopes accepted by the gateway")
	serveCmd.Flags().StringSlice("accepted-roles", nil, "Application roles accepted by the gateway")

	for _, name := range []string{
		"address", "tenant-id", "client-id", "client-secret",
		"dataverse-url", "accepted-scopes", "accepted-roles",
	} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	metadata, err := oidc.NewCache(oidc.CacheConfig{
		MetadataURL:  cfg.MetadataEndpoint(),
		TTL:          cfg.MetadataTTL,
		StaleCeiling: cfg.MetadataStaleCeiling,
		FetchTimeout: cfg.MetadataTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata cache: %w", err)
	}

	validator := token.NewValidator(metadata, token.ValidatorConfig{
		Issuers:   cfg.Issuers(),
		Audiences: cfg.Audiences(),
		ClockSkew: cfg.ClockSkew,
	})

	exchanger, err := obo.NewExchanger(obo.Config{
		TokenURL:     cfg.TokenEndpoint(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{cfg.DownstreamScope()},
		Timeout:      cfg.ExchangeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create token exchanger: %w", err)
	}

	serviceConn := dataverse.NewClientCredentialsConnection(dataverse.ConnectionConfig{
		BaseURL:      cfg.DataverseURL,
		TokenURL:     cfg.TokenEndpoint(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.DownstreamTimeout,
	})

	metrics := telemetry.NewMetrics()

	identities, err := resolver.NewRouter(resolver.RouterConfig{
		Exchanger:         exchanger,
		Applications:      s2s.NewResolver(serviceConn, cfg.IdentityCacheTTL),
		ServiceConnection: serviceConn,
		DataverseURL:      cfg.DataverseURL,
		DownstreamTimeout: cfg.DownstreamTimeout,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity resolver: %w", err)
	}

	logger.Infof("Gateway for %s, tenant %s", cfg.DataverseURL, cfg.TenantID)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return api.Serve(ctx, cfg.Address, api.Deps{
		Validator:  validator,
		Authorizer: authz.New(cfg.AcceptedScopes, cfg.AcceptedRoles),
		Identities: identities,
		Metrics:    metrics,
	})
}
