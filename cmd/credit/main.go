package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/httpapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL    = "database-url"
	flagHTTPListenAddr = "http-listen-addr"
	flagGRPCListenAddr = "grpc-listen-addr"
	flagCatalogPath    = "catalog"
	flagRewardStep     = "reward-step"
	flagStoreBackend   = "store"
	flagAutoMigrate    = "auto-migrate"
	flagUser           = "user"

	configKeyDatabaseURL       = "database_url"
	configKeyHTTPListenAddr    = "http_listen_addr"
	configKeyGRPCListenAddr    = "grpc_listen_addr"
	configKeyCatalogPath       = "catalog_path"
	configKeyRewardStep        = "reward_step"
	configKeyStoreBackend      = "store_backend"
	configKeyAutoMigrate       = "auto_migrate"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookieName = "session_cookie_name"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyInternalToken     = "internal_token"

	defaultDatabaseURL    = "sqlite:///tmp/creditmeter.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"

	storeBackendPGX  = "pgx"
	storeBackendGORM = "gorm"
)

type runtimeConfig struct {
	DatabaseURL    string
	HTTPListenAddr string
	GRPCListenAddr string
	CatalogPath    string
	RewardStep     int64
	StoreBackend   string
	AutoMigrate    bool
	HTTP           httpapi.Config
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditmeter: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "creditmeter",
		Short:         "Prepaid usage credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or sqlite path")
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address")
	flags.String(flagCatalogPath, "", "billable action and prize catalog (TOML); embedded defaults when empty")
	flags.Int64(flagRewardStep, 0, "credits spent between reward thresholds; catalog value when zero")
	flags.String(flagStoreBackend, storeBackendPGX, "postgres store implementation: pgx or gorm")
	flags.Bool(flagAutoMigrate, true, "apply postgres migrations on startup")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, cfg)
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify one user's balance against the transaction history",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := cmd.Flags().GetString(flagUser)
			if err != nil {
				return err
			}
			return runReconcile(cmd, cfg, userID)
		},
	}
	reconcileCmd.Flags().String(flagUser, "", "user id to reconcile")
	_ = reconcileCmd.MarkFlagRequired(flagUser)

	cmd.AddCommand(serveCmd, migrateCmd, reconcileCmd)
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyHTTPListenAddr:    "HTTP_LISTEN_ADDR",
		configKeyGRPCListenAddr:    "GRPC_LISTEN_ADDR",
		configKeyCatalogPath:       "CATALOG_PATH",
		configKeyRewardStep:        "REWARD_STEP",
		configKeyStoreBackend:      "STORE_BACKEND",
		configKeyAutoMigrate:       "AUTO_MIGRATE",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookieName: "SESSION_COOKIE_NAME",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyInternalToken:     "INTERNAL_TOKEN",
	}
	for key, env := range envBindings {
		if err := settings.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyHTTPListenAddr: flagHTTPListenAddr,
		configKeyGRPCListenAddr: flagGRPCListenAddr,
		configKeyCatalogPath:    flagCatalogPath,
		configKeyRewardStep:     flagRewardStep,
		configKeyStoreBackend:   flagStoreBackend,
		configKeyAutoMigrate:    flagAutoMigrate,
	}
	for key, flag := range flagBindings {
		if err := settings.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(configKeyDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.HTTPListenAddr = strings.TrimSpace(settings.GetString(configKeyHTTPListenAddr))
	if cfg.HTTPListenAddr == "" {
		cfg.HTTPListenAddr = defaultHTTPListenAddr
	}
	cfg.GRPCListenAddr = strings.TrimSpace(settings.GetString(configKeyGRPCListenAddr))
	if cfg.GRPCListenAddr == "" {
		cfg.GRPCListenAddr = defaultGRPCListenAddr
	}
	cfg.CatalogPath = strings.TrimSpace(settings.GetString(configKeyCatalogPath))
	cfg.RewardStep = settings.GetInt64(configKeyRewardStep)
	if cfg.RewardStep < 0 {
		return fmt.Errorf("reward step must not be negative")
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(settings.GetString(configKeyStoreBackend)))
	if cfg.StoreBackend != storeBackendPGX && cfg.StoreBackend != storeBackendGORM {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	cfg.AutoMigrate = settings.GetBool(configKeyAutoMigrate)

	cfg.HTTP = httpapi.Config{
		ListenAddr:        cfg.HTTPListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(settings.GetString(configKeyAllowedOrigins)),
		SessionSigningKey: settings.GetString(configKeySessionSigningKey),
		SessionIssuer:     settings.GetString(configKeySessionIssuer),
		SessionCookieName: settings.GetString(configKeySessionCookieName),
		InternalToken:     settings.GetString(configKeyInternalToken),
	}
	return nil
}
