package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/attachments"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/config"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/identity"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/mutation"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/query"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/server"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/syncqueue"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldcare-local",
		Short: "Offline data service for the field care client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the service (empty allows all)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("installation-id-path", defaults.GetString("installation.id_path"), "File holding the installation id")
	cmd.PersistentFlags().String("attachments-dir", defaults.GetString("attachments.dir"), "Directory for cached and captured photos")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("attachments.remote_base_url"), "Authority origin for live photo fetches")
	cmd.PersistentFlags().String("sync-signing-secret", "", "Secret for sync driver tokens (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "installation.id_path", "installation-id-path")
	bindFlag(cmd, "attachments.dir", "attachments-dir")
	bindFlag(cmd, "attachments.remote_base_url", "remote-base-url")
	bindFlag(cmd, "sync.signing_secret", "sync-signing-secret")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var driver string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a sync driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.SyncProtected() {
				return fmt.Errorf("sync.signing_secret is not configured")
			}
			issuer, err := auth.NewIssuer(auth.Config{
				SigningSecret: []byte(appConfig.SyncSigningSecret),
				Issuer:        appConfig.SyncIssuer,
				TokenTTL:      appConfig.SyncTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(driver)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "sync-worker", "Name of the sync driver the token is issued to")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	dataStore, err := store.Open(ctx, appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	changeFeed := changefeed.NewDispatcher()

	ids, err := identity.NewGenerator(identity.Config{
		Path:   appConfig.InstallationIDPath,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	installation, err := ids.Installation()
	if err != nil {
		return err
	}

	queries, err := query.NewEngine(dataStore, logger)
	if err != nil {
		return err
	}

	mutations, err := mutation.NewService(mutation.Config{
		Store:      dataStore,
		IDProvider: ids,
		Clock:      time.Now,
		Publisher:  changeFeed,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	queue, err := syncqueue.New(syncqueue.Config{
		Store:     dataStore,
		Clock:     time.Now,
		Publisher: changeFeed,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	cache, err := attachments.NewCache(attachments.Config{
		Dir:           appConfig.AttachmentsDir,
		RemoteBaseURL: appConfig.RemoteBaseURL,
		IndexSize:     appConfig.AttachmentsIndexSize,
		IndexTTL:      appConfig.AttachmentsIndexTTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var syncTokens *auth.Validator
	if appConfig.SyncProtected() {
		syncTokens, err = auth.NewValidator(auth.Config{
			SigningSecret: []byte(appConfig.SyncSigningSecret),
			Issuer:        appConfig.SyncIssuer,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("sync endpoints are not protected; set sync.signing_secret to require tokens")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queries:           queries,
		Mutations:         mutations,
		SyncQueue:         queue,
		Attachments:       cache,
		ChangeFeed:        changeFeed,
		SyncTokens:        syncTokens,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// Event streams only end when their request context is cancelled.
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return requestCtx },
	}
	httpServer.RegisterOnShutdown(cancelRequests)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("installation", installation.String()),
			zap.Bool("sync_protected", appConfig.SyncProtected()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
