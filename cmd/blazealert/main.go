package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/blazealert/internal/alerting"
	"github.com/good-yellow-bee/blazealert/internal/api"
	"github.com/good-yellow-bee/blazealert/internal/api/auth"
	"github.com/good-yellow-bee/blazealert/internal/api/health"
	"github.com/good-yellow-bee/blazealert/internal/authz"
	"github.com/good-yellow-bee/blazealert/internal/escalation"
	"github.com/good-yellow-bee/blazealert/internal/logging"
	"github.com/good-yellow-bee/blazealert/internal/metrics"
	"github.com/good-yellow-bee/blazealert/internal/models"
	"github.com/good-yellow-bee/blazealert/internal/reason"
	"github.com/good-yellow-bee/blazealert/internal/storage"
	"github.com/good-yellow-bee/blazealert/pkg/config"
)

const jwtSecretEnv = "BLAZEALERT_JWT_SECRET"

var (
	configFile  string
	httpAddr    string
	verbose     bool
	olderThan   time.Duration
	tokenSubj   string
	subjectName string
	subjectRole string
	entityAs    string
)

var rootCmd = &cobra.Command{
	Use:   "blazealert",
	Short: "BlazeAlert - alert lifecycle and escalation engine",
	Long: `BlazeAlert records fired alerts, explains why they fired, and
hands unfixed alerts to the escalation subsystem.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, metrics listener and retention purge",
	RunE:  runServe,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete alerts older than a given age",
	RunE:  runPurge,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API access token for a subject",
	RunE:  runToken,
}

var subjectCmd = &cobra.Command{
	Use:   "subject",
	Short: "Manage subjects",
}

var subjectAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Create a subject",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectAdd,
}

var subjectRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a subject and detach it from action logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectRemove,
}

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage inventory entities",
}

var entityRemoveCmd = &cobra.Command{
	Use:   "remove <kind:id>...",
	Short: "Remove entities together with their alerts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEntityRemove,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := config.GetBuildInfo()
		fmt.Printf("blazealert %s\n", info.Version)
		fmt.Printf("  commit: %s\n", info.Commit)
		fmt.Printf("  built:  %s\n", info.BuildTime)
		fmt.Printf("  go:     %s %s/%s\n", info.GoVersion, info.OS, info.Arch)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	serveCmd.Flags().StringVarP(&httpAddr, "address", "a", "", "HTTP listen address (overrides config)")
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete alerts created before now minus this age (e.g. 720h)")
	_ = purgeCmd.MarkFlagRequired("older-than")
	tokenCmd.Flags().StringVarP(&tokenSubj, "subject", "s", "", "subject id")
	_ = tokenCmd.MarkFlagRequired("subject")
	subjectAddCmd.Flags().StringVar(&subjectName, "name", "", "display name (default: id)")
	subjectAddCmd.Flags().StringVar(&subjectRole, "role", string(models.RoleViewer), "role: admin, operator or viewer")

	entityRemoveCmd.Flags().StringVar(&entityAs, "as", "", "subject the removal is checked against")
	_ = entityRemoveCmd.MarkFlagRequired("as")

	subjectCmd.AddCommand(subjectAddCmd, subjectRemoveCmd)
	entityCmd.AddCommand(entityRemoveCmd)
	rootCmd.AddCommand(serveCmd, purgeCmd, tokenCmd, subjectCmd, entityCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	if configFile == "" {
		return DefaultConfig(), nil
	}
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if cfg.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

// openStore opens and migrates the configured alert store.
func openStore(cfg *Config) (*storage.SQLStorage, error) {
	if cfg.Database.Driver == storage.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	store := storage.New(cfg.StorageConfig())
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

func newManager(cfg *Config, store *storage.SQLStorage, logger *zap.Logger) *alerting.Manager {
	composer := reason.NewComposer(store.Measurements(), store.Resources(), &reason.Options{
		LookupTimeout: duration(cfg.Reasons.LookupTimeout),
		Logger:        logger,
	})
	return alerting.NewManager(store, authz.NewStoreGate(store, logger), composer, &alerting.Options{
		Logger:            logger,
		EscalationWorkers: cfg.Escalation.Workers,
	})
}

func newDispatcher(cfg *Config, logger *zap.Logger) (*escalation.Dispatcher, error) {
	d := escalation.NewDispatcherWithRateLimit(escalation.RateLimitConfig{
		PerSecond: cfg.Escalation.Rate,
		Burst:     cfg.Escalation.Burst,
		Enabled:   true,
	})
	d.Register(escalation.NewLogSink(logger))
	if cfg.Escalation.WebhookURL != "" {
		sink, err := escalation.NewWebhookSink(escalation.WebhookConfig{
			URL:     cfg.Escalation.WebhookURL,
			Timeout: duration(cfg.Escalation.WebhookTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("create webhook sink: %w", err)
		}
		d.Register(sink)
	}
	return d, nil
}

func jwtSecret() ([]byte, error) {
	secret := os.Getenv(jwtSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required", jwtSecretEnv)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("%s must be at least 32 bytes", jwtSecretEnv)
	}
	return []byte(secret), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddress = httpAddr
	}
	cfg.Verbose = verbose

	secret, err := jwtSecret()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	manager := newManager(cfg, store, logger)
	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	srv, err := api.New(&api.Config{
		Address:             cfg.Server.HTTPAddress,
		JWTSecret:           secret,
		TLSEnabled:          cfg.Server.TLS.Enabled,
		TLSCertFile:         cfg.Server.TLS.CertFile,
		TLSKeyFile:          cfg.Server.TLS.KeyFile,
		AccessTokenTTL:      duration(cfg.Server.AccessTokenTTL),
		RateLimitPerSubject: cfg.Server.RateLimitPerSubject,
		QueryTimeout:        duration(cfg.Server.QueryTimeout),
		Verbose:             cfg.Verbose,
	}, manager, dispatcher, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.RegisterHealthChecker(health.NewStorageChecker(cfg.Database.Driver, store))

	metrics.SetBuildInfo(config.Version, config.Commit, config.BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", zap.String("version", config.VersionString()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.Server.MetricsAddress != "off" {
		ms := metrics.NewServer(cfg.Server.MetricsAddress, logger)
		g.Go(ms.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	if maxAge := duration(cfg.Retention.MaxAge); maxAge > 0 {
		interval := duration(cfg.Retention.Interval)
		g.Go(func() error {
			runRetention(ctx, manager, maxAge, interval, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// runRetention purges alerts older than maxAge every interval until ctx
// is done.
func runRetention(ctx context.Context, m *alerting.Manager, maxAge, interval time.Duration, logger *zap.Logger) {
	logger = logger.Named("retention")
	logger.Info("retention purge enabled",
		zap.Duration("max_age", maxAge),
		zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.DeleteAlertsInRange(ctx, time.Time{}, time.Now().Add(-maxAge)); err != nil && ctx.Err() == nil {
			logger.Error("retention purge failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runPurge(cmd *cobra.Command, args []string) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Verbose = verbose
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-olderThan)
	n, err := newManager(cfg, store, logger).DeleteAlertsInRange(cmd.Context(), time.Time{}, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %s alerts created before %s (%s)\n",
		humanize.Comma(n), cutoff.Format(time.RFC3339), humanize.Time(cutoff))
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	secret, err := jwtSecret()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	subject, err := store.Subjects().GetByID(cmd.Context(), tokenSubj)
	if err != nil {
		return fmt.Errorf("get subject: %w", err)
	}
	ttl := duration(cfg.Server.AccessTokenTTL)
	token, err := auth.NewJWTService(secret, ttl).GenerateToken(subject)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Fprintf(os.Stderr, "token for %s (%s), expires in %s\n", subject.ID, subject.Role, ttl)
	fmt.Println(token)
	return nil
}

func runSubjectAdd(cmd *cobra.Command, args []string) error {
	role := models.Role(subjectRole)
	if role != models.RoleAdmin && role != models.RoleOperator && role != models.RoleViewer {
		return fmt.Errorf("invalid role %q", subjectRole)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	name := subjectName
	if name == "" {
		name = args[0]
	}
	if err := store.Subjects().Create(cmd.Context(), &models.Subject{ID: args[0], Name: name, Role: role}); err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	fmt.Printf("created subject %s (%s)\n", args[0], role)
	return nil
}

func runSubjectRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Verbose = verbose
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if err := newManager(cfg, store, logger).HandleSubjectRemoval(ctx, args[0]); err != nil {
		return err
	}
	if err := store.Subjects().Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	fmt.Printf("removed subject %s\n", args[0])
	return nil
}

func runEntityRemove(cmd *cobra.Command, args []string) error {
	entities := make([]models.EntityID, 0, len(args))
	for _, arg := range args {
		e, err := models.ParseEntityID(arg)
		if err != nil {
			return err
		}
		entities = append(entities, e)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Verbose = verbose
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := newManager(cfg, store, logger).RemoveEntities(cmd.Context(), entityAs, entities)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d entities and %s alerts\n", len(entities), humanize.Comma(n))
	return nil
}
