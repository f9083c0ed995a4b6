package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signment/internal/bot"
	"signment/internal/cache"
	"signment/internal/config"
	"signment/internal/geocode"
	"signment/internal/logging"
	"signment/internal/notify"
	"signment/internal/recaptcha"
	"signment/internal/server"
	"signment/internal/simulator"
	"signment/internal/store"
	"signment/internal/supervisor"
)

var (
	// Global flags
	cfgPath string
	envFile string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "signment",
	Short: "Signment - shipment tracking simulator",
	Long: `Signment simulates parcel tracking end to end: a web tier with a
live tracking page, a status simulation engine, email and webhook
notifications, and a Telegram bot for administration.

The processes are declared in a Procfile and run together with
"signment start", or individually with serve, bot and worker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env first so it can feed the config overrides.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.Setup(level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// serveCmd runs the web tier.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracking web server",
	Long: `Serves the tracking page, the tracking API, the websocket feed and
the health and metrics endpoints. Simulations for active shipments are
resumed on startup. Without a Redis URL the notification worker runs
embedded, since the in-process queue is not visible to other
processes.`,
	RunE: runServe,
}

// botCmd runs the Telegram admin bot.
var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Telegram admin bot",
	RunE:  runBot,
}

// workerCmd runs the notification worker.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the notification worker",
	RunE:  runWorker,
}

// startCmd supervises the whole Procfile.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run every process from the Procfile",
	Long: `Starts all declared processes with shared environment and prefixed
output. When any process exits, the rest are stopped, matching Procfile
process manager behavior.`,
	RunE: runStart,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

var (
	procfilePath string
	watchFiles   bool
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to env file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	startCmd.Flags().StringVarP(&procfilePath, "procfile", "f", "Procfile", "Path to Procfile")
	startCmd.Flags().BoolVar(&watchFiles, "watch", false, "Restart processes when Procfile or env file change")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(botCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// signalCtx cancels on SIGINT or SIGTERM.
func signalCtx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	ctx, stop := signalCtx()
	defer stop()

	log := logging.Named(logging.ComponentWeb)

	st, err := store.Open(ctx, cfg.Database.URL, logging.Named(logging.ComponentStore))
	if err != nil {
		return err
	}
	defer st.Close()

	c := cache.New(ctx, cfg.Redis.URL, logging.Named(logging.ComponentCache))
	defer c.Close()

	sim := simulator.New(cfg, st, c, nil, logging.Named(logging.ComponentSimulator))

	deps := server.Deps{
		Store:     st,
		Cache:     c,
		Simulator: sim,
		Geocoder:  geocode.New(cfg.Geocoding, c, log),
		Recaptcha: recaptcha.New(cfg, log),
	}

	smtp := notify.NewSMTPSender(cfg.SMTP, logging.Named(logging.ComponentNotify))
	deps.SMTPCheck = smtp.HealthCheck

	// The bot is only constructed here for webhook delivery and the
	// health probe; polling mode lives in the bot process.
	var tgBot *bot.Bot
	if cfg.Telegram.BotToken != "" {
		tgBot, err = bot.New(cfg, st, c, sim, logging.Named(logging.ComponentBot))
		if err != nil {
			log.Warn("telegram bot unavailable", zap.Error(err))
		} else {
			deps.TelegramCheck = tgBot.HealthCheck
			if cfg.Telegram.WebhookURL != "" {
				deps.TelegramWebhook = tgBot.WebhookHandler()
			}
		}
	}

	srv, err := server.New(cfg, deps, log)
	if err != nil {
		return err
	}
	sim.SetPublisher(srv)

	if err := sim.RestartActive(ctx); err != nil {
		log.Warn("failed to resume simulations", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if tgBot != nil && cfg.Telegram.WebhookURL != "" {
		g.Go(func() error { return ignoreCancel(tgBot.Run(gctx)) })
	}
	if c.Backend() == "memory" {
		worker := notify.NewWorker(cfg, c, smtp, notify.NewWebhookSender(),
			logging.Named(logging.ComponentWorker))
		g.Go(func() error { return ignoreCancel(worker.Run(gctx)) })
	}

	return ignoreCancel(g.Wait())
}

func runBot(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateBot(); err != nil {
		return err
	}
	ctx, stop := signalCtx()
	defer stop()

	st, err := store.Open(ctx, cfg.Database.URL, logging.Named(logging.ComponentStore))
	if err != nil {
		return err
	}
	defer st.Close()

	c := cache.New(ctx, cfg.Redis.URL, logging.Named(logging.ComponentCache))
	defer c.Close()

	sim := simulator.New(cfg, st, c, nil, logging.Named(logging.ComponentSimulator))

	b, err := bot.New(cfg, st, c, sim, logging.Named(logging.ComponentBot))
	if err != nil {
		return err
	}

	err = ignoreCancel(b.Run(ctx))
	sim.Wait()
	return err
}

func runWorker(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	ctx, stop := signalCtx()
	defer stop()

	c := cache.New(ctx, cfg.Redis.URL, logging.Named(logging.ComponentCache))
	defer c.Close()

	worker := notify.NewWorker(cfg, c,
		notify.NewSMTPSender(cfg.SMTP, logging.Named(logging.ComponentNotify)),
		notify.NewWebhookSender(),
		logging.Named(logging.ComponentWorker))
	return ignoreCancel(worker.Run(ctx))
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, stop := signalCtx()
	defer stop()

	sup := supervisor.New(procfilePath, supervisor.Options{
		EnvFile: envFile,
		Watch:   watchFiles,
	}, logging.Named(logging.ComponentSupervisor))
	return ignoreCancel(sup.Run(ctx))
}

// ignoreCancel maps context cancellation, the normal shutdown path, to
// a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
