// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devscope-io/devscope/internal/browser"
	"github.com/devscope-io/devscope/internal/config"
	"github.com/devscope-io/devscope/internal/logbook"
	"github.com/devscope-io/devscope/internal/mcp"
	"github.com/devscope-io/devscope/internal/observability"
	"github.com/devscope-io/devscope/internal/project"
	"github.com/devscope-io/devscope/internal/session"
	"github.com/devscope-io/devscope/internal/supervisor"
)

var (
	cfgFile   string
	debugMode bool
)

// rootCmd is the primary verb: launch the dev server plus a monitored browser
// and merge everything they emit into one chronological log.
var rootCmd = &cobra.Command{
	Use:   "devscope [flags] [-- command ...]",
	Short: "Run a dev server and a monitored browser with one combined log.",
	Long: `devscope wraps your dev-server command, launches a monitored Chrome
instance pointed at it, and merges server output, browser console messages,
network activity and screenshots into a single append-only log. A local MCP
endpoint exposes the log to AI coding agents.

The dev-server command comes after --, e.g.:

  devscope -- npm run dev
  devscope --port 5173 -- pnpm dev
  devscope --servers-only -- make serve`,
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return err
		}

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "devscope"})
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		if debugMode {
			cfg.Logger.Level = "debug"
		}

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("Starting devscope", zap.String("version", Version))
		return nil
	},
	RunE: runSession,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil && logger != zap.NewNop() {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./devscope.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug-level diagnostic logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := rootCmd.Flags()
	flags.Int("port", 3000, "port the dev server listens on")
	flags.Int("mcp-port", 4100, "port for the local MCP/query server")
	flags.String("cwd", "", "directory to run the dev server in (default: current directory)")
	flags.Bool("servers-only", false, "skip the browser entirely; capture server output only")
	flags.Bool("headless", false, "run the monitored browser headless")
	flags.Bool("attach", false, "attach to an already running browser instead of launching one")
	flags.String("browser", "", "path to the browser binary (default: discovered on PATH)")
	flags.Bool("no-screenshots", false, "disable automatic screenshot capture")
	flags.String("timestamp-format", "local", "log timestamp format: local or utc")
	flags.Bool("tail", false, "stream log entries to stdout while the session runs")
	flags.String("log-file", "", "override the derived per-project log file path")

	// Flags override config file and env through viper.
	mustBind := func(key string, flag string) {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	mustBind("server.port", "port")
	mustBind("mcp.port", "mcp-port")
	mustBind("server.cwd", "cwd")
	mustBind("servers_only", "servers-only")
	mustBind("browser.headless", "headless")
	mustBind("browser.attach", "attach")
	mustBind("browser.exec_path", "browser")
	mustBind("log.timestamp_format", "timestamp-format")
	mustBind("tail", "tail")
	mustBind("log.file", "log-file")
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("devscope")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEVSCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars.
	}
	return nil
}

// runSession assembles the session graph and runs it to completion.
func runSession(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()

	cfg, err := config.NewConfigFromViper(viper.GetViper())
	if err != nil {
		return err
	}

	// The dev-server command: everything after --, or the config file's
	// server.command.
	command := strings.TrimSpace(strings.Join(args, " "))
	if command == "" {
		command = cfg.Server.Command
	}
	if command == "" {
		return fmt.Errorf("no dev-server command given; pass it after --, e.g. 'devscope -- npm run dev'")
	}
	noScreens, _ := cmd.Flags().GetBool("no-screenshots")
	if noScreens {
		cfg.Capture.Screenshots = false
	}

	projectDir := cfg.Server.Cwd
	if projectDir == "" {
		projectDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
	}

	sess, err := project.NewSession(projectDir, command, cfg.Server.Port, cfg.MCP.Port)
	if err != nil {
		return err
	}
	if cfg.Log.File != "" {
		sess.LogFile = cfg.Log.File
	}

	mode, err := logbook.ParseTimestampMode(cfg.Log.TimestampFormat)
	if err != nil {
		return err
	}
	book, err := logbook.New(sess.LogFile, mode, logger)
	if err != nil {
		return err
	}

	// The browser profile is shared per project; only one session may own it.
	var ctrl session.BrowserSession
	if !cfg.ServerOnly {
		if err := sess.LockProfile(); err != nil {
			book.Close()
			return err
		}
		defer sess.UnlockProfile()
		ctrl = browser.NewController(cfg.Browser, cfg.Capture, sess, book, logger)
	}

	sup := supervisor.New(cfg.Server, sess, book, logger)

	// The MCP server reports coordinator state, and its shutdown endpoint feeds
	// back into the coordinator; wire both through closures so construction
	// order does not matter.
	var coord *session.Coordinator
	statusFn := func() (string, bool) {
		if coord == nil {
			return string(session.StateInit), false
		}
		return coord.Status()
	}
	shutdownFn := func() {
		if coord != nil {
			coord.RequestShutdown()
		}
	}
	query := mcp.NewServer(cfg.MCP, sess, book, statusFn, shutdownFn, logger)

	coord = session.NewCoordinator(cfg, sess, book, sup, ctrl, query, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	if cfg.Tail {
		g.Go(func() error {
			tailToStdout(gctx, book)
			return nil
		})
	}

	runErr := g.Wait()
	observability.Sync()
	if runErr != nil {
		return runErr
	}
	if code := coord.ExitCode(); code != 0 {
		return fmt.Errorf("session ended with exit code %d", code)
	}
	return nil
}

// tailToStdout mirrors new log entries to stdout. Stdout carries only log
// lines; all diagnostic output goes to stderr.
func tailToStdout(ctx context.Context, book *logbook.Logbook) {
	entries, cancel := book.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			fmt.Println(entry.Line())
		}
	}
}
