package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	port    string
	db      string
	redis   string
	origins string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "roomchat",
		Short: "Roomchat - multi-room WebSocket chat server",
		Long: `Roomchat serves real-time chat over WebSocket: presence, rooms with
history, private messages and typing indicators, plus a small REST API.

Running roomchat without a subcommand is the same as "roomchat serve".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.port, "port", "p", "", "Port to listen on (overrides SERVER_PORT)")
	flags.StringVar(&opts.db, "db", "", "SQLite database path (overrides DATABASE_PATH)")
	flags.StringVar(&opts.redis, "redis", "", "Redis address for the online-set mirror (overrides REDIS_ADDR)")
	flags.StringVar(&opts.origins, "origins", "", "Comma-separated allowed WebSocket origins (overrides ALLOWED_ORIGINS)")

	rootCmd.AddCommand(createServeCmd(&opts))
	rootCmd.AddCommand(createStatusCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the HTTP and WebSocket server. The server runs until interrupted
(Ctrl+C or SIGTERM), then drains connections and closes the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, *opts)
		},
	}
}

func createStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether a server is running",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(*opts)
			url := "http://localhost" + cfg.Port + "/health"
			if !strings.HasPrefix(cfg.Port, ":") {
				url = "http://" + cfg.Port + "/health"
			}

			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				color.Red("No roomchat server found at %s", url)
				os.Exit(1)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				color.Red("Server at %s answered %s", url, resp.Status)
				os.Exit(1)
			}
			color.Green("Roomchat server is running at %s", url)
		},
	}
}

func loadConfig(opts options) server.Config {
	cfg := *server.NewConfigFromEnv()
	if opts.port != "" {
		cfg.Port = opts.port
		if !strings.Contains(cfg.Port, ":") {
			cfg.Port = ":" + cfg.Port
		}
	}
	if opts.db != "" {
		cfg.DatabasePath = opts.db
	}
	if opts.redis != "" {
		cfg.RedisAddr = opts.redis
	}
	if opts.origins != "" {
		cfg.AllowedOrigins = strings.Split(opts.origins, ",")
	}
	return cfg.Sanitized()
}

type closableStore interface {
	server.Store
	Close() error
}

func openStore(ctx context.Context, cfg server.Config) (closableStore, error) {
	sqlStore, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return sqlStore, nil
	}

	client, err := store.DialRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, errors.Join(err, sqlStore.Close())
	}
	presence := store.NewRedisPresence(sqlStore, client, store.DefaultOnlineKey)
	if err := presence.Reset(ctx); err != nil {
		return nil, errors.Join(err, presence.Close())
	}
	return presence, nil
}

func serve(cmd *cobra.Command, opts options) error {
	cfg := loadConfig(opts)
	logger := server.NewLogger(cfg, os.Stderr)

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	srv := server.New(cfg, st, logger)
	go func() {
		if err := srv.Start(); err != nil {
			color.Red("Server error: %v", err)
			os.Exit(1)
		}
	}()

	color.Green("Roomchat listening on %s", cfg.Port)
	color.Cyan("  WebSocket:  ws://localhost%s/ws", cfg.Port)
	color.Cyan("  Test page:  http://localhost%s/test", cfg.Port)
	if cfg.RedisAddr != "" {
		color.Cyan("  Presence mirrored to Redis at %s", cfg.RedisAddr)
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"roomchat": func(ctx context.Context) error {
			color.Yellow("Shutting down...")
			return errors.Join(srv.Shutdown(ctx), st.Close())
		},
	})

	if exitCode := <-wait; exitCode != 0 {
		color.Red("Shutdown completed with exit code %d", exitCode)
		os.Exit(exitCode)
	}
	color.Green("Roomchat stopped gracefully")
	return nil
}
