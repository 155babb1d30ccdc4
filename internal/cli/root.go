// Package cli provides the command-line interface for the chain
// streaming service.
package cli

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chainview/internal/config"
	"chainview/internal/logging"
	"chainview/internal/openalgo"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-08-28"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "chainview",
		Short: "Chainview - real-time option chain streaming service",
		Long: `Chainview aggregates live option quotes from an OpenAlgo upstream
into a consistent option-chain view and fans it out to WebSocket
subscribers.

Use 'chainview serve' to start the service.
Use 'chainview help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/chainview)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newExpiryCmd(app))
	rootCmd.AddCommand(newQuoteCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Chainview v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Upstream")
	output.Printf("  Host:            %s\n", cfg.Upstream.Host)
	output.Printf("  WebSocket URL:   %s\n", cfg.Upstream.WebSocketURL)
	output.Printf("  Request Timeout: %s\n", cfg.Upstream.RequestTimeout)
	output.Println()

	output.Bold("Chain")
	output.Printf("  Default Underlying: %s\n", cfg.Chain.DefaultUnderlying)
	output.Printf("  Strike Window:      %d\n", cfg.Chain.StrikeWindow)
	output.Printf("  Expiry TTL:         %s\n", cfg.Chain.ExpiryTTL)
	output.Println()

	output.Bold("Publish")
	output.Printf("  Min Interval:  %s\n", cfg.Publish.MinInterval)
	output.Printf("  Queue Size:    %d\n", cfg.Publish.QueueSize)
	output.Printf("  Idle Timeout:  %s\n", cfg.Publish.IdleTimeout)
	output.Println()

	output.Bold("Server")
	output.Printf("  Listen Addr: %s\n", cfg.Server.Addr)

	return nil
}

// newExpiryCmd fetches expiry dates for an underlying over REST,
// bypassing the service cache. Useful for checking upstream health.
func newExpiryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "expiry <underlying>",
		Short: "List expiry dates for an underlying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			client := openalgo.New(openalgo.Config{
				Host:    app.Config.Upstream.Host,
				APIKey:  app.Config.Upstream.APIKey,
				Timeout: app.Config.Upstream.RequestTimeout,
			}, app.Logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			dates, err := client.Expiry(ctx, args[0])
			if err != nil {
				output.Error("Expiry lookup failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"underlying": args[0], "expiries": dates})
			}
			table := NewTable(output, "#", "EXPIRY")
			for i, d := range dates {
				table.AddRow(strconv.Itoa(i+1), d)
			}
			table.Render()
			return nil
		},
	}
}

// newQuoteCmd fetches a spot quote for an underlying.
func newQuoteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quote <underlying>",
		Short: "Fetch the spot quote for an underlying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			client := openalgo.New(openalgo.Config{
				Host:    app.Config.Upstream.Host,
				APIKey:  app.Config.Upstream.APIKey,
				Timeout: app.Config.Upstream.RequestTimeout,
			}, app.Logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			quote, err := client.Quote(ctx, args[0])
			if err != nil {
				output.Error("Quote failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(quote)
			}
			output.Bold(args[0])
			output.Printf("  LTP: %.2f\n", quote.LTP)
			output.Printf("  Bid: %.2f\n", quote.Bid)
			output.Printf("  Ask: %.2f\n", quote.Ask)
			return nil
		},
	}
}
