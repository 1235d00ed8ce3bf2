// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Corphon/CrisisSimMCP/internal/app"
	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/mcp"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "crisissim",
		Short: "Absurd global crisis simulation server",
		Long: `crisissim runs turn-based crisis simulations.

Each turn is generated by a language model and illustrated with
a short video and narration. Serve it over HTTP/WebSocket or as an
MCP tool server over stdio.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout 属于 MCP 协议
			utils.GetLogger().SetConsole(os.Stderr)

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Cleanup()

			simulations, err := a.SimulationService()
			if err != nil {
				return err
			}
			server, err := mcp.NewServer(mcp.Config{Name: "crisissim", Version: version}, simulations)
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crisissim version %s\n", version)
		},
	}
}

// bootstrap 加载配置并初始化所有服务
func bootstrap() (*app.App, error) {
	baseConfig, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		return nil, fmt.Errorf("init config: %w", err)
	}
	if err := app.InitServices(); err != nil {
		return nil, fmt.Errorf("init services: %w", err)
	}
	return app.GetApp(), nil
}

func runServe(ctx context.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Cleanup()

	cfg := a.GetConfig()
	utils.GetLogger().Info("Starting crisissim", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
		"store":   cfg.StoreBackend,
		"pathway": cfg.MediaPathway,
	})
	return a.Run(ctx)
}
