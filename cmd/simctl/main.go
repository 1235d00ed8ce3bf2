// cmd/simctl/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Corphon/CrisisSimMCP/internal/app"
	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/di"
	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "simctl",
		Short:        "Console client for crisis simulations",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Bool("quiet", false, "Only log warnings and errors to the console")

	rootCmd.AddCommand(
		newPlayCmd(),
		newListCmd(),
		newMediaCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap 与 server 相同的初始化流程
func bootstrap(cmd *cobra.Command) (*app.App, error) {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		utils.GetLogger().SetLogLevel(utils.WARNING)
	}
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

func newPlayCmd() *cobra.Command {
	var (
		maxTurns int
		devMode  bool
		resume   string
	)
	cmd := &cobra.Command{
		Use:   "play [initial direction]",
		Short: "Play a simulation interactively in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			svc, err := a.SimulationService()
			if err != nil {
				return err
			}
			p := &player{
				svc: svc,
				in:  bufio.NewReader(cmd.InOrStdin()),
				out: cmd.OutOrStdout(),
			}
			return p.run(cmd.Context(), strings.Join(args, " "), resume, devMode, maxTurns)
		},
	}
	cmd.Flags().IntVar(&maxTurns, "turns", 0, "Number of turns (0 uses the configured default)")
	cmd.Flags().BoolVar(&devMode, "dev", false, "Show model prompts and completions")
	cmd.Flags().StringVar(&resume, "resume", "", "Continue an existing simulation by id")
	return cmd
}

type player struct {
	svc *services.SimulationService
	in  *bufio.Reader
	out io.Writer
}

func (p *player) run(ctx context.Context, direction, resume string, devMode bool, maxTurns int) error {
	var (
		state *models.SimulationState
		err   error
	)
	if resume != "" {
		state, err = p.svc.GetSimulation(ctx, resume)
		if err != nil {
			return err
		}
		if state == nil {
			return fmt.Errorf("simulation %s not found", resume)
		}
	} else {
		fmt.Fprintln(p.out, "🌍 Generating the first crisis...")
		state, err = p.svc.CreateSimulationWithTurns(ctx, direction, devMode, maxTurns)
		if err != nil {
			return err
		}
		fmt.Fprintf(p.out, "Simulation %s (%d turns)\n", state.SimulationID, state.MaxTurns)
	}

	for {
		p.printTurn(state)
		if state.IsComplete {
			fmt.Fprintln(p.out, "🏁 Simulation complete.")
			return nil
		}

		text, err := p.prompt("Your response (empty to quit): ")
		if err != nil || text == "" {
			fmt.Fprintf(p.out, "Saved. Resume with: simctl play --resume %s\n", state.SimulationID)
			return nil
		}

		fmt.Fprintln(p.out, "⏳ The world reacts...")
		next, err := p.svc.ProcessUserResponse(ctx, state.SimulationID, text)
		if err != nil {
			log.Printf("❌ %v", err)
			continue
		}
		if next == nil {
			return fmt.Errorf("simulation %s disappeared", state.SimulationID)
		}
		state = next
	}
}

func (p *player) prompt(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *player) printTurn(state *models.SimulationState) {
	turn := state.CurrentTurn()
	if turn == nil || turn.SelectedScenario == nil {
		return
	}
	sc := turn.SelectedScenario

	fmt.Fprintf(p.out, "\n=== Turn %d/%d ===\n", turn.TurnNumber, state.MaxTurns)
	fmt.Fprintln(p.out, sc.SituationDescription)
	if sc.IsTerminal() {
		fmt.Fprintf(p.out, "\nGrade: %d/100\n%s\n", *sc.Grade, sc.GradeExplanation)
	} else if turn.UserResponse == nil {
		if sc.UserRole != "" {
			fmt.Fprintf(p.out, "\n%s", sc.UserRole)
		}
		fmt.Fprintf(p.out, "\n%s\n", sc.UserPrompt)
	}
	if turn.VideoURL != "" {
		fmt.Fprintf(p.out, "🎬 %s\n", turn.VideoURL)
	}
	if turn.AudioURL != "" {
		fmt.Fprintf(p.out, "🔊 %s\n", turn.AudioURL)
	}
	if state.DeveloperMode {
		for _, l := range turn.LLMLogs {
			fmt.Fprintf(p.out, "  [%s] %s\n", l.Operation, l.Model)
		}
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored simulations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			svc, err := a.SimulationService()
			if err != nil {
				return err
			}
			states, err := svc.ListSimulations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, st := range states {
				s := st.Summary()
				status := "active"
				if s.IsComplete {
					status = "complete"
				}
				fmt.Fprintf(out, "%s\t%d/%d\t%s\t%s\n", s.SimulationID, s.CurrentTurnNumber, s.MaxTurns, status, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newMediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Manage generated media objects",
	}
	cmd.AddCommand(newMediaCleanupCmd())
	return cmd
}

func newMediaCleanupCmd() *cobra.Command {
	var (
		prefix string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete media objects under a key prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prefix) == "" {
				return fmt.Errorf("--prefix is required")
			}
			a, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			store, err := di.Resolve[storage.ObjectStore](a.GetDIContainer(), di.ServiceMediaStore)
			if err != nil {
				return err
			}
			n, err := cleanupMedia(cmd.Context(), store, prefix, dryRun, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d object(s) removed\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix, e.g. videos/sim_abc")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only print matching keys")
	return cmd
}

func cleanupMedia(ctx context.Context, store storage.ObjectStore, prefix string, dryRun bool, out io.Writer) (int, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	removed := 0
	for _, key := range keys {
		if dryRun {
			fmt.Fprintln(out, key)
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}
