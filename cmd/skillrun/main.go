package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skillrun/skillrun/internal/bus"
	"github.com/skillrun/skillrun/internal/checkpoint"
	"github.com/skillrun/skillrun/internal/display"
	"github.com/skillrun/skillrun/internal/gateway"
	"github.com/skillrun/skillrun/internal/llmclient"
	"github.com/skillrun/skillrun/internal/orchestrator"
)

func main() {
	root := &cobra.Command{
		Use:           "skillrun <skill_path>",
		Short:         "Run a skill through the planner/optimizer/evaluator engine.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().Int("max-retries", 3, "step retry budget before escalating to the operator")
	root.Flags().String("config", "tools_config.yaml", "path to the tool allow-list config")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")

	skillPath, err := resolveSkillPath(args[0])
	if err != nil {
		return err
	}

	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	configPath, _ := cmd.Flags().GetString("config")

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "skillrun")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("skillrun: creating cache dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	var log *slog.Logger
	if err == nil {
		defer logFile.Close()
		log = slog.New(slog.NewTextHandler(logFile, nil))
	} else {
		log = slog.New(slog.DiscardHandler)
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("skillrun: %w", err)
	}

	gw, err := gateway.New(configPath, projectRoot, log)
	if err != nil {
		return fmt.Errorf("skillrun: loading tool config: %w", err)
	}

	ckPath := filepath.Join(cacheDir, "checkpoint.db")
	if err := checkpoint.EnsureDir(ckPath); err != nil {
		return fmt.Errorf("skillrun: %w", err)
	}
	ck, err := checkpoint.Open(ckPath)
	if err != nil {
		return fmt.Errorf("skillrun: %w", err)
	}
	defer ck.Close()

	optimizer := llmclient.NewTier("OPTIMIZER", log)
	evaluator := llmclient.NewTier("EVALUATOR", log)

	b := bus.New(log)
	disp := display.New(b.NewTap())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	go disp.Run(ctx)

	var approver orchestrator.Approver
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: filepath.Join(cacheDir, "history"),
	})
	if err == nil {
		defer rl.Close()
		approver = display.NewCLIApprover(rl)
	} else {
		approver = display.NewCLIApprover(nil)
	}

	orch := orchestrator.New(b, gw, ck, optimizer, evaluator, approver, maxRetries, log)

	threadID := uuid.NewString()
	if err := orch.Run(ctx, skillPath, threadID); err != nil {
		if err == orchestrator.ErrOperatorRejectedPlan {
			fmt.Println("plan rejected, exiting")
			os.Exit(1)
		}
		return err
	}
	return nil
}

// resolveSkillPath accepts either a markdown file directly or a directory
// containing skills.md.
func resolveSkillPath(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("skillrun: %w", err)
	}
	if info.IsDir() {
		candidate := filepath.Join(p, "skills.md")
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("skillrun: no skills.md found under %s", p)
		}
		return candidate, nil
	}
	if !strings.HasSuffix(p, ".md") {
		return "", fmt.Errorf("skillrun: %s is not a markdown skill file", p)
	}
	return p, nil
}
