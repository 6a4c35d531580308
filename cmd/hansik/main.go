// Command hansik splits a Korean food photo corpus, trains a classifier on
// it and serves predictions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/checkpoints"
	"github.com/tsawler/go-hansik/config"
	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/prompt"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	cfg config.Config
	log *zap.Logger
}

var current app

var rootCmd = &cobra.Command{
	Use:           "hansik",
	Short:         "Korean food image classification pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg, err := config.Load(cmd, cwd)
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}
		current = app{cfg: cfg, log: log}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if current.log != nil {
			_ = current.log.Sync()
		}
	},
}

func init() {
	config.InitFlags(rootCmd)
	f := rootCmd.PersistentFlags()
	f.BoolP("yes", "y", false, "Answer yes to every confirmation.")
	f.Bool("resume", false, "Resume from the latest checkpoint without asking.")
	f.Bool("no-resume", false, "Start a fresh run without asking.")
	rootCmd.MarkFlagsMutuallyExclusive("resume", "no-resume")

	rootCmd.AddCommand(splitCmd, trainCmd, predictCmd, detectCmd, serveCmd, exportCmd, historyCmd)
}

// confirmer picks the answer source for a question. kind is "resume" for
// the trainer's resume question and "" for everything else.
func confirmer(cmd *cobra.Command, kind string) prompt.Confirmer {
	flags := cmd.Flags()
	if yes, _ := flags.GetBool("yes"); yes {
		return prompt.Always(true)
	}
	if kind == "resume" {
		if v, _ := flags.GetBool("resume"); v {
			return prompt.Always(true)
		}
		if v, _ := flags.GetBool("no-resume"); v {
			return prompt.Always(false)
		}
	}
	return prompt.Interactive{}
}

// askPath returns value, or asks for it when empty.
// askText reads one line of interactive input.
var askText = func(question string) (string, error) {
	return pterm.DefaultInteractiveTextInput.Show(question)
}

func askPath(value, question string) (string, error) {
	return askPathOr(value, "", question)
}

// askPathOr prompts when value is empty. An empty answer selects fallback
// when there is one.
func askPathOr(value, fallback, question string) (string, error) {
	if value != "" {
		return value, nil
	}
	if fallback != "" {
		question = fmt.Sprintf("%s [%s]", question, fallback)
	}
	answer, err := askText(question)
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer != "" {
		return answer, nil
	}
	if fallback == "" {
		return "", fmt.Errorf("%s: no value given", question)
	}
	return fallback, nil
}

// askCheckpoint resolves the checkpoint used by inference commands. Without
// a configured path it prompts, defaulting to the best checkpoint of the
// training directory.
func askCheckpoint(cfg config.Config) (string, error) {
	return askPathOr(cfg.Inference.CheckpointPath, filepath.Join(cfg.CheckpointDir(), checkpoints.BestFile), "Checkpoint path")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			pterm.Warning.Println("Interrupted")
		} else {
			pterm.Error.Println(err)
		}
		os.Exit(1)
	}
}
