package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-hansik/config"
	"github.com/tsawler/go-hansik/prompt"
)

func newFlagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "x"}
	f := cmd.Flags()
	f.Bool("yes", false, "")
	f.Bool("resume", false, "")
	f.Bool("no-resume", false, "")
	require.NoError(t, f.Parse(args))
	return cmd
}

func TestConfirmer(t *testing.T) {
	tests := []struct {
		name string
		args []string
		kind string
		want bool
	}{
		{"YesAnswersEverything", []string{"--yes"}, "", true},
		{"YesAnswersResume", []string{"--yes"}, "resume", true},
		{"Resume", []string{"--resume"}, "resume", true},
		{"NoResume", []string{"--no-resume"}, "resume", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := confirmer(newFlagCmd(t, tt.args...), tt.kind).Confirm("?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("ResumeFlagDoesNotAnswerOtherQuestions", func(t *testing.T) {
		c := confirmer(newFlagCmd(t, "--resume"), "")
		assert.IsType(t, prompt.Interactive{}, c)
	})
}

func TestAskPathPrefersValue(t *testing.T) {
	got, err := askPath("food_data", "unused")
	require.NoError(t, err)
	assert.Equal(t, "food_data", got)
}

func stubAskText(t *testing.T, answer string) *[]string {
	t.Helper()
	var asked []string
	orig := askText
	askText = func(question string) (string, error) {
		asked = append(asked, question)
		return answer, nil
	}
	t.Cleanup(func() { askText = orig })
	return &asked
}

func TestAskCheckpoint(t *testing.T) {
	cfg := config.Default
	cfg.Checkpoint.Dir = filepath.Join("runs", "centroid")
	best := filepath.Join("runs", "centroid", "best_model.ckpt")

	t.Run("EmptyAnswerUsesBest", func(t *testing.T) {
		asked := stubAskText(t, "  ")
		got, err := askCheckpoint(cfg)
		require.NoError(t, err)
		assert.Equal(t, best, got)
		assert.Equal(t, []string{"Checkpoint path [" + best + "]"}, *asked)
	})

	t.Run("AnswerWins", func(t *testing.T) {
		stubAskText(t, "other.ckpt")
		got, err := askCheckpoint(cfg)
		require.NoError(t, err)
		assert.Equal(t, "other.ckpt", got)
	})

	t.Run("ConfiguredPathSkipsPrompt", func(t *testing.T) {
		asked := stubAskText(t, "ignored")
		c := cfg
		c.Inference.CheckpointPath = "fixed.ckpt"
		got, err := askCheckpoint(c)
		require.NoError(t, err)
		assert.Equal(t, "fixed.ckpt", got)
		assert.Empty(t, *asked)
	})
}

func TestAskPathRequiresAnswer(t *testing.T) {
	stubAskText(t, "")
	_, err := askPath("", "Raw corpus directory")
	assert.Error(t, err)
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"split", "train", "predict", "detect", "serve", "export-onnx", "history"} {
		assert.True(t, names[want], want)
	}
}
