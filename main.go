package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pdf-translator/internal/app"
	"pdf-translator/internal/pipeline"
)

var (
	cfgFile  string
	outDir   string
	language string
)

var rootCmd = &cobra.Command{
	Use:   "pdf-translator <input.pdf>",
	Short: "Structure-preserving PDF translation into markdown",
	Long: `pdf-translator extracts the layout of a PDF document, translates its
content blocks through an OpenAI-compatible endpoint and assembles a
markdown artifact that keeps headings, formulas, tables and every image
of the original.

Interrupting a run (Ctrl-C) saves its state next to the output; running
the same document again resumes where it stopped.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(app.Options{ConfigPath: cfgFile, TargetLanguage: language})
		if err != nil {
			exitCode = pipeline.ExitConfigError
			return err
		}
		defer a.Close()

		out, err := a.TranslatePDF(cmd.Context(), args[0], outDir)
		if out != nil {
			exitCode = out.ExitCode
			report(cmd, out)
		} else if err != nil {
			exitCode = pipeline.ExitCodeFor(err)
		}
		return err
	},
}

// exitCode carries the pipeline outcome past cobra's error handling
var exitCode int

func report(cmd *cobra.Command, out *pipeline.Outcome) {
	switch {
	case out.Paused:
		fmt.Fprintln(cmd.OutOrStdout(), "run paused, state saved; rerun to resume")
	case out.Output != nil:
		fmt.Fprintf(cmd.OutOrStdout(), "artifact: %s\n", out.Output.MarkdownPath)
	}
	if out.Quarantined > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "quarantined blocks: %d (see the quarantine directory)\n", out.Quarantined)
	}
}

func init() {
	rootCmd.Flags().StringVarP(
		&cfgFile, "config", "c", "", "config file (default: ~/.config/pdf-translator/pdf-translator.yaml)",
	)
	rootCmd.Flags().StringVarP(
		&outDir, "output-dir", "o", "output", "directory for the translated artifacts",
	)
	rootCmd.Flags().StringVarP(
		&language, "target-language", "l", "", "override the configured target language",
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if exitCode == 0 {
			exitCode = pipeline.ExitCodeFor(err)
		}
	}
	os.Exit(exitCode)
}
