// Batch process a directory of PDFs: every *.pdf is translated into the
// output directory, failures are logged and the worst exit code wins.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pdf-translator/internal/app"
	"pdf-translator/internal/pipeline"
)

var (
	inputDir  = flag.String("input", "", "directory containing the PDF files to translate")
	outputDir = flag.String("output", "output", "directory for the translated artifacts")
	configSrc = flag.String("config", "", "config file path")
	language  = flag.String("lang", "", "override the configured target language")
)

func main() {
	flag.Parse()
	if *inputDir == "" {
		fmt.Fprintln(os.Stderr, "usage: batch_process --input <dir> [--output <dir>] [--config <file>] [--lang <code>]")
		os.Exit(pipeline.ExitConfigError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: *configSrc, TargetLanguage: *language})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(pipeline.ExitConfigError)
	}
	defer a.Close()

	code, err := a.TranslateDirectory(ctx, *inputDir, *outputDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(code)
}
