// Command asr is the one-shot transcription tool: it recognizes single
// files or whole batches in-process, without the daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/runtime"
	"github.com/loqalabs/loqa-asr/internal/service"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'batch' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		os.Exit(runTranscribe(os.Args[2:]))
	case "batch":
		os.Exit(runBatch(os.Args[2:]))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func newService(configPath string, logger *slog.Logger) (*service.Service, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}
	// The one-shot tool never talks to the bus or the daemon's store.
	cfg.Bus.Enabled = false
	cfg.History.Enabled = false

	registry := runtime.NewRegistry(logger)
	svc, err := service.New(cfg, registry, nil, logger)
	if err != nil {
		return nil, cfg, err
	}
	return svc, cfg, nil
}

func runTranscribe(args []string) int {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	engineName := fs.String("engine", "", "Engine to use (default from config)")
	language := fs.String("language", "", "Language hint")
	format := fs.String("format", "text", "Output format: text, json or srt")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: asr transcribe [flags] <file.wav>")
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, _, err := newService(*configPath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := svc.RecognizeFile(ctx, fs.Arg(0), *language, *engineName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := render(os.Stdout, tr, *format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runBatch(args []string) int {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	language := fs.String("language", "", "Language hint")
	format := fs.String("format", "", "Output format: text, json or srt (default from config)")
	outputDir := fs.String("output-dir", "", "Write one output file per input instead of stdout")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: asr batch [flags] <file.wav> [file.wav ...]")
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, cfg, err := newService(*configPath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *format == "" {
		*format = cfg.Batch.OutputFormat
	}
	if *outputDir == "" {
		*outputDir = cfg.Batch.OutputDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	items := svc.RecognizeBatch(ctx, fs.Args(), *language)

	failures := 0
	for _, item := range items {
		if item.Err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "%s: %v\n", item.Path, item.Err)
			continue
		}
		if *outputDir != "" {
			if err := writeOutput(*outputDir, item.Path, item.Transcript, *format); err != nil {
				failures++
				fmt.Fprintf(os.Stderr, "%s: %v\n", item.Path, err)
			}
			continue
		}
		fmt.Printf("== %s\n", item.Path)
		if err := render(os.Stdout, item.Transcript, *format); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	fmt.Fprintf(os.Stderr, "%d succeeded, %d failed\n", len(items)-failures, failures)
	if failures > 0 {
		return 1
	}
	return 0
}

func render(w *os.File, tr *transcript.Transcript, format string) error {
	switch format {
	case "text":
		fmt.Fprintln(w, tr.Text)
	case "srt":
		fmt.Fprint(w, tr.SRT())
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tr)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

func writeOutput(dir, inputPath string, tr *transcript.Transcript, format string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	ext := map[string]string{"text": ".txt", "json": ".json", "srt": ".srt"}[format]
	if ext == "" {
		return fmt.Errorf("unknown output format %q", format)
	}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	out, err := os.Create(filepath.Join(dir, base+ext))
	if err != nil {
		return err
	}
	defer out.Close()
	return render(out, tr, format)
}
