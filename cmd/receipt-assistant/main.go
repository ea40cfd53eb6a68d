package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-assistant/internal/chat"
	"github.com/zombor/receipt-assistant/internal/imaging"
	"github.com/zombor/receipt-assistant/internal/llm"
	"github.com/zombor/receipt-assistant/internal/ocr"
	"github.com/zombor/receipt-assistant/internal/receipt"
	"github.com/zombor/receipt-assistant/internal/server"
	"github.com/zombor/receipt-assistant/internal/worker"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-assistant")
	var (
		addr        = fs.StringLong("addr", ":8080", "HTTP listen address")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		exportDir   = fs.StringLong("export-dir", "./exports", "Directory for exported workbooks")
		archiveDB   = fs.StringLong("archive-db", "", "Archive exported records to this bbolt file (optional)")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logJSON     = fs.BoolLong("log-json", "Log as JSON")
		_           = fs.StringLong("config", "", "Config file (optional)")
		showVersion = fs.BoolLong("version", "Show version information")

		credits       = fs.IntLong("credits", 500, "Starting credit balance")
		tolerance     = fs.Float64Long("tolerance", receipt.DefaultTolerance, "Allowed difference between item sum and total, as a fraction of the total")
		epsilon       = fs.Float64Long("tolerance-epsilon", receipt.DefaultEpsilon, "Minimum allowed difference, in currency units")
		lowConfidence = fs.Float64Long("low-confidence", 0.4, "Flag lines recognized below this confidence")
		window        = fs.IntLong("history-window", chat.DefaultWindow, "Chat turns sent as context")
		workers       = fs.IntLong("workers", 2, "Receipts processed at once")
		queueSize     = fs.IntLong("queue-size", 16, "Receipts waiting before uploads block")

		tesseract   = fs.StringLong("tesseract", "tesseract", "Tesseract binary")
		ocrLang     = fs.StringLong("ocr-lang", "eng", "Tesseract language")
		tessdataDir = fs.StringLong("tessdata-dir", "", "Tesseract data directory (optional)")

		fastProvider    = fs.StringLong("fast-provider", "groq", "Fast tier provider: groq, anthropic or gemini")
		fastKey         = fs.StringLong("fast-key", "", "Fast tier API key")
		fastModel       = fs.StringLong("fast-model", "llama-3.1-8b-instant", "Fast tier model")
		fastURL         = fs.StringLong("fast-url", "", "Fast tier base URL (defaults to Groq)")
		fastCost        = fs.IntLong("fast-cost", 100, "Credits per fast tier call")
		fastConcurrency = fs.IntLong("fast-concurrency", 2, "Concurrent fast tier calls")
		fastRPS         = fs.Float64Long("fast-rps", 0, "Fast tier requests per second (0 = unlimited)")

		cloudProvider    = fs.StringLong("cloud-provider", "ollama", "Cloud tier provider: ollama, gemini or anthropic")
		cloudURL         = fs.StringLong("cloud-url", "", "Cloud tier base URL")
		cloudKey         = fs.StringLong("cloud-key", "", "Cloud tier API key")
		cloudModel       = fs.StringLong("cloud-model", "gemma3:27b", "Cloud tier model")
		cloudIDToken     = fs.BoolLong("cloud-id-token", "Authenticate to the cloud tier with a Google ID token")
		cloudCost        = fs.IntLong("cloud-cost", 10, "Credits per cloud tier call")
		cloudConcurrency = fs.IntLong("cloud-concurrency", 2, "Concurrent cloud tier calls")

		localURL         = fs.StringLong("local-url", "http://localhost:11434", "Local Ollama base URL")
		localModel       = fs.StringLong("local-model", "llama3.2", "Local tier model")
		localCost        = fs.IntLong("local-cost", 0, "Credits per local tier call")
		localConcurrency = fs.IntLong("local-concurrency", 1, "Concurrent local tier calls")

		tierTimeout = fs.DurationLong("tier-timeout", 60*time.Second, "Timeout for a single model call")
		cooldown    = fs.DurationLong("cooldown", 30*time.Second, "How long a failing tier is skipped")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_ASSISTANT"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithConfigAllowMissingFile(),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	setupLogging(*logLevel, *logJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize model tiers
	backends := []struct {
		tier        llm.Tier
		cfg         llm.BackendConfig
		cost        int64
		concurrency int
		rps         float64
	}{
		{llm.Fast, llm.BackendConfig{Provider: *fastProvider, URL: *fastURL, APIKey: *fastKey, Model: *fastModel, Timeout: *tierTimeout}, int64(*fastCost), *fastConcurrency, *fastRPS},
		{llm.CloudHosted, llm.BackendConfig{Provider: *cloudProvider, URL: *cloudURL, APIKey: *cloudKey, Model: *cloudModel, IDToken: *cloudIDToken, Timeout: *tierTimeout}, int64(*cloudCost), *cloudConcurrency, 0},
		{llm.Local, llm.BackendConfig{Provider: "ollama", URL: *localURL, Model: *localModel, Timeout: *tierTimeout}, int64(*localCost), *localConcurrency, 0},
	}

	var tiers []llm.TierConfig
	for _, b := range backends {
		invoker, err := llm.NewBackend(ctx, b.cfg)
		if err != nil {
			slog.Warn("Tier disabled", "tier", b.tier, "provider", b.cfg.Provider, "error", err)
			continue
		}
		slog.Info("Tier configured", "tier", b.tier, "provider", b.cfg.Provider, "model", b.cfg.Model, "cost", b.cost)
		tiers = append(tiers, llm.TierConfig{
			Tier:              b.tier,
			Invoker:           invoker,
			Cost:              b.cost,
			MaxConcurrent:     b.concurrency,
			Timeout:           *tierTimeout,
			RequestsPerSecond: b.rps,
		})
	}

	ledger := llm.NewLedger(int64(*credits))
	router, err := llm.NewRouter(ledger, tiers,
		llm.WithCooldown(*cooldown),
		llm.WithTimeout(*tierTimeout),
	)
	if err != nil {
		slog.Error("Failed to initialize model router", "error", err)
		os.Exit(1)
	}
	defer router.Close()

	// Initialize pipeline
	recognizer := ocr.NewRecognizer(
		ocr.WithBinary(*tesseract),
		ocr.WithTessdataDir(*tessdataDir),
		ocr.WithLowConfidence(*lowConfidence),
	)
	pipeline := receipt.NewPipeline(
		imaging.NewNormalizer(),
		recognizer,
		receipt.NewStructurer(router),
		receipt.NewValidator(
			receipt.WithTolerance(*tolerance),
			receipt.WithEpsilon(*epsilon),
			receipt.WithLowConfidence(*lowConfidence),
		),
		receipt.WithLanguage(*ocrLang),
	)

	// Initialize storage
	slog.Info("Initializing export storage...", "dir", *exportDir)
	store, err := receipt.NewLocalStorage(*exportDir)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	deps := server.Deps{
		Processor: pipeline,
		Records:   receipt.NewRecords(),
		Chat:      chat.NewSession(router, chat.WithWindow(*window)),
		Ledger:    ledger,
		Tiers:     router,
		Exporter:  receipt.NewXLSXExporter(store),
		Exports:   store,
	}

	if *archiveDB != "" {
		slog.Info("Initializing archive...", "path", *archiveDB)
		archive, err := receipt.NewBoltArchive(*archiveDB)
		if err != nil {
			slog.Error("Failed to initialize archive", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		deps.Archive = archive
	}

	pool := worker.NewPool(
		worker.WithWorkers(*workers),
		worker.WithQueueSize(*queueSize),
	)
	deps.Pool = pool

	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(deps, basicAuth)
	go srv.Consume(pool.Events())

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := srv.Start(ctx, *addr); err != nil {
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Receipts still processing were cancelled", "error", err)
	}
}

func setupLogging(level string, asJSON bool) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
