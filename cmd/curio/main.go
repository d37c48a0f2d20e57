package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chriskillpack/curio"
	"github.com/chriskillpack/curio/imaging"
	"github.com/chriskillpack/curio/internal/config"
	"golang.org/x/sync/errgroup"
)

var (
	port        = flag.String("port", "", "Port to listen on, overrides PORT")
	dbPath      = flag.String("db", "", "Path to the request ledger database, overrides CURIO_DB")
	noDB        = flag.Bool("no-db", false, "Disable the request ledger")
	llamaServer = flag.String("llama", "", "Address of running llama server, typically http://localhost:8080")
	llamaSeed   = flag.Int("seed", -1, "Random seed to llama, overrides LLAMA_SEED when not negative")
	saveResized = flag.Bool("save-resized", false, "Save images from /resize_image to the Desktop unless CURIO_RESIZE_DIR is set")

	lameduck bool
)

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			os.Exit(1)
		} else {
			fmt.Println("SIGINT received, stopping...")
			lameduck = true
			cancel()
		}
	}
}

// applyFlags overlays command line flags onto the environment configuration.
func applyFlags(cfg *config.Config) error {
	if *port != "" {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *noDB {
		cfg.DBPath = ""
	}
	if *llamaServer != "" {
		// An explicit llama server wins over an OpenAI key in the environment
		cfg.LlamaServer = *llamaServer
		cfg.OpenAIAPIKey = ""
	}
	if *llamaSeed >= 0 {
		cfg.LlamaSeed = *llamaSeed
	}
	if *saveResized && cfg.ResizeDir == "" {
		dir, err := imaging.DefaultDiagnosticDir()
		if err != nil {
			return fmt.Errorf("locating Desktop - %w", err)
		}
		cfg.ResizeDir = dir
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	c, err := curio.Init(ctx, curio.InitOptions{
		OpenAIKey:           cfg.OpenAIAPIKey,
		OpenAIModel:         cfg.OpenAIModel,
		OpenAIBaseURL:       cfg.OpenAIBaseURL,
		OpenAIRatePerMinute: cfg.OpenAIRatePerMinute,
		LlamaServer:         cfg.LlamaServer,
		LlamaSeed:           cfg.LlamaSeed,
		DBPath:              cfg.DBPath,
		ResizeDir:           cfg.ResizeDir,
		Logger:              logger,
		HttpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if !c.Backend().IsHealthy() {
		logger.Printf("warning: %s backend is not responding", c.Backend().Name())
	}
	if cfg.ResizeDir != "" {
		logger.Printf("resized images will be saved to %s", cfg.ResizeDir)
	}

	srv := NewServer(c, ServerOptions{
		Host:           "0.0.0.0",
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Give in-flight analyses time to finish
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

func main() {
	flag.Parse()

	logger := log.New(os.Stderr, "curio ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := applyFlags(cfg); err != nil {
		log.Fatal(err)
	}
	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = "8000"
	}

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	go sighandler(sigch, cancel)

	start := time.Now()
	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal(err)
	}
	logger.Printf("stopped after %s", time.Since(start).Round(time.Second))
}
