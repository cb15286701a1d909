package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/attune/internal/config"
	"github.com/lazypower/attune/internal/engine"
	"github.com/lazypower/attune/internal/server"
	"github.com/lazypower/attune/internal/store"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Minute,
		"How long a final training run may take on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Data.Dir == "" {
		if cfg.Data.Dir, err = config.DefaultDataDir(); err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.Data.Dir, "attune.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	emb := engine.NewEmbedder(cfg.Embedder, cfg.Model.Dimension)
	eng, err := engine.New(cfg, engine.WithStore(db), engine.WithEmbedder(emb))
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	eng.StartRetentionTimer()

	stats := eng.Stats()
	srv := server.New(db, eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "attune serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  data: %s\n", cfg.Data.Dir)
		fmt.Fprintf(os.Stderr, "  model: dim %d, %d params, version %d\n", stats.Dimension, stats.Params, stats.ModelVersion)
		fmt.Fprintf(os.Stderr, "  embedder: %s\n", emb.Model())
		if stats.BufferSize > 0 {
			fmt.Fprintf(os.Stderr, "  restored %d buffered trajectories\n", stats.BufferSize)
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown: %v\n", err)
	}

	tctx, tcancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer tcancel()
	res, err := eng.Shutdown(tctx)
	if err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	if res != nil {
		fmt.Fprintf(os.Stderr, "  final run: ok=%v samples=%d epochs=%d\n", res.OK, res.Samples, res.Epochs)
	}
	return nil
}
