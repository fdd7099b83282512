package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/api"
	"github.com/mesh-intelligence/depot/internal/metrics"
	"github.com/mesh-intelligence/depot/internal/remote/fixture"
	"github.com/mesh-intelligence/depot/internal/remote/memremote"
	"github.com/mesh-intelligence/depot/pkg/types"
)

const shutdownTimeout = 10 * time.Second

var (
	flagServeAddr     string
	flagServeSeedRows int
	flagServeChurn    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the HTTP API",
	Long: `Serve attaches the cache, starts a startup resync and the realtime
subscriber, and serves the status and query API until interrupted.

With the memory remote, --churn makes periodic changes on the remote so the
realtime path can be watched end to end.

Example:
  depot serve --addr :8470
  depot serve --churn 2s`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "listen address (default: http.addr from config)")
	serveCmd.Flags().IntVar(&flagServeSeedRows, "seed-rows", defaultSeedRows, "rows per table for the memory remote")
	serveCmd.Flags().DurationVar(&flagServeChurn, "churn", 0, "interval between demo changes on the memory remote (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.HTTP.Addr
	if flagServeAddr != "" {
		addr = flagServeAddr
	}

	backend, err := attachBackend()
	if err != nil {
		return sysErr(err)
	}
	defer logDetach(backend)

	rc, err := openRemote(ctx, flagServeSeedRows)
	if err != nil {
		return sysErr(err)
	}
	defer rc.close()

	m := metrics.New()
	eng, err := newEngine(backend, rc, m)
	if err != nil {
		return sysErr(err)
	}
	eng.Start(ctx)
	defer eng.Stop()

	if rc.mem != nil && flagServeChurn > 0 {
		go churn(ctx, rc.mem, flagServeChurn)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(eng, m.Handler(), logger.Named("api")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return sysErr(fmt.Errorf("http server: %w", err))
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// churn inserts, updates and removes rows on the memory remote until ctx is
// done. Every third tick removes the row inserted two ticks earlier.
func churn(ctx context.Context, mem *memremote.Remote, every time.Duration) {
	tables := []string{types.TableStores, types.TableProducts, types.TableSalesReps}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		table := tables[n%len(tables)]
		key := fmt.Sprintf("demo-%d", n)
		var err error
		if n%3 == 2 {
			prev := tables[(n-2)%len(tables)]
			_, err = mem.Remove(prev, fmt.Sprintf("demo-%d", n-2))
		} else {
			_, err = mem.PutValue(table, key, fixture.Row(table, key, nil))
		}
		if err != nil {
			logger.Debug("demo change", zap.Error(err))
		}
	}
}
