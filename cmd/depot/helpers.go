package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/engine"
	"github.com/mesh-intelligence/depot/internal/metrics"
	"github.com/mesh-intelligence/depot/internal/realtime"
	"github.com/mesh-intelligence/depot/internal/remote/memremote"
	"github.com/mesh-intelligence/depot/internal/remote/pgremote"
	"github.com/mesh-intelligence/depot/internal/sqlite"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// defaultSeedRows is the number of fake parent rows per table the memory
// remote starts with.
const defaultSeedRows = 20

// attachBackend opens the cache in cfg.DataDir. The caller must Detach it.
func attachBackend() (*sqlite.Backend, error) {
	backend := sqlite.NewBackend(sqlite.WithLogger(logger.Named("sqlite")))
	if err := backend.Attach(cfg); err != nil {
		return nil, fmt.Errorf("attach backend: %w", err)
	}
	return backend, nil
}

// remoteConn is an opened remote: the list API, the change transport (nil
// when realtime is off) and, for the memory driver, the remote itself.
type remoteConn struct {
	lister    types.Lister
	transport types.Transport
	mem       *memremote.Remote
	close     func()
}

// openRemote connects to the configured remote. The memory remote is seeded
// with seedRows fake rows per table.
func openRemote(ctx context.Context, seedRows int) (*remoteConn, error) {
	rc := &remoteConn{close: func() {}}

	switch cfg.Remote.Driver {
	case types.RemotePostgres:
		pg, err := pgremote.Open(ctx, cfg.Remote.DSN, logger.Named("pgremote"))
		if err != nil {
			return nil, err
		}
		rc.lister = pg
		rc.close = pg.Close
	default:
		mem := memremote.New(cfg.TableSet())
		if seedRows > 0 {
			if err := mem.Seed(seedRows); err != nil {
				return nil, fmt.Errorf("seed memory remote: %w", err)
			}
		}
		rc.lister = mem
		rc.mem = mem
	}

	switch cfg.Realtime.Driver {
	case types.RealtimeWebsocket:
		rc.transport = realtime.NewWebsocketTransport(cfg.Realtime, logger.Named("websocket"))
	case types.RealtimePostgres:
		rc.transport = realtime.NewPGNotifyTransport(cfg.Realtime, cfg.Remote.DSN, rc.lister, logger.Named("pgnotify"))
	case types.RealtimeMemory:
		if rc.mem != nil {
			rc.transport = rc.mem
		}
	}
	return rc, nil
}

// newEngine wires an engine over backend and rc. A nil rc runs the engine
// against an unreachable remote, which is enough to read the cache and the
// last session.
func newEngine(backend *sqlite.Backend, rc *remoteConn, m *metrics.Metrics) (*engine.Engine, error) {
	deps := engine.Deps{
		Config:  cfg,
		Store:   backend,
		Lister:  offlineLister{},
		Logger:  logger,
		Metrics: m,
	}
	if rc != nil {
		deps.Lister = rc.lister
		deps.Transport = rc.transport
	}
	eng, err := engine.New(deps)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return eng, nil
}

// offlineLister fails every page.
type offlineLister struct{}

func (offlineLister) List(context.Context, types.TableDescriptor, types.Cursor, int) (types.RemotePage, error) {
	return types.RemotePage{}, types.ErrRemoteUnavailable
}

// resolveTables maps table names to descriptors. No names selects every
// table.
func resolveTables(names []string) ([]types.TableDescriptor, error) {
	all := cfg.TableSet()
	if len(names) == 0 {
		return all, nil
	}
	out := make([]types.TableDescriptor, 0, len(names))
	for _, name := range names {
		td, ok := types.LookupTable(all, name)
		if !ok {
			return nil, fmt.Errorf("unknown table %q (valid: %s)", name, strings.Join(types.TableNames(all), ", "))
		}
		out = append(out, td)
	}
	return out, nil
}

// checkTable rejects names outside the catalog with the list of valid ones.
func checkTable(name string) error {
	_, err := resolveTables([]string{name})
	return err
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func logDetach(backend *sqlite.Backend) {
	if err := backend.Detach(); err != nil {
		logger.Warn("detach backend", zap.Error(err))
	}
}
