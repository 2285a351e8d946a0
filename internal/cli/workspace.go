package cli

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/recsync/internal/compiler"
	"github.com/roach88/recsync/internal/config"
	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/connector/local"
	"github.com/roach88/recsync/internal/connector/memory"
	"github.com/roach88/recsync/internal/connector/rediskv"
	"github.com/roach88/recsync/internal/engine"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/store"
)

// defsMode says whether a command needs the definitions directory.
type defsMode int

const (
	defsNone     defsMode = iota // store only
	defsOptional                 // declare doctypes when the directory exists
	defsRequired                 // fail when the directory is missing or invalid
)

// workspace is the store, definitions and connectors one command works on.
type workspace struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	store    *store.Store
	defs     *ir.Definitions
	registry *connector.Registry
}

// openWorkspace opens the configured database and, depending on mode,
// loads definitions and declares their doctypes in the store.
func openWorkspace(ctx context.Context, opts *RootOptions, cmd *cobra.Command, mode defsMode) (*workspace, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}
	log, err := opts.Logger(cmd)
	if err != nil {
		return nil, err
	}

	ws := &workspace{cfg: cfg, log: log, defs: ir.NewDefinitions()}

	if mode != defsNone {
		_, statErr := os.Stat(cfg.Definitions.Dir)
		if mode == defsRequired || statErr == nil {
			defs, err := loadDefinitions(cfg.Definitions.Dir)
			if err != nil {
				return nil, err
			}
			ws.defs = defs
		}
	}

	log.Debugw("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	ws.store = st

	for _, name := range sortedKeys(ws.defs.DocTypes) {
		if err := st.PutDocType(ctx, ws.defs.DocTypes[name]); err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to declare doctypes", err)
		}
	}

	ws.registry = newRegistry(st)
	return ws, nil
}

// engine builds an engine from the workspace and the sync settings.
func (ws *workspace) engine(opts *RootOptions) *engine.Engine {
	engineOpts := []engine.EngineOption{
		engine.WithLogger(ws.log),
		engine.WithPageSize(ws.cfg.Sync.PageSize),
		engine.WithMaxPages(ws.cfg.Sync.MaxPages),
		engine.WithPrefetch(ws.cfg.Sync.Prefetch),
	}
	if opts.RunIDs != nil {
		engineOpts = append(engineOpts, engine.WithRunIDs(opts.RunIDs))
	}
	return engine.New(ws.store, ws.defs, ws.registry, engineOpts...)
}

func (ws *workspace) Close() {
	if err := ws.store.Close(); err != nil {
		ws.log.Errorw("error closing database", "error", err)
	}
}

// newRegistry registers every connector type the CLI can open. Memory
// connectors are private to the process.
func newRegistry(st *store.Store) *connector.Registry {
	reg := connector.NewRegistry()
	local.Register(reg, st)
	rediskv.Register(reg)
	memory.New().Register(reg)
	return reg
}

// loadDefinitions loads a definitions directory, failing on the first error.
func loadDefinitions(dir string) (*ir.Definitions, error) {
	result, errs := compiler.LoadDir(dir, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load definitions from %s", dir), errs[0])
	}
	if result == nil {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("failed to load definitions from %s", dir))
	}
	return result.Definitions, nil
}

// notFound maps store.ErrNotFound to a command error.
func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitCommandError, what+" not found", err)
	}
	return WrapExitError(ExitCommandError, "failed to read "+what, err)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
