// Package kv exposes the embedded key-value store: a copy-on-write
// B+-tree over a file-backed pager, with every write durably committed
// through the pager's root-publish protocol.
package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/V119/build-database-from-scratch/core/btree"
	"github.com/V119/build-database-from-scratch/core/storage/pager"
	"github.com/V119/build-database-from-scratch/pkg/logger"
	"github.com/V119/build-database-from-scratch/pkg/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrClosed = errors.New("database is closed")

// Options configures an opened database. The zero value is usable: full
// durability, nop logging, no telemetry.
type Options struct {
	// SyncMode selects the root-publish strategy: "full" (default),
	// "rename", or "none". See pager.SyncMode for the trade-offs.
	SyncMode string `yaml:"sync_mode"`

	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Logger, Meter, and Tracer override the instruments built from the
	// config sections; used by embedding applications and tests.
	Logger *zap.Logger  `yaml:"-"`
	Meter  metric.Meter `yaml:"-"`
	Tracer trace.Tracer `yaml:"-"`
}

// LoadOptions reads Options from a YAML file.
func LoadOptions(path string) (Options, error) {
	var opts Options
	buf, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading options file: %w", err)
	}
	if err := yaml.Unmarshal(buf, &opts); err != nil {
		return opts, fmt.Errorf("parsing options file %s: %w", path, err)
	}
	return opts, nil
}

func (o Options) syncMode() (pager.SyncMode, error) {
	switch o.SyncMode {
	case "", "full":
		return pager.SyncFull, nil
	case "rename":
		return pager.SyncRename, nil
	case "none":
		return pager.SyncNone, nil
	default:
		return 0, fmt.Errorf("unknown sync mode %q", o.SyncMode)
	}
}

// DB is an embedded ordered key-value store. A single writer at a time;
// the mutex serializes writes against each other and against reads through
// the shared pager.
type DB struct {
	mu     sync.Mutex
	path   string
	pager  *pager.Pager
	tree   *btree.Tree
	logger *zap.Logger
	tracer trace.Tracer
	closed bool

	sets metric.Int64Counter
	gets metric.Int64Counter
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*DB, error) {
	log := opts.Logger
	if log == nil {
		var err error
		if log, err = logger.New(opts.Logging); err != nil {
			return nil, err
		}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	mode, err := opts.syncMode()
	if err != nil {
		return nil, err
	}
	pg, root, err := pager.Open(path, pager.Options{
		SyncMode: mode,
		Logger:   log.Named("pager"),
		Meter:    opts.Meter,
	})
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:   path,
		pager:  pg,
		tree:   btree.New(pg, root, log.Named("btree")),
		logger: log,
		tracer: tracer,
	}
	if db.sets, err = telemetry.Counter(opts.Meter, "kv_sets_total", "Completed Set operations"); err != nil {
		return nil, err
	}
	if db.gets, err = telemetry.Counter(opts.Meter, "kv_gets_total", "Completed Get operations"); err != nil {
		return nil, err
	}
	return db, nil
}

// Set inserts or updates a key and commits the resulting root. On error
// the previously committed tree is untouched: copy-on-write never mutates
// a reachable page, and the root pointer is only replaced on success.
func (db *DB) Set(ctx context.Context, key, val []byte) error {
	_, span := db.tracer.Start(ctx, "kv.Set")
	defer span.End()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if err := db.tree.Insert(key, val); err != nil {
		return err
	}
	if err := db.pager.Commit(db.tree.Root()); err != nil {
		return fmt.Errorf("committing root: %w", err)
	}
	db.sets.Add(ctx, 1)
	return nil
}

// Get returns the value stored under key.
func (db *DB) Get(ctx context.Context, key []byte) (val []byte, found bool, err error) {
	_, span := db.tracer.Start(ctx, "kv.Get")
	defer span.End()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, false, ErrClosed
	}
	val, found, err = db.tree.Get(key)
	if err == nil {
		db.gets.Add(ctx, 1)
	}
	return val, found, err
}

// Scan walks every key-value pair in ascending key order until fn returns
// false. The slices passed to fn are only valid during the call.
func (db *DB) Scan(ctx context.Context, fn func(key, val []byte) bool) error {
	_, span := db.tracer.Start(ctx, "kv.Scan")
	defer span.End()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.tree.Ascend(fn)
}

// Close releases the underlying page file. Committed data is already
// durable; Close performs no further writes.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.logger.Info("Closing database", zap.String("path", db.path))
	return db.pager.Close()
}
