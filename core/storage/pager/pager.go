// Package pager provides the file-backed page store behind the B+-tree:
// page id allocation with a persistent free list, page lookup, deferred
// release of superseded pages, and the durable-commit protocol that
// atomically publishes a new root pointer.
package pager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/V119/build-database-from-scratch/core/btree"
	"github.com/V119/build-database-from-scratch/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// --- Configuration & Constants ---

const (
	DBMagic uint32 = 0x42444230 // "BDB0"
	Version uint32 = 1

	// fileHeaderSize is the fixed identity header written once into page
	// 0 of the page file: magic, version, page size.
	fileHeaderSize = 12

	// manifestSize is the fixed size of the manifest file that publishes
	// the committed state: magic, version, page size, padding, root page
	// id, free-list head, page count.
	manifestSize = 40

	manifestSuffix = ".root"
)

// --- Error Definitions ---

var (
	ErrPageNotFound     = errors.New("page not found")
	ErrInvalidPageSize  = errors.New("node buffer is not exactly one page")
	ErrInvalidMagic     = errors.New("invalid database file magic number")
	ErrPageSizeMismatch = errors.New("page size in file does not match build configuration")
	ErrReleaseInvalid   = errors.New("cannot release an unallocated page id")
	ErrIO               = errors.New("i/o error")
)

// SyncMode selects the durability strategy used when publishing a new root
// pointer. The three strategies escalate:
//
//   - SyncNone overwrites the manifest in place. Fast, but a crash during
//     the write can leave a torn manifest: no crash safety.
//   - SyncRename writes a temporary manifest and renames it over the old
//     one. The rename is atomic, so a reader never observes a torn
//     manifest, but nothing guarantees the bytes reached the device
//     before the rename.
//   - SyncFull writes the temporary manifest, flushes it and the page
//     file to the storage device, renames, then flushes the directory.
//     A crash at any point leaves either the old or the new root fully
//     intact.
type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncRename
	SyncFull
)

// Options configures a Pager.
type Options struct {
	SyncMode SyncMode `yaml:"sync_mode"`
	Logger   *zap.Logger
	Meter    metric.Meter
}

// Pager is the page manager consumed by the B+-tree. Pages released during
// an insert stay untouched until Commit publishes the new root; only then
// do they enter the free list, so a crash mid-insert never damages the
// previously committed tree.
type Pager struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	syncMode SyncMode
	logger   *zap.Logger

	numPages uint64 // pages in use, including header page 0

	// Free-list state. free holds ids reusable right now; pending holds
	// ids released since the last commit (still reachable from the
	// committed root); chainPages holds the pages storing the on-disk
	// free-list chain itself, reclaimed when the chain is rewritten.
	free       []btree.PageID
	pending    []btree.PageID
	chainPages []btree.PageID

	metrics pagerMetrics
}

type pagerMetrics struct {
	allocated metric.Int64Counter
	reused    metric.Int64Counter
	freed     metric.Int64Counter
	commits   metric.Int64Counter
}

func newPagerMetrics(meter metric.Meter) (pagerMetrics, error) {
	var m pagerMetrics
	var err error
	if m.allocated, err = telemetry.Counter(meter, "pager_pages_allocated_total",
		"Pages allocated by extending the file"); err != nil {
		return m, err
	}
	if m.reused, err = telemetry.Counter(meter, "pager_pages_reused_total",
		"Pages allocated from the free list"); err != nil {
		return m, err
	}
	if m.freed, err = telemetry.Counter(meter, "pager_pages_freed_total",
		"Pages returned to the free list at commit"); err != nil {
		return m, err
	}
	if m.commits, err = telemetry.Counter(meter, "pager_commits_total",
		"Root pointers durably published"); err != nil {
		return m, err
	}
	return m, nil
}

// Open opens or creates the page file at path and loads the committed
// state from the manifest beside it. It returns the pager and the last
// committed root id, InvalidPageID for a fresh database.
func Open(path string, opts Options) (*Pager, btree.PageID, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := newPagerMetrics(opts.Meter)
	if err != nil {
		return nil, btree.InvalidPageID, fmt.Errorf("creating pager metrics: %w", err)
	}

	p := &Pager{
		path:     path,
		syncMode: opts.SyncMode,
		logger:   logger,
		metrics:  metrics,
	}

	_, statErr := os.Stat(path)
	switch {
	case os.IsNotExist(statErr):
		if err := p.create(); err != nil {
			return nil, btree.InvalidPageID, err
		}
		logger.Info("Created new database file", zap.String("path", path))
		return p, btree.InvalidPageID, nil
	case statErr != nil:
		return nil, btree.InvalidPageID, fmt.Errorf("%w: stating %s: %v", ErrIO, path, statErr)
	}

	root, err := p.open()
	if err != nil {
		return nil, btree.InvalidPageID, err
	}
	logger.Info("Opened database file",
		zap.String("path", path),
		zap.Uint64("rootPageID", uint64(root)),
		zap.Uint64("numPages", p.numPages),
		zap.Int("freePages", len(p.free)))
	return p, root, nil
}

func (p *Pager) create() error {
	file, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return fmt.Errorf("%w: creating file %s: %v", ErrIO, p.path, err)
	}
	p.file = file

	// Page 0 carries the static identity header; the mutable state
	// (root, free list, page count) lives in the manifest.
	header := make([]byte, btree.PageSize)
	binary.LittleEndian.PutUint32(header[0:4], DBMagic)
	binary.LittleEndian.PutUint32(header[4:8], Version)
	binary.LittleEndian.PutUint32(header[8:12], btree.PageSize)
	if _, err := p.file.WriteAt(header, 0); err != nil {
		_ = p.file.Close()
		_ = os.Remove(p.path)
		return fmt.Errorf("%w: writing file header: %v", ErrIO, err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing new file: %v", ErrIO, err)
	}
	p.numPages = 1
	return nil
}

func (p *Pager) open() (btree.PageID, error) {
	file, err := os.OpenFile(p.path, os.O_RDWR, 0666)
	if err != nil {
		return btree.InvalidPageID, fmt.Errorf("%w: opening file %s: %v", ErrIO, p.path, err)
	}
	p.file = file

	header := make([]byte, fileHeaderSize)
	if _, err := p.file.ReadAt(header, 0); err != nil {
		_ = p.file.Close()
		return btree.InvalidPageID, fmt.Errorf("%w: reading file header: %v", ErrIO, err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != DBMagic {
		_ = p.file.Close()
		return btree.InvalidPageID, fmt.Errorf("%w: got 0x%x", ErrInvalidMagic, magic)
	}
	if ps := binary.LittleEndian.Uint32(header[8:12]); ps != btree.PageSize {
		_ = p.file.Close()
		return btree.InvalidPageID, fmt.Errorf("%w: file %d, build %d", ErrPageSizeMismatch, ps, btree.PageSize)
	}

	root, freeHead, numPages, err := p.readManifest()
	if err != nil {
		_ = p.file.Close()
		return btree.InvalidPageID, err
	}
	p.numPages = numPages
	if err := p.loadFreeList(freeHead); err != nil {
		_ = p.file.Close()
		return btree.InvalidPageID, err
	}
	return root, nil
}

// --- Page Access ---

// Allocate assigns a page id to a fully built, page-sized node and writes
// it. Free pages are reused before the file is extended. The write is
// durable only after the next Commit.
func (p *Pager) Allocate(node btree.BNode) (btree.PageID, error) {
	if len(node) != btree.PageSize {
		return btree.InvalidPageID, fmt.Errorf("%w: %d bytes", ErrInvalidPageSize, len(node))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var id btree.PageID
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
		p.metrics.reused.Add(context.Background(), 1)
	} else {
		id = btree.PageID(p.numPages)
		p.numPages++
		p.metrics.allocated.Add(context.Background(), 1)
	}
	if err := p.writePage(id, node); err != nil {
		return btree.InvalidPageID, err
	}
	return id, nil
}

// Fetch reads the node stored under id. The returned buffer is a private
// copy; mutating it cannot affect the committed page.
func (p *Pager) Fetch(id btree.PageID) (btree.BNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == btree.InvalidPageID || uint64(id) >= p.numPages {
		return nil, fmt.Errorf("%w: page %d (pages in use: %d)", ErrPageNotFound, id, p.numPages)
	}
	buf := make(btree.BNode, btree.PageSize)
	offset := int64(id) * btree.PageSize
	if _, err := p.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, id, offset, err)
	}
	return buf, nil
}

// Release marks id reclaimable. The page stays intact until the next
// Commit publishes a root that no longer references it; only then does it
// enter the free list.
func (p *Pager) Release(id btree.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == btree.InvalidPageID || uint64(id) >= p.numPages {
		return fmt.Errorf("%w: page %d", ErrReleaseInvalid, id)
	}
	p.pending = append(p.pending, id)
	return nil
}

func (p *Pager) writePage(id btree.PageID, data []byte) error {
	offset := int64(id) * btree.PageSize
	if _, err := p.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, id, offset, err)
	}
	return nil
}

// --- Durable Commit ---

// Commit durably publishes root as the new tree root. It rewrites the
// free-list chain to cover the pages released since the last commit,
// flushes the page file (SyncFull), and replaces the manifest using the
// configured strategy. Until the manifest is replaced, the previous root
// and every page it references remain untouched on disk.
func (p *Pager) Commit(root btree.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// rewriteFreeList consumes free pages for the chain structure and may
	// extend the file. Until the manifest lands none of that is committed,
	// so a failure on any step below restores the pre-commit view; a retry
	// then starts from exactly the state the last manifest describes.
	prevFree := append([]btree.PageID(nil), p.free...)
	prevNumPages := p.numPages
	restore := func() {
		p.free = prevFree
		p.numPages = prevNumPages
	}

	content, structure, err := p.rewriteFreeList()
	if err != nil {
		restore()
		return err
	}

	if p.syncMode == SyncFull {
		if err := p.file.Sync(); err != nil {
			restore()
			return fmt.Errorf("%w: syncing page file: %v", ErrIO, err)
		}
	}

	var freeHead btree.PageID
	if len(structure) > 0 {
		freeHead = structure[0]
	}
	if err := p.writeManifest(root, freeHead, p.numPages); err != nil {
		restore()
		return err
	}

	// The new root is live: pages released during the transaction are
	// now genuinely free, and the previous chain pages with them.
	p.metrics.freed.Add(context.Background(), int64(len(p.pending)))
	p.metrics.commits.Add(context.Background(), 1)
	p.free = content
	p.chainPages = structure
	p.pending = nil

	p.logger.Debug("Committed root",
		zap.Uint64("rootPageID", uint64(root)),
		zap.Uint64("numPages", p.numPages),
		zap.Int("freePages", len(content)))
	return nil
}

func (p *Pager) readManifest() (root, freeHead btree.PageID, numPages uint64, err error) {
	buf, err := os.ReadFile(p.path + manifestSuffix)
	if os.IsNotExist(err) {
		// No manifest yet: fresh database, nothing committed.
		return btree.InvalidPageID, btree.InvalidPageID, 1, nil
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: reading manifest: %v", ErrIO, err)
	}
	if len(buf) != manifestSize {
		return 0, 0, 0, fmt.Errorf("%w: manifest is %d bytes, want %d", ErrIO, len(buf), manifestSize)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != DBMagic {
		return 0, 0, 0, fmt.Errorf("%w: manifest magic 0x%x", ErrInvalidMagic, magic)
	}
	if ps := binary.LittleEndian.Uint32(buf[8:12]); ps != btree.PageSize {
		return 0, 0, 0, fmt.Errorf("%w: manifest page size %d", ErrPageSizeMismatch, ps)
	}
	root = btree.PageID(binary.LittleEndian.Uint64(buf[16:24]))
	freeHead = btree.PageID(binary.LittleEndian.Uint64(buf[24:32]))
	numPages = binary.LittleEndian.Uint64(buf[32:40])
	return root, freeHead, numPages, nil
}

func (p *Pager) writeManifest(root, freeHead btree.PageID, numPages uint64) error {
	buf := make([]byte, manifestSize)
	binary.LittleEndian.PutUint32(buf[0:4], DBMagic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[8:12], btree.PageSize)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(root))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(freeHead))
	binary.LittleEndian.PutUint64(buf[32:40], numPages)

	manifestPath := p.path + manifestSuffix

	if p.syncMode == SyncNone {
		// Strategy (a): direct overwrite. No crash safety.
		f, err := os.OpenFile(manifestPath, os.O_RDWR|os.O_CREATE, 0666)
		if err != nil {
			return fmt.Errorf("%w: opening manifest: %v", ErrIO, err)
		}
		defer f.Close()
		if _, err := f.WriteAt(buf, 0); err != nil {
			return fmt.Errorf("%w: writing manifest: %v", ErrIO, err)
		}
		return nil
	}

	// Strategies (b) and (c): write a temporary manifest, then rename it
	// into place for atomic visibility.
	tmpPath := fmt.Sprintf("%s.tmp.%s", manifestPath, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return fmt.Errorf("%w: creating temp manifest: %v", ErrIO, err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: writing temp manifest: %v", ErrIO, err)
	}
	if p.syncMode == SyncFull {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("%w: syncing temp manifest: %v", ErrIO, err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: closing temp manifest: %v", ErrIO, err)
	}
	if err := os.Rename(tmpPath, manifestPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming manifest: %v", ErrIO, err)
	}
	if p.syncMode == SyncFull {
		if err := syncDir(filepath.Dir(manifestPath)); err != nil {
			return err
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: opening directory %s: %v", ErrIO, dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: syncing directory %s: %v", ErrIO, dir, err)
	}
	return nil
}

// Close closes the page file. It does not commit; uncommitted writes are
// discarded by the next Open, which trusts only the manifest.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing file: %v", ErrIO, err)
	}
	return nil
}
