// File-backed store implementation. Each (symbol, timeframe) pair owns a
// directory of immutable columnar segments plus a watermark file; appends
// become visible through temp-write + fsync + rename before the watermark
// advances, and a lock file serializes writers across processes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tradingroom/tape/internal/models"
)

const (
	segmentSuffix = ".tape"
	watermarkFile = "WATERMARK"
	lockFile      = "LOCK"
	tmpPrefix     = ".tmp-"
)

// FileStoreConfig configures the file-backed store.
type FileStoreConfig struct {
	// Root is the storage root directory; partitions live at
	// <root>/<symbol>/<timeframe>/
	Root string

	// MaxSegmentRows bounds rows per segment file; larger appends
	// roll over into additional segments. Zero means the default.
	MaxSegmentRows int

	Logger *slog.Logger
}

// FileStore implements Store on the local filesystem.
type FileStore struct {
	root    string
	maxRows int
	logger  *slog.Logger

	mu         sync.Mutex
	partitions map[string]*partitionState
	closed     bool

	lockMu sync.Mutex
	held   map[string]*os.File
}

// partitionState caches the loaded view of one pair's directory. Its
// mutex serializes in-process access to the partition.
type partitionState struct {
	mu sync.Mutex

	loaded    bool
	segments  []segmentRef
	nextSeq   uint64
	hasData   bool
	watermark time.Time
	adopted   bool           // watermark derived from segments, file not yet rewritten
	tail      *models.Candle // lazily decoded last candle
}

func (ps *partitionState) reset() {
	ps.loaded = false
	ps.segments = nil
	ps.nextSeq = 0
	ps.hasData = false
	ps.watermark = time.Time{}
	ps.adopted = false
	ps.tail = nil
}

// segmentRef carries the filename metadata of one sealed segment.
type segmentRef struct {
	path  string
	seq   uint64
	first time.Time
	last  time.Time
}

// NewFileStore creates a file-backed store rooted at cfg.Root.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Root == "" {
		return nil, &StorageError{Operation: "open", Err: errors.New("storage root cannot be empty")}
	}
	if cfg.MaxSegmentRows <= 0 {
		cfg.MaxSegmentRows = DefaultMaxSegmentRows
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &FileStore{
		root:       cfg.Root,
		maxRows:    cfg.MaxSegmentRows,
		logger:     cfg.Logger,
		partitions: make(map[string]*partitionState),
		held:       make(map[string]*os.File),
	}, nil
}

// Initialize creates the storage root. Idempotent.
func (s *FileStore) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return &StorageError{Operation: "initialize", Err: err}
	}
	return nil
}

// Close marks the store closed. Held locks are released by their runs.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck verifies the root directory is present and writable.
func (s *FileStore) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(s.root, tmpPrefix+"health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return &StorageError{Operation: "health_check", Err: err}
	}
	return os.Remove(probe)
}

// Append implements the Appender interface with the write-then-advance
// durability protocol.
func (s *FileStore) Append(ctx context.Context, symbol string, timeframe models.Timeframe, batch []models.Candle) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}

	ps := s.partition(symbol, timeframe)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	dir := s.pairDir(symbol, timeframe)
	if err := ps.load(dir); err != nil {
		return time.Time{}, err
	}

	var tail *time.Time
	if ps.hasData {
		w := ps.watermark
		tail = &w
	}
	if err := validateBatch(symbol, timeframe, tail, batch); err != nil {
		return time.Time{}, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return time.Time{}, &StorageError{Operation: "append", Partition: pairKey(symbol, timeframe), Err: err}
	}

	// Roll the batch into bounded segments; every segment becomes
	// visible via rename before the watermark moves.
	written := make([]segmentRef, 0, len(batch)/s.maxRows+1)
	for offset := 0; offset < len(batch); offset += s.maxRows {
		endIdx := offset + s.maxRows
		if endIdx > len(batch) {
			endIdx = len(batch)
		}
		chunk := batch[offset:endIdx]

		seg, err := newSegment(symbol, timeframe, chunk)
		if err != nil {
			return time.Time{}, err
		}

		ref, err := s.writeSegment(dir, ps.nextSeq, seg)
		if err != nil {
			return time.Time{}, err
		}
		ps.nextSeq++
		written = append(written, ref)
	}

	newWatermark := batch[len(batch)-1].OpenTime.UTC()
	if err := s.writeWatermark(dir, newWatermark); err != nil {
		return time.Time{}, err
	}

	ps.segments = append(ps.segments, written...)
	ps.hasData = true
	ps.watermark = newWatermark
	ps.adopted = false
	tailCandle := batch[len(batch)-1]
	ps.tail = &tailCandle

	s.logger.Debug("committed batch",
		"symbol", symbol,
		"timeframe", timeframe,
		"candles", len(batch),
		"segments", len(written),
		"watermark", newWatermark)

	return newWatermark, nil
}

// ReadRange implements the Reader interface.
func (s *FileStore) ReadRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	err := s.Scan(ctx, symbol, timeframe, start, end, func(c models.Candle) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan implements the Reader interface, decoding one sealed segment at
// a time so large ranges never load the full partition into memory.
func (s *FileStore) Scan(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time, fn func(models.Candle) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	ps := s.partition(symbol, timeframe)
	ps.mu.Lock()
	if err := ps.load(s.pairDir(symbol, timeframe)); err != nil {
		ps.mu.Unlock()
		return err
	}
	refs := make([]segmentRef, len(ps.segments))
	copy(refs, ps.segments)
	ps.mu.Unlock()

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ref.first.Before(end) {
			break
		}
		if ref.last.Before(start) {
			continue
		}

		seg, err := s.readSegment(ref.path, symbol, timeframe)
		if err != nil {
			return err
		}

		for i := 0; i < seg.len(); i++ {
			ts := time.UnixMilli(seg.OpenTimes[i]).UTC()
			if ts.Before(start) {
				continue
			}
			if !ts.Before(end) {
				break
			}
			if err := fn(seg.candleAt(i)); err != nil {
				return err
			}
		}
	}

	return nil
}

// Tail implements the Reader interface.
func (s *FileStore) Tail(ctx context.Context, symbol string, timeframe models.Timeframe) (*models.Candle, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ps := s.partition(symbol, timeframe)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := ps.load(s.pairDir(symbol, timeframe)); err != nil {
		return nil, err
	}
	if !ps.hasData {
		return nil, nil
	}
	if ps.tail == nil {
		ref := ps.segments[len(ps.segments)-1]
		seg, err := s.readSegment(ref.path, symbol, timeframe)
		if err != nil {
			return nil, err
		}
		last := seg.candleAt(seg.len() - 1)
		ps.tail = &last
	}

	tail := *ps.tail
	return &tail, nil
}

// Watermark implements the Watermarker interface.
func (s *FileStore) Watermark(ctx context.Context, symbol string, timeframe models.Timeframe) (time.Time, bool, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, false, err
	}

	ps := s.partition(symbol, timeframe)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := ps.load(s.pairDir(symbol, timeframe)); err != nil {
		return time.Time{}, false, err
	}
	if !ps.hasData {
		return time.Time{}, false, nil
	}
	return ps.watermark, true, nil
}

// AcquireLock implements the Locker interface. Exclusion is enforced
// in-process through the held-lock registry and across processes
// through an O_EXCL lock file carrying the owner pid; lock files left
// by dead processes are reclaimed.
func (s *FileStore) AcquireLock(ctx context.Context, symbol string, timeframe models.Timeframe) (func(), error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	key := pairKey(symbol, timeframe)

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if _, ok := s.held[key]; ok {
		return nil, &ConcurrentIngestionError{Symbol: symbol, Timeframe: timeframe, Holder: "this process"}
	}

	dir := s.pairDir(symbol, timeframe)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Operation: "lock", Partition: key, Err: err}
	}

	path := filepath.Join(dir, lockFile)
	f, err := s.createLockFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, &StorageError{Operation: "lock", Partition: key, Err: err}
		}

		holder, stale := lockHolder(path)
		if !stale {
			return nil, &ConcurrentIngestionError{Symbol: symbol, Timeframe: timeframe, Holder: holder}
		}

		// Reclaim a lock left behind by a dead process.
		s.logger.Warn("reclaiming stale lock", "pair", key, "holder", holder)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &StorageError{Operation: "lock", Partition: key, Err: err}
		}
		if f, err = s.createLockFile(path); err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, &ConcurrentIngestionError{Symbol: symbol, Timeframe: timeframe}
			}
			return nil, &StorageError{Operation: "lock", Partition: key, Err: err}
		}
	}

	s.held[key] = f

	// Crash recovery runs here, under the writer lock: removing
	// orphaned temp files or rewriting the watermark on a read path
	// would clobber another process's in-flight append.
	if err := s.recoverPartition(symbol, timeframe); err != nil {
		f.Close()
		os.Remove(path)
		delete(s.held, key)
		return nil, err
	}

	release := func() {
		s.lockMu.Lock()
		defer s.lockMu.Unlock()
		if held, ok := s.held[key]; ok {
			held.Close()
			os.Remove(path)
			delete(s.held, key)
		}
	}
	return release, nil
}

// Internal helpers

func (s *FileStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StorageError{Operation: "access", Err: errors.New("store is closed")}
	}
	return nil
}

func (s *FileStore) partition(symbol string, timeframe models.Timeframe) *partitionState {
	key := pairKey(symbol, timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.partitions[key]
	if !ok {
		ps = &partitionState{}
		s.partitions[key] = ps
	}
	return ps
}

func (s *FileStore) pairDir(symbol string, timeframe models.Timeframe) string {
	return filepath.Join(s.root, symbol, string(timeframe))
}

func (s *FileStore) createLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Sync()
	return f, nil
}

// lockHolder describes the owner of a lock file and reports whether the
// lock is stale (owning process no longer alive).
func lockHolder(path string) (holder string, stale bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown", false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return "unknown", false
	}
	holder = fmt.Sprintf("pid %d", pid)
	if pid == os.Getpid() {
		return holder, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return holder, true
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		if errors.Is(err, syscall.EPERM) {
			return holder, false
		}
		return holder, true
	}
	return holder, false
}

// writeSegment encodes seg to a temporary file, flushes it, renames it
// into place and syncs the directory so the rename is durable.
func (s *FileStore) writeSegment(dir string, seq uint64, seg *segment) (segmentRef, error) {
	partition := pairKey(seg.Symbol, seg.Timeframe)

	tmpPath := filepath.Join(dir, tmpPrefix+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return segmentRef{}, &StorageError{Operation: "append", Partition: partition, Err: err}
	}

	if err := seg.encode(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return segmentRef{}, &StorageError{Operation: "append", Partition: partition, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return segmentRef{}, &StorageError{Operation: "append", Partition: partition, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return segmentRef{}, &StorageError{Operation: "append", Partition: partition, Err: err}
	}

	name := fmt.Sprintf("seg-%06d-%d-%d%s", seq, seg.first().UnixMilli(), seg.last().UnixMilli(), segmentSuffix)
	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return segmentRef{}, &StorageError{Operation: "append", Partition: partition, Err: err}
	}
	if err := syncDir(dir); err != nil {
		return segmentRef{}, &StorageError{Operation: "append", Partition: partition, Err: err}
	}

	return segmentRef{path: finalPath, seq: seq, first: seg.first(), last: seg.last()}, nil
}

// writeWatermark persists the watermark through the same temp-and-rename
// protocol. It runs strictly after the segments it covers are visible.
func (s *FileStore) writeWatermark(dir string, watermark time.Time) error {
	tmpPath := filepath.Join(dir, tmpPrefix+uuid.NewString())
	content := strconv.FormatInt(watermark.UnixMilli(), 10) + "\n"
	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		return &StorageError{Operation: "advance_watermark", Err: err}
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, watermarkFile)); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Operation: "advance_watermark", Err: err}
	}
	return syncDir(dir)
}

func (s *FileStore) readSegment(path string, symbol string, timeframe models.Timeframe) (*segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Operation: "read", Partition: pairKey(symbol, timeframe), Err: err}
	}
	seg, err := decodeSegment(path, data)
	if err != nil {
		return nil, err
	}
	if seg.Symbol != symbol || seg.Timeframe != timeframe {
		return nil, &CorruptPartitionError{
			Path:   path,
			Reason: fmt.Sprintf("segment belongs to %s/%s", seg.Symbol, seg.Timeframe),
		}
	}
	return seg, nil
}

// load scans the pair directory once: it indexes sealed segments,
// validates chain contiguity and resolves the watermark. A segment
// chain extending past the watermark file (crash between rename and
// advance) is adopted in memory; a watermark pointing past the data is
// corruption. load never writes to the directory, so read paths are
// safe against a concurrent writer in another process. On-disk repair
// happens in recoverPartition, under the pair's writer lock.
func (ps *partitionState) load(dir string) error {
	if ps.loaded {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ps.loaded = true
			return nil
		}
		return &StorageError{Operation: "load", Partition: dir, Err: err}
	}

	var (
		refs        []segmentRef
		watermarkMs int64
		hasWmFile   bool
	)

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, tmpPrefix):
			// Temp artifact: either an orphan from an interrupted
			// append or another process's in-flight write. Not ours
			// to touch on a read path.
			continue
		case name == watermarkFile:
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return &StorageError{Operation: "load", Partition: dir, Err: err}
			}
			ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
			if err != nil {
				return &CorruptPartitionError{Path: filepath.Join(dir, name), Reason: "unparseable watermark", Err: err}
			}
			watermarkMs = ms
			hasWmFile = true
		case strings.HasSuffix(name, segmentSuffix):
			ref, err := parseSegmentName(dir, name)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].seq < refs[j].seq })

	for i := 1; i < len(refs); i++ {
		if !refs[i].first.After(refs[i-1].last) {
			return &CorruptPartitionError{
				Path:   refs[i].path,
				Reason: fmt.Sprintf("segment overlaps predecessor ending %s", refs[i-1].last.Format(time.RFC3339)),
			}
		}
	}

	ps.segments = refs
	if len(refs) > 0 {
		ps.nextSeq = refs[len(refs)-1].seq + 1
		ps.hasData = true
		dataTail := refs[len(refs)-1].last

		switch {
		case !hasWmFile || watermarkMs < dataTail.UnixMilli():
			// Crash between segment rename and watermark advance:
			// the data is durable, adopt it.
			ps.watermark = dataTail
			ps.adopted = true
		case watermarkMs > dataTail.UnixMilli():
			return &CorruptPartitionError{
				Path:   filepath.Join(dir, watermarkFile),
				Reason: "watermark points past stored data",
			}
		default:
			ps.watermark = time.UnixMilli(watermarkMs).UTC()
		}
	} else if hasWmFile {
		return &CorruptPartitionError{
			Path:   filepath.Join(dir, watermarkFile),
			Reason: "watermark present but partition has no segments",
		}
	}

	ps.loaded = true
	return nil
}

// recoverPartition completes work an interrupted append left behind:
// orphaned temp files are removed and a watermark file lagging the
// durable segment chain is rewritten. Must only run while the caller
// holds the pair's writer lock.
func (s *FileStore) recoverPartition(symbol string, timeframe models.Timeframe) error {
	ps := s.partition(symbol, timeframe)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Reload from disk; a previous lock holder may have advanced the
	// partition since this state was cached.
	ps.reset()
	dir := s.pairDir(symbol, timeframe)
	if err := ps.load(dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &StorageError{Operation: "recover", Partition: dir, Err: err}
	}
	for _, entry := range entries {
		if name := entry.Name(); strings.HasPrefix(name, tmpPrefix) {
			s.logger.Warn("removing orphaned temp artifact", "path", filepath.Join(dir, name))
			os.Remove(filepath.Join(dir, name))
		}
	}

	if ps.adopted {
		if err := adoptWatermark(dir, ps.watermark); err != nil {
			return err
		}
		ps.adopted = false
	}
	return nil
}

// adoptWatermark rewrites the watermark file during recovery.
func adoptWatermark(dir string, watermark time.Time) error {
	tmpPath := filepath.Join(dir, tmpPrefix+uuid.NewString())
	content := strconv.FormatInt(watermark.UnixMilli(), 10) + "\n"
	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		return &StorageError{Operation: "recover", Err: err}
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, watermarkFile)); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Operation: "recover", Err: err}
	}
	return syncDir(dir)
}

// parseSegmentName extracts the sequence number and covered range from a
// segment filename of the form seg-<seq>-<firstMs>-<lastMs>.tape.
func parseSegmentName(dir, name string) (segmentRef, error) {
	base := strings.TrimSuffix(name, segmentSuffix)
	parts := strings.Split(base, "-")
	if len(parts) != 4 || parts[0] != "seg" {
		return segmentRef{}, &CorruptPartitionError{Path: filepath.Join(dir, name), Reason: "unrecognized segment filename"}
	}

	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return segmentRef{}, &CorruptPartitionError{Path: filepath.Join(dir, name), Reason: "invalid segment sequence", Err: err}
	}
	firstMs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return segmentRef{}, &CorruptPartitionError{Path: filepath.Join(dir, name), Reason: "invalid segment start", Err: err}
	}
	lastMs, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return segmentRef{}, &CorruptPartitionError{Path: filepath.Join(dir, name), Reason: "invalid segment end", Err: err}
	}

	return segmentRef{
		path:  filepath.Join(dir, name),
		seq:   seq,
		first: time.UnixMilli(firstMs).UTC(),
		last:  time.UnixMilli(lastMs).UTC(),
	}, nil
}

// syncDir flushes directory metadata so renames survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
