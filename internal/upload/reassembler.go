// Package upload reassembles multi-part fetcher uploads. Each part is
// checksummed before anything touches disk; parts accumulate in a temp file
// named by the payload hash, and the completed payload is split by its
// byte-count header into robot, cache validation, schedule and index
// segments that are queued for the active crawl.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/hash/xxhash"
)

const (
	dirPerm        fs.FileMode = 0o777
	filePerm       fs.FileMode = 0o666
	lockRetryDelay             = 10 * time.Millisecond
	stateSuffix                = ".json"
	lockSuffix                 = ".lock"
)

var validPayloadHash = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Status is the outcome reported to the fetcher.
type Status string

// Upload outcomes. REDO asks for the same part again; RESTART means the
// upload was dropped and must be resent from part 1.
const (
	StatusContinue Status = "CONTINUE"
	StatusDone     Status = "DONE"
	StatusRedo     Status = "REDO"
	StatusRestart  Status = "RESTART"
)

// ByteCounts is the header describing how a payload splits. Whatever follows
// the three counted segments is index data.
type ByteCounts struct {
	Robot               int64 `json:"ROBOT"`
	CachePageValidation int64 `json:"CACHE_PAGE_VALIDATION"`
	Schedule            int64 `json:"SCHEDULE"`
}

// Part is one posted piece of an upload.
type Part struct {
	Data        []byte
	PartHash    string
	Index       int // 1-based
	Total       int
	PayloadHash string
	ByteCounts  ByteCounts
	CrawlTime   crawl.Timestamp
	Origin      string
}

// Result describes what Accept did with a part.
type Result struct {
	Status  Status
	Summary string
	// Segments holds the byte length queued per kind once the upload is done.
	Segments map[crawl.Kind]int
	Received int64
}

// Config locates the temp directory.
type Config struct {
	TempDir string
}

// Reassembler accepts upload parts. Assemblies are guarded by an flock per
// payload hash so concurrent requests for one upload serialize.
type Reassembler struct {
	dir    string
	queue  crawl.BatchQueue
	clock  crawl.Clock
	logger *zap.Logger
}

type assembly struct {
	Total     int       `json:"total"`
	LastPart  int       `json:"last_part"`
	Received  int64     `json:"received"`
	StartedAt time.Time `json:"started_at"`
}

// New creates the temp directory if needed.
func New(cfg Config, queue crawl.BatchQueue, clock crawl.Clock, logger *zap.Logger) (*Reassembler, error) {
	if strings.TrimSpace(cfg.TempDir) == "" {
		return nil, errors.New("upload temp directory is required")
	}
	if err := os.MkdirAll(cfg.TempDir, dirPerm); err != nil {
		return nil, fmt.Errorf("create upload temp directory: %w", err)
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reassembler{dir: cfg.TempDir, queue: queue, clock: clock, logger: logger}, nil
}

// Validate checks the part metadata.
func (p Part) Validate() error {
	switch {
	case p.Total < 1:
		return fmt.Errorf("%w: num_parts must be >= 1", crawl.ErrInvalidPart)
	case p.Index < 1 || p.Index > p.Total:
		return fmt.Errorf("%w: current_part %d outside 1..%d", crawl.ErrInvalidPart, p.Index, p.Total)
	case !validPayloadHash.MatchString(p.PayloadHash):
		return fmt.Errorf("%w: bad hash_data", crawl.ErrInvalidPart)
	case p.PartHash == "":
		return fmt.Errorf("%w: hash_part is required", crawl.ErrInvalidPart)
	case p.CrawlTime == 0:
		return fmt.Errorf("%w: no active crawl", crawl.ErrInvalidPart)
	case p.ByteCounts.Robot < 0 || p.ByteCounts.CachePageValidation < 0 || p.ByteCounts.Schedule < 0:
		return fmt.Errorf("%w: negative byte count", crawl.ErrInvalidPart)
	}
	return nil
}

// Accept verifies and stores one part. A REDO result means the fetcher must
// resend that part; nothing from it was kept. RESTART means no assembly is
// left for the payload. Errors wrapping crawl.ErrInvalidPart mean the request
// itself is unusable; other errors leave the assembly as it was, so the same
// part can be sent again.
func (r *Reassembler) Accept(ctx context.Context, p Part) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if xxhash.Hex(p.Data) != p.PartHash {
		return Result{Status: StatusRedo, Summary: fmt.Sprintf("part %d/%d checksum mismatch", p.Index, p.Total)}, nil
	}
	if p.Total == 1 {
		if xxhash.Hex(p.Data) != p.PayloadHash {
			return Result{Status: StatusRedo, Summary: "payload checksum mismatch"}, nil
		}
		return r.distribute(ctx, p, p.Data)
	}

	var (
		res Result
		err error
	)
	lockErr := r.withLock(ctx, p.PayloadHash, func(dataPath, statePath string) error {
		res, err = r.appendPart(ctx, p, dataPath, statePath)
		return nil
	})
	if lockErr != nil {
		return Result{}, lockErr
	}
	return res, err
}

func (r *Reassembler) appendPart(ctx context.Context, p Part, dataPath, statePath string) (Result, error) {
	st, found, err := readAssembly(statePath)
	if err != nil {
		return Result{}, err
	}
	switch {
	case p.Index == 1:
		if err := os.WriteFile(dataPath, p.Data, filePerm); err != nil {
			return Result{}, fmt.Errorf("start assembly: %w", err)
		}
		st = assembly{Total: p.Total, LastPart: 1, Received: int64(len(p.Data)), StartedAt: r.clock.Now().UTC()}
	case found && p.Total == st.Total && p.Index == st.LastPart:
		return Result{Status: StatusContinue, Summary: progress(st), Received: st.Received}, nil
	case found && p.Total == st.Total && p.Index == st.LastPart+1:
		if p.Index == p.Total {
			return r.complete(ctx, p, dataPath, statePath)
		}
		if err := appendFile(dataPath, p.Data); err != nil {
			return Result{}, err
		}
		st.LastPart = p.Index
		st.Received += int64(len(p.Data))
	case !found:
		return restart(fmt.Sprintf("no upload in progress for part %d", p.Index)), nil
	default:
		return Result{Status: StatusRedo, Summary: fmt.Sprintf("out of order part %d, expected %d", p.Index, st.LastPart+1)}, nil
	}

	if err := writeAssembly(statePath, st); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusContinue, Summary: progress(st), Received: st.Received}, nil
}

// complete joins the final part to the assembly in memory and distributes the
// payload. The assembly is only removed once the outcome is final.
func (r *Reassembler) complete(ctx context.Context, p Part, dataPath, statePath string) (Result, error) {
	head, err := os.ReadFile(dataPath) // #nosec G304 -- name validated by validPayloadHash.
	if err != nil {
		return Result{}, fmt.Errorf("read assembly: %w", err)
	}
	payload := append(head, p.Data...)
	if xxhash.Hex(payload) != p.PayloadHash {
		r.logger.Warn("discarding upload with bad payload checksum",
			zap.String("hash", p.PayloadHash), zap.Int("parts", p.Total), zap.Int("bytes", len(payload)))
		discard(dataPath, statePath)
		return restart("payload checksum mismatch"), nil
	}
	res, err := r.distribute(ctx, p, payload)
	if err != nil {
		return Result{}, err
	}
	if res.Status == StatusRestart {
		r.logger.Warn("discarding upload with bad byte counts",
			zap.String("hash", p.PayloadHash), zap.String("summary", res.Summary))
	}
	discard(dataPath, statePath)
	return res, nil
}

// distribute splits payload and queues each non-empty segment. Counts are
// checked before anything is queued; counts that cannot describe the payload
// yield RESTART.
func (r *Reassembler) distribute(ctx context.Context, p Part, payload []byte) (Result, error) {
	segments, err := Split(payload, p.ByteCounts)
	if err != nil {
		return restart(err.Error()), nil
	}
	res := Result{Status: StatusDone, Segments: map[crawl.Kind]int{}, Received: int64(len(payload))}
	for _, seg := range segments {
		if len(seg.Data) == 0 {
			continue
		}
		slot := crawl.Slot{Kind: seg.Kind, CrawlTime: p.CrawlTime}
		if err := r.queue.Enqueue(ctx, slot, p.Origin, seg.Data); err != nil {
			return Result{}, fmt.Errorf("queue %s segment: %w", seg.Kind, err)
		}
		res.Segments[seg.Kind] = len(seg.Data)
	}
	res.Summary = fmt.Sprintf("stored %d bytes in %d segments", len(payload), len(res.Segments))
	return res, nil
}

// Segment is one typed slice of a payload.
type Segment struct {
	Kind crawl.Kind
	Data []byte
}

// Split cuts payload into robot, cache validation, schedule and index
// segments, in that order.
func Split(payload []byte, counts ByteCounts) ([]Segment, error) {
	sizes := []int64{counts.Robot, counts.CachePageValidation, counts.Schedule}
	var sum int64
	for _, n := range sizes {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative byte count", crawl.ErrInvalidPart)
		}
		sum += n
	}
	if sum > int64(len(payload)) {
		return nil, fmt.Errorf("%w: byte counts total %d exceed payload of %d bytes", crawl.ErrInvalidPart, sum, len(payload))
	}
	kinds := []crawl.Kind{crawl.KindRobotData, crawl.KindCachePageValidation, crawl.KindSchedule}
	out := make([]Segment, 0, 4)
	var off int64
	for i, n := range sizes {
		out = append(out, Segment{Kind: kinds[i], Data: payload[off : off+n]})
		off += n
	}
	out = append(out, Segment{Kind: crawl.KindIndex, Data: payload[off:]})
	return out, nil
}

// InFlight counts assemblies waiting for more parts.
func (r *Reassembler) InFlight() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("list upload temp directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), stateSuffix) {
			n++
		}
	}
	return n, nil
}

// Sweep drops assemblies untouched for maxAge and returns how many it removed.
func (r *Reassembler) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("list upload temp directory: %w", err)
	}
	now := r.clock.Now()
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if hash, ok := strings.CutSuffix(name, lockSuffix); ok {
			if _, err := os.Stat(filepath.Join(r.dir, hash+stateSuffix)); errors.Is(err, fs.ErrNotExist) {
				_ = os.Remove(filepath.Join(r.dir, name))
			}
			continue
		}
		if !strings.HasSuffix(name, stateSuffix) {
			continue
		}
		hash := strings.TrimSuffix(name, stateSuffix)
		err = r.withLock(ctx, hash, func(dataPath, statePath string) error {
			discard(dataPath, statePath)
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *Reassembler) withLock(ctx context.Context, hash string, fn func(dataPath, statePath string) error) error {
	base := filepath.Join(r.dir, hash)
	lock := flock.New(base + lockSuffix)
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock assembly %s: %w", hash, err)
	}
	if !locked {
		return fmt.Errorf("lock assembly %s: not acquired", hash)
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return fn(base, base+stateSuffix)
}

func readAssembly(path string) (assembly, bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- name validated by validPayloadHash.
	if errors.Is(err, fs.ErrNotExist) {
		return assembly{}, false, nil
	}
	if err != nil {
		return assembly{}, false, fmt.Errorf("read assembly state: %w", err)
	}
	var st assembly
	if err := json.Unmarshal(data, &st); err != nil {
		return assembly{}, false, nil
	}
	return st, true, nil
}

func writeAssembly(path string, st assembly) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode assembly state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("write assembly state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish assembly state: %w", err)
	}
	return nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, filePerm) // #nosec G304 -- name validated by validPayloadHash.
	if err != nil {
		return fmt.Errorf("open assembly: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("append part: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close assembly: %w", err)
	}
	return nil
}

// discard removes an assembly. The lock file stays; Sweep collects it.
func discard(dataPath, statePath string) {
	_ = os.Remove(dataPath)
	_ = os.Remove(statePath)
}

func restart(reason string) Result {
	return Result{Status: StatusRestart, Summary: reason + "; resend from part 1"}
}

func progress(st assembly) string {
	return fmt.Sprintf("received part %d/%d (%d bytes)", st.LastPart, st.Total, st.Received)
}
