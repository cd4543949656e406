package rawcache

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// studyState is the Coordinator's in-memory view of one study's
// ingestion progress (spec §3 Study: mutable attributes tracked
// outside the blob store itself).
type studyState struct {
	mu               sync.Mutex
	instances        map[string]struct{} // InstanceUID -> present
	expectedCount    int                 // from C-FIND, 0 if unknown
	lastArrival      time.Time
	pinned           bool // in-progress studies are never evicted
	totalBytes       int64
}

// Coordinator implements spec §4.F against a BlobStore: idempotent
// ingestion, missing-instance repair, stability detection and
// LRU eviction bounded by a byte ceiling.
type Coordinator struct {
	store           BlobStore
	stableAge       time.Duration
	maxStorageBytes int64

	mu      sync.Mutex
	studies map[string]*studyState // StudyUID -> state

	hkMu      sync.Mutex
	hkRunning bool
}

func NewCoordinator(store BlobStore, stableAge time.Duration, maxStorageMB int64) *Coordinator {
	return &Coordinator{
		store:           store,
		stableAge:       stableAge,
		maxStorageBytes: maxStorageMB * 1024 * 1024,
		studies:         make(map[string]*studyState),
	}
}

func (c *Coordinator) stateFor(studyUID string) *studyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.studies[studyUID]
	if !ok {
		s = &studyState{instances: make(map[string]struct{})}
		c.studies[studyUID] = s
	}
	return s
}

// Pin marks a study as in-progress, exempting it from eviction
// (spec §4.F: "an in-progress study is pinned against eviction").
func (c *Coordinator) Pin(studyUID string) {
	st := c.stateFor(studyUID)
	st.mu.Lock()
	st.pinned = true
	st.mu.Unlock()
}

func (c *Coordinator) Unpin(studyUID string) {
	st := c.stateFor(studyUID)
	st.mu.Lock()
	st.pinned = false
	st.mu.Unlock()
}

// SetExpected records the instance count a C-FIND advertised for
// studyUID, used both by stability detection and missing-instance
// repair.
func (c *Coordinator) SetExpected(studyUID string, count int) {
	st := c.stateFor(studyUID)
	st.mu.Lock()
	st.expectedCount = count
	st.mu.Unlock()
}

// Store ingests one instance's bytes (a C-STORE). A duplicate
// InstanceUID overwrites the existing blob rather than erroring
// (spec §4.F idempotent ingestion). r is compressed at rest with
// lz4 to bound the raw cache's footprint against maxStorageBytes.
func (c *Coordinator) Store(ctx context.Context, key InstanceKey, r io.Reader, size int64) error {
	pr, pw := io.Pipe()
	zw := lz4.NewWriter(pw)
	go func() {
		_, err := io.Copy(zw, r)
		if err == nil {
			err = zw.Close()
		}
		pw.CloseWithError(err)
	}()

	if err := c.store.Put(ctx, key.ShardKey()+".lz4", pr, -1); err != nil {
		return err
	}

	st := c.stateFor(key.StudyUID)
	st.mu.Lock()
	st.instances[key.InstanceUID] = struct{}{}
	st.lastArrival = time.Now()
	st.totalBytes += size
	st.mu.Unlock()
	return nil
}

// Get retrieves one instance's decompressed bytes.
func (c *Coordinator) Get(ctx context.Context, key InstanceKey) (io.ReadCloser, error) {
	rc, _, err := c.store.Get(ctx, key.ShardKey()+".lz4")
	if err != nil {
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: lz4.NewReader(rc), Closer: rc}, nil
}

// InstanceCount returns how many instances of studyUID are currently
// held.
func (c *Coordinator) InstanceCount(studyUID string) int {
	st := c.stateFor(studyUID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.instances)
}

// MissingInstances reports which of the expected SOPInstanceUIDs
// (from a prior C-FIND) have not yet arrived. The scheduler uses a
// non-empty result to reissue a C-MOVE; that C-MOVE covers the whole
// study, not only the missing instances.
func (c *Coordinator) MissingInstances(studyUID string, advertised []string) []string {
	st := c.stateFor(studyUID)
	st.mu.Lock()
	defer st.mu.Unlock()
	var missing []string
	for _, uid := range advertised {
		if _, ok := st.instances[uid]; !ok {
			missing = append(missing, uid)
		}
	}
	return missing
}

// IsStable reports whether studyUID has gone quiet for stableAge and
// (when the expected count is known) has received every advertised
// instance (spec §3 Study lifecycle, §4.F detect-stable-study).
func (c *Coordinator) IsStable(studyUID string) bool {
	st := c.stateFor(studyUID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastArrival.IsZero() {
		return false
	}
	if time.Since(st.lastArrival) < c.stableAge {
		return false
	}
	if st.expectedCount > 0 && len(st.instances) < st.expectedCount {
		return false
	}
	return true
}

// WaitStable blocks until IsStable(studyUID) or ctx is cancelled,
// polling at the stability check interval (spec §4.D step 5, §5
// "cache-stability polls" as a named suspension point).
func (c *Coordinator) WaitStable(ctx context.Context, studyUID string) error {
	pollEvery := c.stableAge / 4
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if c.IsStable(studyUID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return cmn.WithKind(cmn.KindCacheUnstable, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Keys lists the instances currently stored for studyUID, parsed back
// out of the blob store's sharded layout, so a caller can fetch and
// decode every instance without tracking keys itself (spec §4.D step 6:
// assembling a study for anonymisation).
func (c *Coordinator) Keys(ctx context.Context, studyUID string) ([]InstanceKey, error) {
	prefix := shardPrefix(studyUID) + "/" + studyUID + "/"
	blobs, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]InstanceKey, 0, len(blobs))
	for _, b := range blobs {
		rest := strings.TrimPrefix(b.Key, prefix)
		rest = strings.TrimSuffix(rest, ".dcm.lz4")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		keys = append(keys, InstanceKey{StudyUID: studyUID, SeriesUID: parts[0], InstanceUID: parts[1]})
	}
	return keys, nil
}

// Forget drops studyUID's in-memory bookkeeping once it has been
// consumed by anonymisation; it does not delete the underlying blobs
// (eviction, below, owns that).
func (c *Coordinator) Forget(studyUID string) {
	c.mu.Lock()
	delete(c.studies, studyUID)
	c.mu.Unlock()
}

// HousekeepEvict sweeps the blob store for least-recently-used,
// unpinned studies once total usage nears maxStorageBytes, mirroring
// the teacher's CAS-guarded, single-flight housekeeping sweep (see
// the cache eviction loop this package's DESIGN.md entry is grounded
// on). It is safe to call from a periodic ticker; concurrent calls
// collapse into one running sweep.
func (c *Coordinator) HousekeepEvict(ctx context.Context) error {
	c.hkMu.Lock()
	if c.hkRunning {
		c.hkMu.Unlock()
		return nil
	}
	c.hkRunning = true
	c.hkMu.Unlock()
	defer func() {
		c.hkMu.Lock()
		c.hkRunning = false
		c.hkMu.Unlock()
	}()

	blobs, err := c.store.List(ctx, "")
	if err != nil {
		return err
	}
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	if total <= c.maxStorageBytes {
		return nil
	}

	candidates := c.evictionCandidates()
	for _, studyUID := range candidates {
		if total <= c.maxStorageBytes {
			break
		}
		freed, err := c.evictStudy(ctx, studyUID)
		if err != nil {
			cmn.L().Warnw("rawcache: eviction failed", "study_uid", studyUID, "error", err)
			continue
		}
		total -= freed
	}
	return nil
}

// evictionCandidates orders unpinned, known studies oldest-arrival
// first.
func (c *Coordinator) evictionCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	type cand struct {
		uid  string
		last time.Time
	}
	var cands []cand
	for uid, st := range c.studies {
		st.mu.Lock()
		if !st.pinned {
			cands = append(cands, cand{uid: uid, last: st.lastArrival})
		}
		st.mu.Unlock()
	}
	// simple insertion sort: eviction candidate lists are small
	// relative to total instance count, and this avoids pulling in a
	// sort-by-key helper for a one-field comparison.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].last.Before(cands[j-1].last); j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.uid
	}
	return out
}

func (c *Coordinator) evictStudy(ctx context.Context, studyUID string) (int64, error) {
	prefix := shardPrefix(studyUID) + "/" + studyUID
	blobs, err := c.store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, b := range blobs {
		if err := c.store.Delete(ctx, b.Key); err != nil {
			return freed, errors.Wrapf(err, "rawcache: evict %s", b.Key)
		}
		freed += b.Size
	}
	c.Forget(studyUID)
	return freed, nil
}
