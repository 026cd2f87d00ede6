// Package optimizer is the background orchestration driver of spec.md
// §4.3/§4.2: it watches a collection's segments, wraps the small ones in
// a ProxySegment so writers are never blocked, merges their data through
// a SegmentBuilder, and swaps the result back in. New starts the periodic
// check loop when a CheckInterval is configured; Shutdown closes the
// loop's channel once under shutdownLock and waits for it to exit.
package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arborix/segmentdb/internal/builder"
	"github.com/arborix/segmentdb/internal/proxy"
	"github.com/arborix/segmentdb/internal/segment"
	"github.com/arborix/segmentdb/internal/segmententry"
	"github.com/arborix/segmentdb/internal/segtypes"
)

// Config configures an Optimizer.
type Config struct {
	DataDir string
	// MaxSegmentPoints is the point count below which a segment is a
	// candidate for merging into a larger one.
	MaxSegmentPoints int
	// CheckInterval is how often the background loop looks for merge
	// candidates. Zero disables the background loop; callers drive
	// MergeSegments explicitly instead.
	CheckInterval time.Duration
}

// Optimizer owns a named set of live segments (plain segments or
// ProxySegments mid-merge) for one collection and periodically merges
// small segments together.
type Optimizer struct {
	Config
	logger *zap.Logger

	mu       sync.Mutex
	segments map[string]segmententry.SegmentEntry

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

// New creates an Optimizer over the segments already registered in
// initial, starting its background merge loop if CheckInterval is set.
func New(config Config, initial map[string]segmententry.SegmentEntry) (*Optimizer, error) {
	o := &Optimizer{
		Config:    config,
		logger:    zap.L().Named("optimizer"),
		segments:  make(map[string]segmententry.SegmentEntry),
		shutdowns: make(chan struct{}),
	}
	for name, seg := range initial {
		o.segments[name] = seg
	}
	if o.CheckInterval > 0 {
		o.wg.Add(1)
		go o.run()
	}
	return o, nil
}

// Segment returns the currently live segment registered under name.
func (o *Optimizer) Segment(name string) (segmententry.SegmentEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.segments[name]
	return s, ok
}

// Names returns the currently registered segment names.
func (o *Optimizer) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.segments))
	for name := range o.segments {
		out = append(out, name)
	}
	return out
}

func (o *Optimizer) run() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.shutdowns:
			return
		case <-ticker.C:
			candidates := o.smallSegmentCandidates()
			if len(candidates) < 2 {
				continue
			}
			if _, err := o.MergeSegments(context.Background(), candidates); err != nil {
				o.logger.Error("background segment merge failed", zap.Error(err))
			}
		}
	}
}

func (o *Optimizer) smallSegmentCandidates() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for name, seg := range o.segments {
		if _, isProxy := seg.(*proxy.ProxySegment); isProxy {
			continue // already being merged
		}
		if seg.PointsCount() < o.MaxSegmentPoints {
			out = append(out, name)
		}
	}
	return out
}

// MergeSegments wraps every named segment in a ProxySegment (so writers
// targeting it keep working against its write segment throughout), then
// folds each proxy's merged view into a single fresh segment via
// SegmentBuilder, and atomically swaps the merged segment in for the
// originals. Each proxy's DropData then removes its write segment's
// data; the wrapped segments' directories are not removed.
func (o *Optimizer) MergeSegments(ctx context.Context, names []string) (string, error) {
	if len(names) == 0 {
		return "", segtypes.NewServiceError("optimizer: no segments given to merge")
	}

	o.mu.Lock()
	srcs := make([]segmententry.SegmentEntry, 0, len(names))
	for _, n := range names {
		seg, ok := o.segments[n]
		if !ok {
			o.mu.Unlock()
			return "", segtypes.NewServiceError("optimizer: unknown segment %q", n)
		}
		px, err := o.wrapInProxyLocked(n, seg)
		if err != nil {
			o.mu.Unlock()
			return "", err
		}
		srcs = append(srcs, px)
	}
	cfg := srcs[0].Config()
	o.mu.Unlock()

	mergedName := "merged-" + uuid.NewString()
	tmpDir := filepath.Join(o.DataDir, ".building-"+mergedName)
	b, err := builder.New(tmpDir, cfg)
	if err != nil {
		return "", err
	}
	for _, src := range srcs {
		if _, err := b.UpdateFrom(ctx, src); err != nil {
			_ = b.Cancel()
			return "", err
		}
	}

	dstDir := filepath.Join(o.DataDir, mergedName)
	merged, err := b.Build(ctx, dstDir)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	for _, n := range names {
		old := o.segments[n]
		delete(o.segments, n)
		if err := old.DropData(); err != nil {
			o.logger.Error("failed to drop merged-away segment data", zap.String("segment", n), zap.Error(err))
		}
	}
	o.segments[mergedName] = merged
	o.mu.Unlock()

	o.logger.Info("merged segments", zap.Strings("sources", names), zap.String("result", mergedName))
	return mergedName, nil
}

// wrapInProxyLocked wraps seg in a ProxySegment if it isn't one already.
// Must be called with o.mu held.
func (o *Optimizer) wrapInProxyLocked(name string, seg segmententry.SegmentEntry) (*proxy.ProxySegment, error) {
	if px, ok := seg.(*proxy.ProxySegment); ok {
		return px, nil
	}
	realSeg, ok := seg.(*segment.Segment)
	if !ok {
		return nil, segtypes.NewServiceError("optimizer: segment %q is neither a Segment nor a ProxySegment", name)
	}
	writeDir := filepath.Join(o.DataDir, ".proxy-write-"+name+"-"+uuid.NewString())
	if err := os.MkdirAll(writeDir, 0755); err != nil {
		return nil, err
	}
	writeSeg, err := segment.New(writeDir, realSeg.Config())
	if err != nil {
		return nil, err
	}
	px := proxy.New(realSeg, writeSeg)
	o.segments[name] = px
	return px, nil
}

// Shutdown stops the background merge loop. Safe to call multiple
// times.
func (o *Optimizer) Shutdown() error {
	o.shutdownLock.Lock()
	defer o.shutdownLock.Unlock()
	if o.shutdown {
		return nil
	}
	o.shutdown = true
	close(o.shutdowns)
	o.wg.Wait()
	return nil
}
