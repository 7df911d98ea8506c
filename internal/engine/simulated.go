package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/tilebreeder/internal/task"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// SimulatedConfig configures the in-process engine.
type SimulatedConfig struct {
	// Layers is the catalog of layer names this node serves. Empty means any layer.
	Layers []string
	// TilesPerSecond throttles rendering; zero or less renders without limit.
	TilesPerSecond float64
	// Metatile is the largest metatile side, used to size the limiter burst.
	Metatile int
}

type cacheKey struct {
	layer string
	zoom  int
	x, y  int64
}

// Simulated is a TaskFactory that "renders" metatiles into an in-memory cache
// set instead of a tile store. SEED skips metatiles already cached, RESEED
// renders every metatile, TRUNCATE removes them.
type Simulated struct {
	mu      sync.RWMutex
	layers  map[string]struct{}
	cache   map[cacheKey]int64
	limiter *rate.Limiter
}

// NewSimulated builds a Simulated engine.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	m := cfg.Metatile
	if m < 1 {
		m = DefaultMetatile
	}
	limit := rate.Inf
	if cfg.TilesPerSecond > 0 {
		limit = rate.Limit(cfg.TilesPerSecond)
	}
	s := &Simulated{
		layers:  make(map[string]struct{}, len(cfg.Layers)),
		cache:   make(map[cacheKey]int64),
		limiter: rate.NewLimiter(limit, m*m),
	}
	for _, l := range cfg.Layers {
		s.layers[l] = struct{}{}
	}
	return s
}

// HasLayer reports whether the layer is served. An empty catalog serves every layer.
func (s *Simulated) HasLayer(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.layers) == 0 {
		return true
	}
	_, ok := s.layers[name]
	return ok
}

// CachedTiles returns how many tiles of the layer are currently cached.
func (s *Simulated) CachedTiles(layer string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k, tiles := range s.cache {
		if k.layer == layer {
			n += tiles
		}
	}
	return n
}

// CreateLocalTask implements TaskFactory.
func (s *Simulated) CreateLocalTask(desc types.Descriptor, p Partition) (task.Work, error) {
	layer := desc.Range.LayerName
	if layer == "" {
		layer = desc.Layer
	}
	if !s.HasLayer(layer) {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, layer)
	}
	switch desc.Type {
	case types.OpSeed, types.OpReseed:
		return &seedWork{engine: s, layer: layer, part: p, reseed: desc.Type == types.OpReseed, total: p.TileCount()}, nil
	case types.OpTruncate:
		return &truncateWork{engine: s, layer: layer, part: p, total: p.TileCount()}, nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownOperation, desc.Type)
	}
}

func (s *Simulated) cached(k cacheKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[k]
	return ok
}

func (s *Simulated) store(k cacheKey, tiles int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[k] = tiles
}

func (s *Simulated) remove(k cacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, k)
}

// wait takes n tokens in chunks no larger than the limiter burst.
func (s *Simulated) wait(ctx context.Context, n int64) error {
	burst := int64(s.limiter.Burst())
	for n > 0 {
		chunk := min(n, burst)
		if err := s.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func keyOf(layer string, m Metatile) cacheKey {
	return cacheKey{layer: layer, zoom: m.Zoom, x: m.MinX, y: m.MinY}
}

type seedWork struct {
	engine *Simulated
	layer  string
	part   Partition
	reseed bool
	total  int64
}

func (w *seedWork) Total() int64 { return w.total }

func (w *seedWork) Run(ctx context.Context, tick func(int64) bool) error {
	var err error
	walkErr := w.part.Walk(ctx, func(m Metatile) bool {
		k := keyOf(w.layer, m)
		if w.reseed || !w.engine.cached(k) {
			if err = w.engine.wait(ctx, m.Tiles()); err != nil {
				return false
			}
			w.engine.store(k, m.Tiles())
		}
		return tick(m.Tiles())
	})
	if err != nil {
		return err
	}
	return walkErr
}

type truncateWork struct {
	engine *Simulated
	layer  string
	part   Partition
	total  int64
}

func (w *truncateWork) Total() int64 { return w.total }

func (w *truncateWork) Run(ctx context.Context, tick func(int64) bool) error {
	return w.part.Walk(ctx, func(m Metatile) bool {
		w.engine.remove(keyOf(w.layer, m))
		return tick(m.Tiles())
	})
}
