package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// HNSWStore is the local-file vector store. Vectors live in a pure Go
// HNSW graph keyed by uint64; a side table maps image ids to graph keys
// and holds the payloads. The whole store persists as two gob files.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]Payload
	nextKey  uint64

	closed bool
}

var _ VectorStore = (*HNSWStore)(nil)

type hnswMetadata struct {
	IDMap    map[string]uint64
	Payloads map[string]Payload
	NextKey  uint64
	Config   Config
}

// NewHNSWStore creates an empty HNSW store.
func NewHNSWStore(cfg Config) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, aerrors.New(aerrors.KindMisconfigured, "vector store requires positive dimensions")
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}
	if cfg.Collection == "" {
		cfg.Collection = "album"
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:    graph,
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]Payload),
	}, nil
}

// OpenHNSWStore loads a persisted store from cfg.Path, or creates an
// empty one when no index exists yet.
func OpenHNSWStore(cfg Config) (*HNSWStore, error) {
	s, err := NewHNSWStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return s, nil
	}
	indexPath := s.indexPath()
	if _, statErr := os.Stat(indexPath); statErr != nil {
		return s, nil
	}
	if err := s.Load(indexPath); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HNSWStore) indexPath() string {
	return filepath.Join(s.config.Path, s.config.Collection+".hnsw")
}

// Upsert inserts or replaces points. Replaced vectors are lazily
// deleted: the old graph node is orphaned rather than removed, which
// sidesteps graph-repair edge cases on small graphs.
func (s *HNSWStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aerrors.New(aerrors.KindInternal, "vector store is closed")
	}

	for _, p := range points {
		if len(p.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(p.Vector)}
		}
	}

	for _, p := range points {
		if existingKey, exists := s.idMap[p.ID]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, p.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[p.ID] = key
		s.keyMap[key] = p.ID
		s.payloads[p.ID] = p.Payload
	}
	return nil
}

// Search returns up to k filtered nearest neighbours. Filtering is
// post-hoc: the graph is oversampled and widened until k matches are
// found or the whole graph has been considered.
func (s *HNSWStore) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, aerrors.New(aerrors.KindInternal, "vector store is closed")
	}
	if len(vector) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vector)}
	}
	if k <= 0 || s.graph.Len() == 0 {
		return []SearchResult{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	total := s.graph.Len()
	fetch := k
	if !filter.IsZero() {
		fetch = k * 4
	}

	for {
		if fetch > total {
			fetch = total
		}
		nodes := s.graph.Search(query, fetch)

		results := make([]SearchResult, 0, k)
		for _, node := range nodes {
			id, live := s.keyMap[node.Key]
			if !live {
				continue // lazily deleted
			}
			payload := s.payloads[id]
			if !filter.Match(id, payload) {
				continue
			}
			dist := s.graph.Distance(query, node.Value)
			results = append(results, SearchResult{
				ID:      id,
				Score:   1 - dist, // cosine distance to similarity
				Payload: payload,
			})
		}

		if len(results) >= k || fetch >= total {
			// graph.Search does not guarantee distance order, so
			// rank here before truncating.
			sort.Slice(results, func(i, j int) bool {
				if results[i].Score != results[j].Score {
					return results[i].Score > results[j].Score
				}
				return results[i].ID < results[j].ID
			})
			if len(results) > k {
				results = results[:k]
			}
			return results, nil
		}
		fetch *= 2
	}
}

// Scroll pages through matching points newest first, ties broken by id
// ascending so pagination is stable.
func (s *HNSWStore) Scroll(ctx context.Context, filter Filter, limit, offset int) (*ScrollPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, aerrors.New(aerrors.KindInternal, "vector store is closed")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	ids := make([]string, 0, len(s.payloads))
	for id := range s.payloads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.payloads[ids[i]], s.payloads[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})

	page := &ScrollPage{NextOffset: -1}
	for i := offset; i < len(ids); i++ {
		page.Scanned++
		p := s.payloads[ids[i]]
		if !filter.Match(ids[i], p) {
			continue
		}
		page.Points = append(page.Points, Point{ID: ids[i], Payload: p})
		if len(page.Points) == limit {
			if i+1 < len(ids) {
				page.NextOffset = i + 1
			}
			break
		}
	}
	return page, nil
}

// Get returns a point's payload by id.
func (s *HNSWStore) Get(ctx context.Context, id string) (*Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, aerrors.New(aerrors.KindInternal, "vector store is closed")
	}
	p, ok := s.payloads[id]
	if !ok {
		return nil, aerrors.Newf(aerrors.KindNotFound, "point %s not found", id)
	}
	return &Point{ID: id, Payload: p}, nil
}

// Delete removes points by id using lazy deletion.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aerrors.New(aerrors.KindInternal, "vector store is closed")
	}
	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payloads, id)
		}
	}
	return nil
}

// SetPayload merges non-zero payload fields into an existing point.
// The vector is untouched, so description edits don't trigger re-embedding.
func (s *HNSWStore) SetPayload(ctx context.Context, id string, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aerrors.New(aerrors.KindInternal, "vector store is closed")
	}
	current, ok := s.payloads[id]
	if !ok {
		return aerrors.Newf(aerrors.KindNotFound, "point %s not found", id)
	}
	if p.Filename != "" {
		current.Filename = p.Filename
	}
	if p.Path != "" {
		current.Path = p.Path
	}
	if !p.CreatedAt.IsZero() {
		current.CreatedAt = p.CreatedAt
	}
	if p.Tags != nil {
		current.Tags = p.Tags
	}
	if p.Description != "" {
		current.Description = p.Description
	}
	if len(p.Extra) > 0 {
		if current.Extra == nil {
			current.Extra = make(map[string]string, len(p.Extra))
		}
		for k, v := range p.Extra {
			current.Extra[k] = v
		}
	}
	s.payloads[id] = current
	return nil
}

// Count returns the number of live points matching the filter.
func (s *HNSWStore) Count(ctx context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, aerrors.New(aerrors.KindInternal, "vector store is closed")
	}
	if filter.IsZero() {
		return len(s.payloads), nil
	}
	n := 0
	for id, p := range s.payloads {
		if filter.Match(id, p) {
			n++
		}
	}
	return n, nil
}

// Info returns collection metadata.
func (s *HNSWStore) Info(ctx context.Context) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Collection: s.config.Collection,
		Count:      len(s.payloads),
		Dimensions: s.config.Dimensions,
		Mode:       "local-file",
	}, nil
}

// Save persists the graph and metadata atomically (temp file + rename).
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return aerrors.New(aerrors.KindInternal, "vector store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := s.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	meta := hnswMetadata{
		IDMap:    s.idMap,
		Payloads: s.payloads,
		NextKey:  s.nextKey,
		Config:   s.config,
	}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a previously saved store.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return aerrors.New(aerrors.KindInternal, "vector store is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return aerrors.Wrap(aerrors.KindCorruptPayload, "open index metadata", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return aerrors.Wrap(aerrors.KindCorruptPayload, "decode index metadata", err)
	}
	if meta.Config.Dimensions != s.config.Dimensions {
		return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: meta.Config.Dimensions}
	}

	f, err := os.Open(path)
	if err != nil {
		return aerrors.Wrap(aerrors.KindCorruptPayload, "open index file", err)
	}
	defer func() { _ = f.Close() }()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = s.config.M
	graph.EfSearch = s.config.EfSearch
	graph.Ml = 0.25
	// Import reads varints and needs an io.ByteReader.
	if err := graph.Import(bufio.NewReader(f)); err != nil {
		return aerrors.Wrap(aerrors.KindCorruptPayload, "import graph", err)
	}

	s.graph = graph
	s.idMap = meta.IDMap
	s.payloads = meta.Payloads
	s.nextKey = meta.NextKey
	if s.payloads == nil {
		s.payloads = make(map[string]Payload)
	}
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// Flush persists the store to its configured path.
func (s *HNSWStore) Flush() error {
	if s.config.Path == "" {
		return nil
	}
	return s.Save(s.indexPath())
}

// Close flushes and marks the store closed.
func (s *HNSWStore) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
