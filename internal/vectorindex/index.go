// Package vectorindex implements an exact-distance nearest-neighbor index
// over fixed-dimension float vectors, with disk persistence and cross-process
// staleness detection via the snapshot file's modification time.
package vectorindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	indexFileName = "vector_index.bin"
	idsFileName   = "chunk_ids.json"

	blobMagic   = 0x44515649 // "DQVI"
	blobVersion = 1
)

var indexedVectors = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "docquery_index_vectors",
	Help: "Number of vectors currently held in the index.",
})

// Hit is a single nearest-neighbor result.
type Hit struct {
	ChunkID  int64
	Distance float64
}

// Stats describes the current index state for the ops surface.
type Stats struct {
	TotalVectors int    `json:"total_vectors"`
	Dimension    int    `json:"dimension"`
	IndexPath    string `json:"index_path"`
	IDsPath      string `json:"ids_path"`
}

// Index is a flat exact-L2 index. Vectors are stored flattened; position i in
// the id list corresponds to vector i. Reads tolerate concurrent searches;
// the caller's job dispatch guarantees at most one writer at a time.
type Index struct {
	mu  sync.RWMutex
	dim int

	vectors []float32 // len == count*dim
	ids     []int64

	indexPath string
	idsPath   string

	// mtime of the snapshot observed at the last successful load; zero when
	// the in-memory state was never loaded from disk.
	loadedMtime time.Time

	logger *log.Logger
}

// New opens or creates an index of the given dimension rooted at dir. An
// existing snapshot is loaded; a corrupt one is discarded with a warning in
// favour of a fresh empty index.
func New(dim int, dir string, logger *log.Logger) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dim)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	ix := &Index{
		dim:       dim,
		indexPath: filepath.Join(dir, indexFileName),
		idsPath:   filepath.Join(dir, idsFileName),
		logger:    logger,
	}
	if _, err := os.Stat(ix.indexPath); err == nil {
		if err := ix.Load(); err != nil {
			// Load already fell back to an empty index; surface nothing.
			logger.Printf("warn: initial load failed: %v", err)
		}
	}
	return ix, nil
}

// Dimension returns the configured vector dimension.
func (ix *Index) Dimension() int { return ix.dim }

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Add appends vectors with their chunk ids and returns the number added.
// It does not persist; call Save once the batch is complete.
func (ix *Index) Add(vectors [][]float32, ids []int64) (int, error) {
	if len(vectors) != len(ids) {
		return 0, &LengthError{Vectors: len(vectors), IDs: len(ids)}
	}
	if len(vectors) == 0 {
		return 0, nil
	}
	for _, v := range vectors {
		if len(v) != ix.dim {
			return 0, &DimensionError{Want: ix.dim, Got: len(v)}
		}
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, v := range vectors {
		ix.vectors = append(ix.vectors, v...)
	}
	ix.ids = append(ix.ids, ids...)
	indexedVectors.Set(float64(len(ix.ids)))
	return len(vectors), nil
}

// Search returns up to k hits ordered by ascending distance. Distances are
// squared L2, the exact flat-index convention. An empty index yields an empty
// result, never an error. The on-disk snapshot is reloaded first when a writer
// process has saved a newer one.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != ix.dim {
		return nil, &DimensionError{Want: ix.dim, Got: len(query)}
	}
	ix.maybeReload()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.ids)
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	hits := make([]Hit, n)
	for i := 0; i < n; i++ {
		row := ix.vectors[i*ix.dim : (i+1)*ix.dim]
		var d float64
		for j, q := range query {
			diff := float64(q) - float64(row[j])
			d += diff * diff
		}
		hits[i] = Hit{ChunkID: ix.ids[i], Distance: d}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Distance < hits[b].Distance })
	return hits[:k], nil
}

// Rebuild replaces the entire index contents atomically and persists the new
// snapshot. This is the only way to remove vectors. The previous contents stay
// searchable until the swap.
func (ix *Index) Rebuild(vectors [][]float32, ids []int64) error {
	if len(vectors) != len(ids) {
		return &LengthError{Vectors: len(vectors), IDs: len(ids)}
	}
	flat := make([]float32, 0, len(vectors)*ix.dim)
	for _, v := range vectors {
		if len(v) != ix.dim {
			return &DimensionError{Want: ix.dim, Got: len(v)}
		}
		flat = append(flat, v...)
	}
	newIDs := append([]int64(nil), ids...)

	ix.mu.Lock()
	ix.vectors = flat
	ix.ids = newIDs
	indexedVectors.Set(float64(len(ix.ids)))
	ix.mu.Unlock()

	ix.logger.Printf("rebuilt index with %d vectors", len(newIDs))
	return ix.Save()
}

// Save persists the vector blob and the id list as one logical unit. Files are
// written to temp paths and renamed so a concurrent reader in another process
// observes either the previous snapshot or the new one.
func (ix *Index) Save() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.writeBlob(); err != nil {
		return fmt.Errorf("save vector blob: %w", err)
	}
	if err := ix.writeIDs(); err != nil {
		return fmt.Errorf("save id list: %w", err)
	}
	if st, err := os.Stat(ix.indexPath); err == nil {
		ix.loadedMtime = st.ModTime()
	}
	ix.logger.Printf("saved index with %d vectors to %s", len(ix.ids), ix.indexPath)
	return nil
}

// Load restores the snapshot from disk, asserting that the id count matches
// the vector count. A mismatch or unreadable snapshot is corruption: the index
// falls back to empty rather than operating on inconsistent state.
func (ix *Index) Load() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.loadLocked()
}

func (ix *Index) loadLocked() error {
	vectors, count, err := ix.readBlob()
	if err == nil {
		var ids []int64
		ids, err = ix.readIDs()
		if err == nil && len(ids) != count {
			err = fmt.Errorf("id count %d does not match vector count %d", len(ids), count)
		}
		if err == nil {
			ix.vectors = vectors
			ix.ids = ids
			indexedVectors.Set(float64(len(ix.ids)))
			if st, statErr := os.Stat(ix.indexPath); statErr == nil {
				ix.loadedMtime = st.ModTime()
			}
			ix.logger.Printf("loaded index with %d vectors from %s", count, ix.indexPath)
			return nil
		}
	}

	ix.logger.Printf("warn: index snapshot corrupt, starting empty: %v", err)
	ix.vectors = nil
	ix.ids = nil
	indexedVectors.Set(0)
	ix.loadedMtime = time.Time{}
	return err
}

// maybeReload reloads the snapshot when its mtime is newer than the one
// observed at the last load. This is how a writer process's appends become
// visible to reader processes.
func (ix *Index) maybeReload() {
	st, err := os.Stat(ix.indexPath)
	if err != nil {
		return
	}
	ix.mu.RLock()
	stale := ix.loadedMtime.IsZero() || st.ModTime().After(ix.loadedMtime)
	ix.mu.RUnlock()
	if !stale {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	// Re-check under the write lock; another goroutine may have reloaded.
	if st2, err := os.Stat(ix.indexPath); err == nil {
		if ix.loadedMtime.IsZero() || st2.ModTime().After(ix.loadedMtime) {
			ix.logger.Printf("index snapshot updated, reloading")
			_ = ix.loadLocked()
		}
	}
}

// Stats reports index statistics.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{
		TotalVectors: len(ix.ids),
		Dimension:    ix.dim,
		IndexPath:    ix.indexPath,
		IDsPath:      ix.idsPath,
	}
}

// Similarity converts a distance into a presentation score in (0, 1],
// monotonically decreasing in distance.
func Similarity(distance float64) float64 {
	return 1 / (1 + distance)
}

func (ix *Index) writeBlob() error {
	tmp := ix.indexPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	header := []uint32{blobMagic, blobVersion, uint32(ix.dim), uint32(len(ix.ids))}
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		f.Close()
		return err
	}
	buf := make([]byte, 4)
	for _, v := range ix.vectors {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, ix.indexPath)
}

func (ix *Index) readBlob() ([]float32, int, error) {
	f, err := os.Open(ix.indexPath)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	header := make([]uint32, 4)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, 0, fmt.Errorf("read blob header: %w", err)
	}
	if header[0] != blobMagic {
		return nil, 0, fmt.Errorf("bad blob magic %#x", header[0])
	}
	if header[1] != blobVersion {
		return nil, 0, fmt.Errorf("unsupported blob version %d", header[1])
	}
	if int(header[2]) != ix.dim {
		return nil, 0, fmt.Errorf("blob dimension %d does not match index dimension %d", header[2], ix.dim)
	}
	count := int(header[3])

	vectors := make([]float32, count*ix.dim)
	if err := binary.Read(f, binary.LittleEndian, vectors); err != nil {
		return nil, 0, fmt.Errorf("read blob payload: %w", err)
	}
	return vectors, count, nil
}

func (ix *Index) writeIDs() error {
	data, err := json.Marshal(ix.ids)
	if err != nil {
		return err
	}
	tmp := ix.idsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ix.idsPath)
}

func (ix *Index) readIDs() ([]int64, error) {
	data, err := os.ReadFile(ix.idsPath)
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode id list: %w", err)
	}
	return ids, nil
}
