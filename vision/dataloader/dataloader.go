package dataloader

import (
	"context"
	"math/rand"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Batch is one mini-batch in CHW layout: Images holds Size*3*S*S values.
type Batch struct {
	Images []float32
	Labels []int32
	Paths  []string
	Size   int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	ImageSize  int
	NumWorkers int // Number of parallel workers for preprocessing
	// Augment enables the random train transform. Augmented loaders never
	// use the cache.
	Augment      bool
	Augmentation preprocessing.Augmentation
	// Seed drives shuffling and augmentation.
	Seed int64
	// CacheBytes bounds the tensor cache. Zero disables it.
	CacheBytes int64
	Logger     *zap.Logger
}

// DataLoader yields batches of preprocessed images from a Dataset.
type DataLoader struct {
	dataset   Dataset
	cfg       Config
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex
	skipped   int
	cache     *CacheManager
	processor *preprocessing.ImageProcessor
	log       *zap.Logger
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, cfg Config) *DataLoader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		cfg:       cfg,
		indices:   indices,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		processor: preprocessing.NewImageProcessor(cfg.ImageSize),
		log:       logging.OrNop(cfg.Logger),
	}
	if cfg.CacheBytes > 0 && !cfg.Augment {
		dl.cache = NewCacheManager(cfg.CacheBytes)
	}
	dl.shuffle()

	return dl
}

func (dl *DataLoader) shuffle() {
	if !dl.cfg.Shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds the loader and reshuffles when shuffling is enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.shuffle()
}

// Len returns the number of samples.
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// NumBatches returns the number of batches per pass.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// NextBatch loads the next batch. It returns nil, nil once the pass is
// exhausted. Images that fail to load are logged and left out, so a batch
// can be smaller than BatchSize.
func (dl *DataLoader) NextBatch(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, nil
	}

	n := dl.cfg.BatchSize
	if remaining < n {
		n = remaining
	}
	batchIndices := dl.indices[dl.position : dl.position+n]
	dl.position += n

	// Seeds are drawn up front so results do not depend on worker scheduling.
	seeds := make([]int64, n)
	if dl.cfg.Augment {
		for i := range seeds {
			seeds[i] = dl.rng.Int63()
		}
	}

	pixels := 3 * dl.cfg.ImageSize * dl.cfg.ImageSize
	slots := make([][]float32, n)
	labels := make([]int32, n)
	paths := make([]string, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.cfg.NumWorkers)
	for i, idx := range batchIndices {
		i, idx := i, idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, label, err := dl.dataset.GetItem(idx)
			if err != nil {
				dl.log.Warn("skipping dataset item", zap.Int("index", idx), zap.Error(err))
				return nil
			}
			data, err := dl.load(path, seeds[i])
			if err != nil {
				dl.log.Warn("skipping unreadable image", zap.String("path", path), zap.Error(err))
				return nil
			}
			slots[i], labels[i], paths[i] = data, int32(label), path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &Batch{Images: make([]float32, 0, n*pixels)}
	for i, data := range slots {
		if data == nil {
			dl.skipped++
			continue
		}
		batch.Images = append(batch.Images, data...)
		batch.Labels = append(batch.Labels, labels[i])
		batch.Paths = append(batch.Paths, paths[i])
		batch.Size++
	}

	return batch, nil
}

func (dl *DataLoader) load(path string, seed int64) ([]float32, error) {
	if dl.cfg.Augment {
		img, err := preprocessing.LoadImage(path)
		if err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(seed))
		return dl.processor.PreprocessAugmented(img, dl.cfg.Augmentation, rng).Data, nil
	}

	if dl.cache != nil {
		if data, ok := dl.cache.Get(path); ok {
			return data, nil
		}
	}

	processed, err := dl.processor.LoadAndPreprocess(path)
	if err != nil {
		return nil, err
	}

	if dl.cache != nil {
		dl.cache.Put(path, processed.Data)
	}
	return processed.Data, nil
}

// Skipped returns how many items failed to load so far.
func (dl *DataLoader) Skipped() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.skipped
}

// Stats returns cache statistics, or the zero value when caching is off.
func (dl *DataLoader) Stats() CacheStats {
	if dl.cache == nil {
		return CacheStats{}
	}
	return dl.cache.Stats()
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}
