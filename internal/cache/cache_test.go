package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/extractor"
	"go-wanglab/pkg/imaging"
)

func testConfig(t *testing.T) *extractor.PipelineConfig {
	t.Helper()
	cfg, err := extractor.NewPipelineConfig(extractor.PrecisionFloat64, extractor.S("intensity_stats"))
	require.NoError(t, err)
	return cfg
}

func testImage(id string) *imaging.Image {
	img := imaging.Zeros(2, 2, imaging.Uint8)
	img.ID = id
	return img
}

// counting returns a compute func that records how often it ran.
func counting(n *atomic.Int64, id, hash string) ComputeFunc {
	return func(context.Context) (*extractor.FeatureVector, error) {
		n.Add(1)
		return &extractor.FeatureVector{ImageID: id, ConfigHash: hash, Values: []float64{1, 2, 3}}, nil
	}
}

func TestGetOrCompute_HitSkipsCompute(t *testing.T) {
	c := New(Options{})
	cfg := testConfig(t)
	img := testImage("img1")
	var calls atomic.Int64

	first, err := c.GetOrCompute(context.Background(), img, cfg, counting(&calls, "img1", cfg.Hash()))
	require.NoError(t, err)
	second, err := c.GetOrCompute(context.Background(), img, cfg, counting(&calls, "img1", cfg.Hash()))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), calls.Load())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Computes)
	assert.Equal(t, 1, stats.Entries)
}

func TestGetOrCompute_AtMostOnceUnderConcurrency(t *testing.T) {
	c := New(Options{})
	cfg := testConfig(t)
	img := testImage("shared")
	var calls atomic.Int64
	release := make(chan struct{})

	compute := func(context.Context) (*extractor.FeatureVector, error) {
		calls.Add(1)
		<-release
		return &extractor.FeatureVector{ImageID: "shared", Values: []float64{42}}, nil
	}

	const callers = 32
	results := make([]*extractor.FeatureVector, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fv, err := c.GetOrCompute(context.Background(), img, cfg, compute)
			assert.NoError(t, err)
			results[i] = fv
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, fv := range results {
		assert.Same(t, results[0], fv)
	}
}

func TestGetOrCompute_DistinctKeysRunConcurrently(t *testing.T) {
	c := New(Options{})
	cfg := testConfig(t)
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()

	compute := func(context.Context) (*extractor.FeatureVector, error) {
		started.Done()
		select {
		case <-both:
			return &extractor.FeatureVector{Values: []float64{1}}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("other key never started")
		}
	}

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := c.GetOrCompute(context.Background(), testImage(id), cfg, compute)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	c := New(Options{})
	cfg := testConfig(t)
	img := testImage("flaky")

	_, err := c.GetOrCompute(context.Background(), img, cfg, func(context.Context) (*extractor.FeatureVector, error) {
		return nil, apperrors.NewTransformError("boom", nil)
	})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTransform))

	var calls atomic.Int64
	fv, err := c.GetOrCompute(context.Background(), img, cfg, counting(&calls, "flaky", cfg.Hash()))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, fv.Values)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetOrCompute_WaiterCancelled(t *testing.T) {
	c := New(Options{})
	cfg := testConfig(t)
	img := testImage("slow")
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = c.GetOrCompute(context.Background(), img, cfg, func(context.Context) (*extractor.FeatureVector, error) {
			<-release
			return &extractor.FeatureVector{}, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetOrCompute(ctx, img, cfg, func(context.Context) (*extractor.FeatureVector, error) {
		t.Error("waiter must not start its own computation")
		return nil, nil
	})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCancelled))
}

func TestLRUEviction(t *testing.T) {
	c := New(Options{MaxEntries: 1})
	cfg := testConfig(t)
	var calls atomic.Int64

	for _, id := range []string{"a", "b", "a"} {
		_, err := c.GetOrCompute(context.Background(), testImage(id), cfg, counting(&calls, id, cfg.Hash()))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(2), c.Stats().Evictions)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestInvalidateAndPurge(t *testing.T) {
	c := New(Options{})
	cfg := testConfig(t)
	img := testImage("x")
	var calls atomic.Int64

	_, _ = c.GetOrCompute(context.Background(), img, cfg, counting(&calls, "x", cfg.Hash()))
	require.NoError(t, c.Invalidate(context.Background(), img, cfg))
	_, _ = c.GetOrCompute(context.Background(), img, cfg, counting(&calls, "x", cfg.Hash()))
	assert.Equal(t, int64(2), calls.Load())

	c.Purge()
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	img := testImage("persisted")
	var calls atomic.Int64

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	first := New(Options{Store: store, Compression: CompressionZSTD})
	want, err := first.GetOrCompute(context.Background(), img, cfg, counting(&calls, "persisted", cfg.Hash()))
	require.NoError(t, err)

	second := New(Options{Store: store})
	got, err := second.GetOrCompute(context.Background(), img, cfg, counting(&calls, "persisted", cfg.Hash()))
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), second.Stats().StoreHits)
	assert.Equal(t, int64(0), second.Stats().Computes)
}

func TestStore_CorruptRecordIsRecomputed(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	cfg := testConfig(t)
	img := testImage("damaged")
	key := Key{ImageID: "damaged", ConfigHash: cfg.Hash(), Version: extractor.Version}
	require.NoError(t, store.Save(context.Background(), key, []byte("not a record")))

	var calls atomic.Int64
	c := New(Options{Store: store})
	fv, err := c.GetOrCompute(context.Background(), img, cfg, counting(&calls, "damaged", cfg.Hash()))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, fv.Values)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Corruptions)

	// The record was overwritten with a valid one.
	fresh := New(Options{Store: store})
	_, err = fresh.GetOrCompute(context.Background(), img, cfg, counting(&calls, "damaged", cfg.Hash()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(0), fresh.Stats().Corruptions)
}

func TestStore_VersionMismatchIsCorruption(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	cfg := testConfig(t)
	img := testImage("stale")
	var calls atomic.Int64

	old := New(Options{Store: store, Version: "wlfe-0"})
	_, err = old.GetOrCompute(context.Background(), img, cfg, counting(&calls, "stale", cfg.Hash()))
	require.NoError(t, err)

	current := New(Options{Store: store})
	_, err = current.GetOrCompute(context.Background(), img, cfg, counting(&calls, "stale", cfg.Hash()))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(1), current.Stats().Corruptions)
}

func TestStore_CorruptionThenComputeFailure(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	cfg := testConfig(t)
	key := Key{ImageID: "doomed", ConfigHash: cfg.Hash(), Version: extractor.Version}
	require.NoError(t, store.Save(context.Background(), key, []byte{0xff}))

	c := New(Options{Store: store})
	_, err = c.GetOrCompute(context.Background(), testImage("doomed"), cfg, func(context.Context) (*extractor.FeatureVector, error) {
		return nil, apperrors.NewTransformError("no regions", nil)
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeTransform, apperrors.TypeOf(err))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCacheCorruption))
}

func TestFileStore_MissingAndDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	key := Key{ImageID: "none", ConfigHash: "h"}

	_, err = store.Load(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(context.Background(), key))
}
