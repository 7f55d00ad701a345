// Package pipeline runs feature extraction and prediction over batches of
// images.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-wanglab/internal/cache"
	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/extractor"
	"go-wanglab/internal/logger"
	"go-wanglab/internal/model"
	"go-wanglab/internal/observer"
	"go-wanglab/internal/results"
	"go-wanglab/pkg/imaging"
)

// DefaultBatchSize is the number of vectors handed to Predict at once.
const DefaultBatchSize = 32

// Options tunes an Orchestrator.
type Options struct {
	// Workers extracting concurrently. Defaults to runtime.NumCPU().
	Workers int
	// BatchSize bounds how many vectors go to one Predict call.
	BatchSize int
}

// Orchestrator ties the extractor, the cache and a model together. A
// single Orchestrator may serve many runs concurrently.
type Orchestrator struct {
	extractor *extractor.Extractor
	cache     *cache.Cache
	events    observer.Subject
	opts      Options
	log       *logrus.Entry
}

// New creates an orchestrator. A nil extractor or cache gets a default one;
// events may be nil.
func New(ex *extractor.Extractor, c *cache.Cache, events observer.Subject, opts Options) *Orchestrator {
	if ex == nil {
		ex = extractor.New()
	}
	if c == nil {
		c = cache.New(cache.Options{})
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Orchestrator{
		extractor: ex,
		cache:     c,
		events:    events,
		opts:      opts,
		log:       logger.Component("pipeline"),
	}
}

// Cache returns the cache every run goes through.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Extractor returns the extractor used on cache misses.
func (o *Orchestrator) Extractor() *extractor.Extractor { return o.extractor }

// features extracts through the cache.
func (o *Orchestrator) features(ctx context.Context, img *imaging.Image, cfg *extractor.PipelineConfig) (*extractor.FeatureVector, error) {
	return o.cache.GetOrCompute(ctx, img, cfg, func(ctx context.Context) (fv *extractor.FeatureVector, err error) {
		defer func() {
			if r := recover(); r != nil {
				fv, err = nil, apperrors.NewTransformError(fmt.Sprintf("extraction of %s panicked", itemID(img)), fmt.Errorf("%v", r))
			}
		}()
		return o.extractor.Extract(ctx, img, cfg)
	})
}

// ExtractFeatures returns one vector per image in input order. Failed items
// are nil and their errors are joined into the returned error.
func (o *Orchestrator) ExtractFeatures(ctx context.Context, images []*imaging.Image, cfg *extractor.PipelineConfig) ([]*extractor.FeatureVector, error) {
	if cfg == nil {
		return nil, apperrors.NewInvalidConfigError("nil pipeline config", nil)
	}

	out, errs := o.ExtractEach(ctx, images, cfg)
	for i, err := range errs {
		if err != nil {
			errs[i] = fmt.Errorf("item %d (%s): %w", i, itemID(images[i]), err)
		}
	}
	return out, errors.Join(errs...)
}

// ExtractEach is ExtractFeatures with one error slot per image.
func (o *Orchestrator) ExtractEach(ctx context.Context, images []*imaging.Image, cfg *extractor.PipelineConfig) ([]*extractor.FeatureVector, []error) {
	out := make([]*extractor.FeatureVector, len(images))
	errs := make([]error, len(images))
	if cfg == nil {
		for i := range errs {
			errs[i] = apperrors.NewInvalidConfigError("nil pipeline config", nil)
		}
		return out, errs
	}

	pool := NewWorkerPool(o.opts.Workers)
	pool.Start()
	defer pool.Close()

	for i, img := range images {
		ok := pool.SubmitContext(ctx, func() {
			out[i], errs[i] = o.features(ctx, img, cfg)
		})
		if !ok {
			for j := i; j < len(images); j++ {
				errs[j] = apperrors.NewCancelledError("not dispatched before cancellation", ctx.Err())
			}
			break
		}
	}
	pool.Wait()
	return out, errs
}

// Train extracts features for images (through the cache) and fits m on
// them. labels may be nil for unsupervised models. Every image must
// extract successfully.
func (o *Orchestrator) Train(ctx context.Context, images []*imaging.Image, labels []string, cfg *extractor.PipelineConfig, m model.Model) error {
	if m == nil {
		return apperrors.NewInvalidConfigError("nil model", nil)
	}
	if labels != nil && len(labels) != len(images) {
		return apperrors.NewValidationError(fmt.Sprintf("%d labels for %d training images", len(labels), len(images)), nil)
	}

	vectors, err := o.ExtractFeatures(ctx, images, cfg)
	if err != nil {
		return err
	}
	X := make([][]float64, len(vectors))
	for i, fv := range vectors {
		X[i] = fv.Values
	}

	if err := m.Fit(X, labels); err != nil {
		return err
	}
	o.log.WithFields(logrus.Fields{
		"model":       m.Name(),
		"samples":     len(X),
		"config_hash": cfg.Hash(),
	}).Info("Model trained")
	return nil
}

// Run extracts features for every image and predicts with m, returning one
// row per image in input order. Per-item failures are recorded on their row
// and never abort the run. Configuration and model problems fail before any
// item is touched. When ctx ends, dispatch stops and undispatched items are
// recorded as cancelled. Items already dispatched run to completion. The
// complete table is returned together with a CancelledError.
func (o *Orchestrator) Run(ctx context.Context, images []*imaging.Image, cfg *extractor.PipelineConfig, m model.Model) (*results.Table, error) {
	if cfg == nil {
		return nil, apperrors.NewInvalidConfigError("nil pipeline config", nil)
	}
	if m == nil {
		return nil, apperrors.NewUnfittedModelError("no model given", nil)
	}
	if !m.Fitted() {
		return nil, apperrors.NewUnfittedModelError(fmt.Sprintf("model %s has not been fitted", m.Name()), nil)
	}

	start := time.Now()
	r := &run{
		o:     o,
		id:    uuid.NewString(),
		cfg:   cfg,
		model: m,
		work:  context.WithoutCancel(ctx),
		width: cfg.OutputLen(),
	}
	r.agg = results.NewAggregator(len(images), results.Provenance{
		RunID:      r.id,
		ConfigHash: cfg.Hash(),
		ModelName:  m.Name(),
	})

	r.publish(observer.Event{
		EventType: observer.RunStarted,
		Metadata: map[string]interface{}{
			"items":       len(images),
			"config_hash": cfg.Hash(),
			"model":       m.Name(),
		},
	})

	pool := NewWorkerPool(o.opts.Workers)
	pool.Start()
	defer pool.Close()

	extracted := make(chan item, o.opts.BatchSize)
	batched := make(chan struct{})
	go func() {
		defer close(batched)
		r.batch(extracted)
	}()

	for i, img := range images {
		it := item{index: i, img: img, start: time.Now()}
		if !pool.SubmitContext(ctx, func() { r.extract(it, extracted) }) {
			break
		}
	}
	pool.Wait()
	close(extracted)
	<-batched

	cause := ctx.Err()
	for _, i := range r.agg.Missing() {
		r.fail(item{index: i, img: images[i]}, apperrors.NewCancelledError("not dispatched before cancellation", cause))
	}

	table, err := r.agg.Finalize()
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	r.publish(observer.Event{
		EventType: observer.RunCompleted,
		Duration:  elapsed,
		Success:   cause == nil,
		Metadata: map[string]interface{}{
			"items":     table.Len(),
			"succeeded": len(table.Succeeded()),
			"failed":    len(table.Failed()),
		},
	})

	if cause != nil {
		return table, apperrors.NewCancelledError("run cancelled", cause)
	}
	return table, nil
}

// item is one image moving through a run.
type item struct {
	index int
	img   *imaging.Image
	fv    *extractor.FeatureVector
	start time.Time
}

// run holds the state of one Run call.
type run struct {
	o     *Orchestrator
	id    string
	cfg   *extractor.PipelineConfig
	model model.Model
	agg   *results.Aggregator

	// work carries ctx values for dispatched items but never ends, so an
	// item that started extracting finishes even after the run is cancelled.
	work context.Context

	// width is the vector length the config declares, or -1 when it
	// depends on the input.
	width int
}

// extract runs on a pool worker. Successful vectors go to the batcher.
func (r *run) extract(it item, out chan<- item) {
	fv, err := r.o.features(r.work, it.img, r.cfg)
	if err == nil && r.width >= 0 {
		err = checkWidth(fv, r.width)
	}
	if err != nil {
		r.fail(it, err)
		return
	}
	it.fv = fv
	out <- it
}

func checkWidth(fv *extractor.FeatureVector, width int) error {
	if n := fv.Len(); n != width {
		return apperrors.NewMalformedInputError(fmt.Sprintf("image %s yields %d features, this run uses %d", fv.ImageID, n, width), nil)
	}
	return nil
}

// batch collects extracted items and predicts in groups of BatchSize. It
// returns once in is closed and drained.
func (r *run) batch(in <-chan item) {
	if r.width < 0 {
		r.batchSettled(in)
		return
	}
	buf := make([]item, 0, r.o.opts.BatchSize)
	for it := range in {
		buf = append(buf, it)
		if len(buf) == cap(buf) {
			r.predict(buf)
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		r.predict(buf)
	}
}

// batchSettled waits for every extraction before predicting. The run width
// is taken from the lowest-index vector, so which items fail the width check
// does not depend on completion order.
func (r *run) batchSettled(in <-chan item) {
	var all []item
	for it := range in {
		all = append(all, it)
	}
	if len(all) == 0 {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].index < all[j].index })

	width := all[0].fv.Len()
	buf := make([]item, 0, r.o.opts.BatchSize)
	for _, it := range all {
		if err := checkWidth(it.fv, width); err != nil {
			r.fail(it, err)
			continue
		}
		buf = append(buf, it)
		if len(buf) == cap(buf) {
			r.predict(buf)
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		r.predict(buf)
	}
}

// predict records a row for every item in batch. A failing batch is split
// into single items so one bad vector only fails its own row.
func (r *run) predict(batch []item) {
	X := make([][]float64, len(batch))
	for i, it := range batch {
		X[i] = it.fv.Values
	}

	preds, err := r.safePredict(X)
	if err == nil && len(preds) != len(batch) {
		err = apperrors.NewPredictionError(fmt.Sprintf("model %s returned %d predictions for %d vectors", r.model.Name(), len(preds), len(batch)), nil)
	}
	if err == nil {
		for i, it := range batch {
			r.succeed(it, preds[i])
		}
		return
	}

	if len(batch) == 1 {
		r.fail(batch[0], err)
		return
	}
	r.o.log.WithError(err).WithField("batch_size", len(batch)).Debug("Batch prediction failed, retrying items one by one")
	for _, it := range batch {
		r.predict([]item{it})
	}
}

func (r *run) safePredict(X [][]float64) (preds []model.Prediction, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			preds, err = nil, apperrors.NewPredictionError(fmt.Sprintf("model %s panicked", r.model.Name()), fmt.Errorf("%v", rec))
		}
	}()
	preds, err = r.model.Predict(X)
	if err != nil {
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			err = apperrors.NewPredictionError(fmt.Sprintf("model %s failed", r.model.Name()), err)
		}
	}
	return preds, err
}

func (r *run) succeed(it item, pred model.Prediction) {
	if err := r.agg.Add(results.Success(it.index, itemID(it.img), it.fv, &pred)); err != nil {
		r.o.log.WithError(err).WithField("index", it.index).Error("Failed to record row")
		return
	}
	r.publish(observer.Event{
		EventType: observer.ItemCompleted,
		ImageID:   itemID(it.img),
		Index:     it.index,
		Duration:  since(it.start),
		Success:   true,
	})
}

func (r *run) fail(it item, err error) {
	if addErr := r.agg.Add(results.Failure(it.index, itemID(it.img), it.fv, err)); addErr != nil {
		r.o.log.WithError(addErr).WithField("index", it.index).Error("Failed to record row")
		return
	}
	r.publish(observer.Event{
		EventType:    observer.ItemFailed,
		ImageID:      itemID(it.img),
		Index:        it.index,
		Duration:     since(it.start),
		ErrorKind:    string(apperrors.TypeOf(err)),
		ErrorMessage: err.Error(),
	})
}

func (r *run) publish(ev observer.Event) {
	if r.o.events == nil {
		return
	}
	ev.RunID = r.id
	r.o.events.NotifyObservers(r.work, ev)
}

func itemID(img *imaging.Image) string {
	if img == nil {
		return ""
	}
	return img.Key()
}

func since(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}
