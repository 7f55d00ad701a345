package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go-wanglab/internal/cache"
	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/extractor"
	"go-wanglab/internal/factory"
	"go-wanglab/internal/logger"
	"go-wanglab/internal/model"
	"go-wanglab/internal/pipeline"
	"go-wanglab/internal/repository"
	"go-wanglab/internal/results"
	"go-wanglab/pkg/imaging"
	"go-wanglab/pkg/models"
)

// DefaultFetchConcurrency bounds parallel image downloads per request.
const DefaultFetchConcurrency = 8

// FeatureService defines the operations exposed over HTTP
type FeatureService interface {
	// Extract fetches images and returns their feature vectors
	Extract(ctx context.Context, req models.ExtractRequest) (*models.ExtractResponse, error)

	// Run fetches images, optionally trains the requested model, and
	// returns one result row per requested image
	Run(ctx context.Context, req models.RunRequest) (*results.Table, error)

	// Steps lists the registered extraction steps
	Steps() []extractor.StepSpec

	// Models lists the registered model kinds
	Models() []models.ModelInfo

	// CacheStats reports feature cache counters
	CacheStats() cache.Stats
}

// Options tunes a featureService.
type Options struct {
	RunTimeout       time.Duration
	FetchConcurrency int
}

// featureService implements FeatureService
type featureService struct {
	imageRepo    repository.ImageRepository
	orchestrator *pipeline.Orchestrator
	models       factory.ModelFactory
	opts         Options
	log          *logrus.Entry
}

// NewFeatureService creates a new feature service
func NewFeatureService(
	imageRepository repository.ImageRepository,
	orchestrator *pipeline.Orchestrator,
	modelFactory factory.ModelFactory,
	opts Options,
) FeatureService {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	return &featureService{
		imageRepo:    imageRepository,
		orchestrator: orchestrator,
		models:       modelFactory,
		opts:         opts,
		log:          logger.Component("service"),
	}
}

func (s *featureService) withRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RunTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.RunTimeout)
}

// Extract fetches every image and extracts features for those that
// arrived. Fetch and extraction failures are reported per image.
func (s *featureService) Extract(ctx context.Context, req models.ExtractRequest) (*models.ExtractResponse, error) {
	start := time.Now()
	cfg, err := extractor.ParseConfig(req.Config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withRunTimeout(ctx)
	defer cancel()

	images, fetchErrs := s.fetchAll(ctx, req.Images)
	present, positions := compact(images)
	vectors, extractErrs := s.orchestrator.ExtractEach(ctx, present, cfg)

	resp := &models.ExtractResponse{
		ConfigHash: cfg.Hash(),
		Vectors:    make([]models.VectorResult, len(req.Images)),
	}
	for i, ref := range req.Images {
		resp.Vectors[i] = models.VectorResult{Index: i, ImageID: ref.ID, Source: ref.URL}
	}
	for j, i := range positions {
		if fv := vectors[j]; fv != nil {
			resp.Vectors[i].ImageID = fv.ImageID
			resp.Vectors[i].Values = fv.Values
			resp.Vectors[i].Summary = fv.Summary()
		}
		fetchErrs[i] = extractErrs[j]
	}
	for i, err := range fetchErrs {
		if err != nil {
			resp.Vectors[i].ErrorKind = string(apperrors.TypeOf(err))
			resp.Vectors[i].Error = err.Error()
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	resp.ProcessingTimeSec = time.Since(start).Seconds()
	return resp, nil
}

// Run builds the requested model, trains it when a training set is given,
// and runs the pipeline over every image that could be fetched. Images
// that failed to fetch become failed rows at their request position.
func (s *featureService) Run(ctx context.Context, req models.RunRequest) (*results.Table, error) {
	cfg, err := extractor.ParseConfig(req.Config)
	if err != nil {
		return nil, err
	}
	m, err := s.models.CreateModel(model.Spec{Kind: req.Model.Kind, Params: req.Model.Params, Labels: req.Model.Labels})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := s.withRunTimeout(ctx)
	defer cancel()

	if req.Training != nil {
		if err := s.train(runCtx, req.Training, cfg, m); err != nil {
			return nil, err
		}
	}

	images, fetchErrs := s.fetchAll(runCtx, req.Images)
	present, positions := compact(images)

	table, runErr := s.orchestrator.Run(runCtx, present, cfg, m)
	if table == nil {
		return nil, runErr
	}

	merged, err := merge(table, req.Images, positions, fetchErrs)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":    merged.RunID,
		"model":     m.Name(),
		"items":     merged.Len(),
		"succeeded": len(merged.Succeeded()),
		"failed":    len(merged.Failed()),
	}).Info("Pipeline run finished")

	return merged, runErr
}

func (s *featureService) train(ctx context.Context, set *models.TrainingSet, cfg *extractor.PipelineConfig, m model.Model) error {
	if set.Labels != nil && len(set.Labels) != len(set.Images) {
		return apperrors.NewValidationError(fmt.Sprintf("%d labels for %d training images", len(set.Labels), len(set.Images)), nil)
	}
	images, errs := s.fetchAll(ctx, set.Images)
	if err := errors.Join(errs...); err != nil {
		return apperrors.NewValidationError("training images could not be fetched", err)
	}
	return s.orchestrator.Train(ctx, images, set.Labels, cfg, m)
}

// fetchAll downloads refs concurrently. Slot i holds either an image or
// the error that prevented it.
func (s *featureService) fetchAll(ctx context.Context, refs []models.ImageRef) ([]*imaging.Image, []error) {
	images := make([]*imaging.Image, len(refs))
	errs := make([]error, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			images[i], errs[i] = s.imageRepo.FetchImage(gctx, ref.ID, ref.URL)
			return nil
		})
	}
	_ = g.Wait()
	return images, errs
}

// Steps lists the registered extraction steps
func (s *featureService) Steps() []extractor.StepSpec {
	return extractor.Steps()
}

// Models lists the registered model kinds
func (s *featureService) Models() []models.ModelInfo {
	kinds := s.models.Kinds()
	out := make([]models.ModelInfo, 0, len(kinds))
	for _, k := range kinds {
		params, _ := model.Params(k)
		out = append(out, models.ModelInfo{Kind: k, Params: params})
	}
	return out
}

// CacheStats reports feature cache counters
func (s *featureService) CacheStats() cache.Stats {
	return s.orchestrator.Cache().Stats()
}

// compact drops nil images and remembers where the rest came from.
func compact(images []*imaging.Image) ([]*imaging.Image, []int) {
	present := make([]*imaging.Image, 0, len(images))
	positions := make([]int, 0, len(images))
	for i, img := range images {
		if img != nil {
			present = append(present, img)
			positions = append(positions, i)
		}
	}
	return present, positions
}

// merge re-indexes pipeline rows to request positions and adds a failed row
// for every image that never reached the pipeline.
func merge(table *results.Table, refs []models.ImageRef, positions []int, fetchErrs []error) (*results.Table, error) {
	agg := results.NewAggregator(len(refs), results.Provenance{
		RunID:      table.RunID,
		ConfigHash: table.ConfigHash,
		ModelName:  table.ModelName,
	})
	for j, row := range table.Rows() {
		row.Index = positions[j]
		row.Source = refs[row.Index].URL
		if err := agg.Add(row); err != nil {
			return nil, err
		}
	}
	for i, err := range fetchErrs {
		if err != nil {
			row := results.Failure(i, refs[i].ID, nil, err)
			row.Source = refs[i].URL
			if addErr := agg.Add(row); addErr != nil {
				return nil, addErr
			}
		}
	}
	return agg.Finalize()
}
