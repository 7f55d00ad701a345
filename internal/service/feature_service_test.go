package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/factory"
	"go-wanglab/internal/pipeline"
	"go-wanglab/internal/results"
	"go-wanglab/pkg/imaging"
	"go-wanglab/pkg/models"
)

const normalizeOnly = `{"steps": [{"name": "normalize"}]}`

// hangURL never answers until the caller gives up.
const hangURL = "mem://hang"

// mapRepository serves images from memory; unknown URLs are not found.
type mapRepository struct {
	images map[string][]float64
}

func (r *mapRepository) FetchImage(ctx context.Context, id, url string) (*imaging.Image, error) {
	if url == hangURL {
		<-ctx.Done()
		return nil, apperrors.NewCancelledError("fetch abandoned", ctx.Err())
	}
	data, ok := r.images[url]
	if !ok {
		return nil, apperrors.NewNotFoundError("no image at "+url, nil)
	}
	return imaging.New(id, []int{1, len(data)}, imaging.Uint8, data)
}

func (r *mapRepository) ValidateImageURL(string) error { return nil }
func (r *mapRepository) Schemes() []string             { return []string{"mem"} }

func newTestService() FeatureService {
	return newTestServiceWithTimeout(10 * time.Second)
}

func newTestServiceWithTimeout(runTimeout time.Duration) FeatureService {
	repo := &mapRepository{images: map[string][]float64{
		"mem://dark1":   {0, 10},
		"mem://dark2":   {10, 0},
		"mem://bright1": {250, 240},
		"mem://bright2": {240, 250},
		"mem://q":       {0, 51},
		"mem://flat":    {255, 255},
	}}
	orch := pipeline.New(nil, nil, nil, pipeline.Options{Workers: 2})
	return NewFeatureService(repo, orch, factory.NewModelFactory(), Options{RunTimeout: runTimeout})
}

func TestExtract(t *testing.T) {
	svc := newTestService()
	resp, err := svc.Extract(context.Background(), models.ExtractRequest{
		Images: []models.ImageRef{
			{ID: "q", URL: "mem://q"},
			{URL: "mem://missing"},
			{URL: "mem://flat"},
		},
		Config: []byte(normalizeOnly),
	})
	require.NoError(t, err)
	require.Len(t, resp.Vectors, 3)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)

	assert.Equal(t, "q", resp.Vectors[0].ImageID)
	assert.InDeltaSlice(t, []float64{0, 0.2}, resp.Vectors[0].Values, 1e-12)
	assert.Empty(t, resp.Vectors[1].ImageID)
	assert.Equal(t, "mem://missing", resp.Vectors[1].Source)
	assert.NotEmpty(t, resp.Vectors[2].ImageID, "anonymous images report their fingerprint")
	assert.Equal(t, "not_found", resp.Vectors[1].ErrorKind)
	assert.Nil(t, resp.Vectors[1].Values)
	assert.Equal(t, []float64{1, 1}, resp.Vectors[2].Values)
	assert.Equal(t, 2, resp.Vectors[2].Index)

	assert.Equal(t, int64(2), svc.CacheStats().Computes)
}

func TestExtract_InvalidConfig(t *testing.T) {
	_, err := newTestService().Extract(context.Background(), models.ExtractRequest{
		Images: []models.ImageRef{{URL: "mem://q"}},
		Config: []byte(`{"steps": [{"name": "gausian"}]}`),
	})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidConfig))
}

func TestRun_FetchFailuresKeepTheirPosition(t *testing.T) {
	table, err := newTestService().Run(context.Background(), models.RunRequest{
		Images: []models.ImageRef{
			{URL: "mem://q"},
			{URL: "mem://missing"},
			{URL: "mem://flat"},
		},
		Config: []byte(normalizeOnly),
		Model:  models.ModelSpec{Kind: "norm_threshold", Params: map[string]float64{"threshold": 1}, Labels: []string{"A", "B"}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())
	assert.Equal(t, []string{"A", "", "B"}, table.Labels())
	assert.Equal(t, []int{1}, table.Failed())
	assert.Equal(t, "not_found", table.Row(1).ErrorKind)
	assert.Equal(t, "mem://missing", table.Row(1).Source)
	assert.Equal(t, "mem://q", table.Row(0).Source)
	assert.Equal(t, "mem://missing", table.Records()[2][0], "item_id falls back to the source")
	for i, r := range table.Rows() {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, "norm_threshold", r.ModelName)
	}
}

func TestRun_WithTraining(t *testing.T) {
	svc := newTestService()
	table, err := svc.Run(context.Background(), models.RunRequest{
		Images: []models.ImageRef{{URL: "mem://q"}, {URL: "mem://flat"}},
		Config: []byte(normalizeOnly),
		Model:  models.ModelSpec{Kind: "nearest_centroid"},
		Training: &models.TrainingSet{
			Images: []models.ImageRef{{URL: "mem://dark1"}, {URL: "mem://dark2"}, {URL: "mem://bright1"}, {URL: "mem://bright2"}},
			Labels: []string{"dark", "dark", "bright", "bright"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dark", "bright"}, table.Labels())
	assert.Equal(t, results.StatusSuccess, table.Row(0).Status)
}

func TestRun_Errors(t *testing.T) {
	svc := newTestService()
	images := []models.ImageRef{{URL: "mem://q"}}

	tests := []struct {
		name string
		req  models.RunRequest
		want apperrors.ErrorType
	}{
		{
			name: "unknown model",
			req:  models.RunRequest{Images: images, Config: []byte(normalizeOnly), Model: models.ModelSpec{Kind: "svm"}},
			want: apperrors.ErrorTypeInvalidConfig,
		},
		{
			name: "untrained model",
			req:  models.RunRequest{Images: images, Config: []byte(normalizeOnly), Model: models.ModelSpec{Kind: "knn"}},
			want: apperrors.ErrorTypeUnfittedModel,
		},
		{
			name: "bad config",
			req:  models.RunRequest{Images: images, Config: []byte(`{`), Model: models.ModelSpec{Kind: "knn"}},
			want: apperrors.ErrorTypeInvalidConfig,
		},
		{
			name: "training label count",
			req: models.RunRequest{Images: images, Config: []byte(normalizeOnly), Model: models.ModelSpec{Kind: "knn"},
				Training: &models.TrainingSet{Images: images, Labels: []string{"a", "b"}}},
			want: apperrors.ErrorTypeValidation,
		},
		{
			name: "training image missing",
			req: models.RunRequest{Images: images, Config: []byte(normalizeOnly), Model: models.ModelSpec{Kind: "knn"},
				Training: &models.TrainingSet{Images: []models.ImageRef{{URL: "mem://missing"}}, Labels: []string{"a"}}},
			want: apperrors.ErrorTypeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := svc.Run(context.Background(), tt.req)
			assert.Nil(t, table)
			assert.Equal(t, tt.want, apperrors.TypeOf(err), "got %v", err)
		})
	}
}

func TestCatalogues(t *testing.T) {
	svc := newTestService()
	assert.NotEmpty(t, svc.Steps())

	kinds := map[string][]string{}
	for _, m := range svc.Models() {
		kinds[m.Kind] = m.Params
	}
	assert.Contains(t, kinds, "kmeans")
	assert.Equal(t, []string{"k"}, kinds["knn"])
}

func TestRunTimeoutBoundsFetching(t *testing.T) {
	svc := newTestServiceWithTimeout(50 * time.Millisecond)
	images := []models.ImageRef{{URL: "mem://q"}, {URL: hangURL}}

	done := make(chan struct{})
	var (
		table *results.Table
		err   error
	)
	go func() {
		defer close(done)
		table, err = svc.Run(context.Background(), models.RunRequest{
			Images: images,
			Config: []byte(normalizeOnly),
			Model:  models.ModelSpec{Kind: "norm_threshold", Params: map[string]float64{"threshold": 1}},
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored the run timeout while fetching")
	}
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCancelled), "got %v", err)
	require.NotNil(t, table)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, string(apperrors.ErrorTypeCancelled), table.Row(1).ErrorKind)

	resp, err := svc.Extract(context.Background(), models.ExtractRequest{Images: images, Config: []byte(normalizeOnly)})
	require.NoError(t, err)
	assert.Equal(t, string(apperrors.ErrorTypeCancelled), resp.Vectors[1].ErrorKind)
}
