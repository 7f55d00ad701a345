package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "go-wanglab/internal/errors"
)

func mustConfig(t *testing.T, steps ...Step) *PipelineConfig {
	t.Helper()
	cfg, err := NewPipelineConfig(PrecisionFloat64, steps...)
	require.NoError(t, err)
	return cfg
}

func TestNewPipelineConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  string
	}{
		{"empty", nil, "at least one step"},
		{"unknown step", []Step{S("gausian")}, `did you mean "gaussian"`},
		{"unknown param", []Step{S("gaussian", "radius", 2)}, `no parameter "radius"`},
		{"out of range", []Step{S("gaussian", "sigma", 0.0)}, "outside"},
		{"non integer", []Step{S("gaussian", "times", 1.5)}, "integer"},
		{"measure not last", []Step{S("intensity_stats"), S("normalize")}, "must be the last step"},
		{"dtype chain", []Step{S("threshold"), S("gaussian")}, "does not accept binary"},
		{"rank chain", []Step{S("grayscale"), S("grayscale")}, "does not accept rank 2"},
		{"labels into stats", []Step{S("threshold"), S("label"), S("intensity_stats")}, "does not accept labels"},
		{"histogram range", []Step{S("histogram", "min", 5, "max", 2)}, "max must exceed min"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPipelineConfig(PrecisionFloat64, tt.steps...)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidConfig), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewPipelineConfig_UnknownPrecision(t *testing.T) {
	_, err := NewPipelineConfig("float16", S("normalize"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidConfig))
}

func TestSuggest_FarNamesGetNoSuggestion(t *testing.T) {
	_, err := NewPipelineConfig(PrecisionFloat64, S("watershed"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestConfigEquality(t *testing.T) {
	a := mustConfig(t, S("gaussian", "sigma", 2), S("intensity_stats"))
	b := mustConfig(t, S("gaussian", "sigma", 2.0, "times", 1), S("intensity_stats"))
	c := mustConfig(t, S("gaussian", "sigma", 3), S("intensity_stats"))
	d := mustConfig(t, S("intensity_stats"))

	assert.True(t, a.Equal(b), "spelling out a default must not change identity")
	assert.Equal(t, a.Hash(), b.Hash())
	assert.False(t, a.Equal(c), "one differing parameter changes identity")
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.False(t, a.Equal(d))

	f32, err := NewPipelineConfig(PrecisionFloat32, S("gaussian", "sigma", 2), S("intensity_stats"))
	require.NoError(t, err)
	assert.False(t, a.Equal(f32), "precision is part of identity")
}

func TestConfigEquality_StepOrder(t *testing.T) {
	a := mustConfig(t, S("scale", "factor", 2), S("normalize"))
	b := mustConfig(t, S("normalize"), S("scale", "factor", 2))
	assert.False(t, a.Equal(b))
}

func TestConfig_Immutable(t *testing.T) {
	params := map[string]float64{"sigma": 2}
	cfg := mustConfig(t, Step{Name: "gaussian", Params: params})
	hash := cfg.Hash()

	params["sigma"] = 5
	steps := cfg.Steps()
	steps[0].Params["sigma"] = 7

	assert.Equal(t, hash, cfg.Hash())
	assert.Equal(t, 2.0, cfg.Steps()[0].Params["sigma"])
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"precision":"float32","steps":[{"name":"gaussian","params":{"sigma":2}},{"name":"histogram","params":{"bins":8}}]}`))
	require.NoError(t, err)
	assert.Equal(t, PrecisionFloat32, cfg.Precision())
	assert.Equal(t, 2, cfg.Len())
	assert.Equal(t, 8, cfg.OutputLen())

	again, err := ParseConfig(mustJSON(t, cfg))
	require.NoError(t, err)
	assert.True(t, cfg.Equal(again), "marshalled config round-trips to the same identity")

	_, err = ParseConfig([]byte(`{"steps": [`))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidConfig))

	_, err = ParseConfig([]byte(`{"steps":[{"name":"gaussian","params":{"sigma":"wide"}}]}`))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidConfig))
}

func mustJSON(t *testing.T, cfg *PipelineConfig) []byte {
	t.Helper()
	data, err := cfg.MarshalJSON()
	require.NoError(t, err)
	return data
}

func TestOutputLen(t *testing.T) {
	assert.Equal(t, -1, mustConfig(t, S("normalize")).OutputLen())
	assert.Equal(t, 4, mustConfig(t, S("intensity_stats")).OutputLen())
	assert.Equal(t, 5, DefaultNPStructsConfig().OutputLen())
	assert.Equal(t, -1, mustConfig(t, S("flatten")).OutputLen())
}

func TestStepsListing(t *testing.T) {
	steps := Steps()
	require.NotEmpty(t, steps)
	for i := 1; i < len(steps); i++ {
		assert.Less(t, steps[i-1].Name, steps[i].Name)
	}
	spec, ok := Lookup("remove_small_objects")
	require.True(t, ok)
	p, ok := spec.param("min_size")
	require.True(t, ok)
	assert.Equal(t, 32.0, p.Default)
}

func TestRegistrySealed(t *testing.T) {
	assert.Panics(t, func() {
		register(&StepSpec{Name: "late", transform: normalize})
	})
}

func TestNPStructsPresets(t *testing.T) {
	sizes := func(cfg *PipelineConfig) (dilate, erode float64) {
		for _, s := range cfg.Steps() {
			switch s.Name {
			case "dilate":
				dilate = s.Params["size"]
			case "erode":
				erode = s.Params["size"]
			}
		}
		return dilate, erode
	}

	d, e := sizes(DefaultNPStructsConfig())
	assert.Equal(t, 3.0, d)
	assert.Equal(t, 4.0, e)

	batch := BatchNPStructsConfig()
	d, e = sizes(batch)
	assert.Equal(t, 1.0, d)
	assert.Equal(t, 5.0, e)
	assert.False(t, batch.Equal(DefaultNPStructsConfig()))
	assert.Equal(t, 5, batch.OutputLen())
}
