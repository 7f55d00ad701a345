package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-wanglab/internal/extractor"
)

func sampleVector(n int) *extractor.FeatureVector {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i % 7)
	}
	return &extractor.FeatureVector{ImageID: "frame-0007", ConfigHash: "abc123", Values: values}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			want := sampleVector(4096)
			data, err := encodeRecord(want, "wlfe-1", c)
			require.NoError(t, err)
			if c != CompressionNone {
				assert.Equal(t, byte(c), data[0], "repetitive values compress")
			}

			got, tag, err := decodeRecord(data)
			require.NoError(t, err)
			assert.Equal(t, "wlfe-1", tag)
			assert.Equal(t, want, got)
		})
	}
}

func TestRecordRoundTrip_Empty(t *testing.T) {
	want := &extractor.FeatureVector{ImageID: "e", ConfigHash: "h", Values: []float64{}}
	data, err := encodeRecord(want, "", CompressionLZ4)
	require.NoError(t, err)
	got, tag, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, "", tag)
	assert.Equal(t, want, got)
}

func TestDecodeRecord_DetectsDamage(t *testing.T) {
	data, err := encodeRecord(sampleVector(8), "wlfe-1", CompressionNone)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-12] ^= 0x01
	_, _, err = decodeRecord(flipped)
	assert.ErrorIs(t, err, errBadChecksum)

	_, _, err = decodeRecord(data[:len(data)-3])
	assert.Error(t, err)

	badMagic := append([]byte(nil), data...)
	badMagic[blockHeaderSize] = 'X'
	_, _, err = decodeRecord(badMagic)
	assert.ErrorIs(t, err, errBadMagic)

	_, _, err = decodeRecord(nil)
	assert.ErrorIs(t, err, errShortBlock)
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{" LZ4 ", CompressionLZ4, false},
		{"zstd", CompressionZSTD, false},
		{"gzip", CompressionNone, true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
