package classifier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostprocessArgmax(t *testing.T) {
	labels := []string{"cat", "dog"}

	pred := postprocess([]float32{0.3, 0.7}, labels)
	assert.Equal(t, "dog", pred.Label)
	assert.InDelta(t, 0.7, float64(pred.Confidence), 1e-6)
	assert.InDelta(t, 0.3, float64(pred.Probabilities["cat"]), 1e-6)
	assert.InDelta(t, 0.7, float64(pred.Probabilities["dog"]), 1e-6)

	pred = postprocess([]float32{0.9, 0.1}, labels)
	assert.Equal(t, "cat", pred.Label)
}

func TestPostprocessClampsForDisplay(t *testing.T) {
	pred := postprocess([]float32{-0.05, 1.2}, []string{"cat", "dog"})
	assert.Equal(t, "dog", pred.Label)
	assert.Equal(t, float32(1), pred.Confidence)
	assert.Equal(t, float32(0), pred.Probabilities["cat"])
}

func TestPostprocessShortOutput(t *testing.T) {
	// A model emitting fewer values than labels must not panic; missing
	// entries read as zero.
	pred := postprocess([]float32{0.6}, []string{"cat", "dog"})
	assert.Equal(t, "cat", pred.Label)
	assert.Equal(t, float32(0), pred.Probabilities["dog"])
}

func TestConfidenceBand(t *testing.T) {
	cases := []struct {
		confidence float32
		want       string
	}{
		{0.95, BandHigh},
		{0.81, BandHigh},
		{0.8, BandMedium},
		{0.7, BandMedium},
		{0.6, BandLow},
		{0.2, BandLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ConfidenceBand(tc.confidence), "confidence %f", tc.confidence)
	}
}

func TestLoadMetadataDefaults(t *testing.T) {
	meta, err := LoadMetadata("", DefaultMetadata())
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, meta.Labels)
	assert.Equal(t, 128, meta.ImageSize)
	assert.Equal(t, 128*128*3, meta.InputLength())
}

func TestLoadMetadataFromSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	raw, err := json.Marshal(Metadata{Labels: []string{"cat", "dog", "bird"}, ImageSize: 96})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	meta, err := LoadMetadata(path, DefaultMetadata())
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog", "bird"}, meta.Labels)
	assert.Equal(t, 96, meta.ImageSize)
}

func TestLoadMetadataRejectsIncompleteSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"classes":["cat"]}`), 0o644))

	_, err := LoadMetadata(path, DefaultMetadata())
	require.Error(t, err)
}
