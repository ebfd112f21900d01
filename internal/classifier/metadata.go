package classifier

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the model's input contract and label set. It mirrors the
// sidecar JSON exported alongside the ONNX artifact.
type Metadata struct {
	Labels    []string `json:"classes"`
	ImageSize int      `json:"image_size"`
}

// DefaultMetadata returns the contract of the published cat/dog model.
func DefaultMetadata() Metadata {
	return Metadata{
		Labels:    []string{"cat", "dog"},
		ImageSize: 128,
	}
}

// LoadMetadata reads the sidecar JSON. An empty path yields the defaults; a
// present file must be valid and complete.
func LoadMetadata(path string, fallback Metadata) (Metadata, error) {
	if path == "" {
		return fallback, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	if len(meta.Labels) < 2 {
		return Metadata{}, fmt.Errorf("metadata %s names %d classes, need at least 2", path, len(meta.Labels))
	}
	if meta.ImageSize <= 0 {
		return Metadata{}, fmt.Errorf("metadata %s has non-positive image size", path)
	}
	return meta, nil
}

// InputLength is the flattened NHWC tensor length for one image.
func (m Metadata) InputLength() int {
	return m.ImageSize * m.ImageSize * 3
}
