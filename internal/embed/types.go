// Package embed provides multimodal embedding generation for albumd.
// Text queries and stored images are projected into the same vector space
// so that a text query can retrieve images by cosine similarity.
package embed

import (
	"context"
	"math"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// Retrieval instructions sent alongside each input. Both sides of the
// match use the retrieval task so query and document vectors land in a
// comparable region of the space.
const (
	ImageInstruction = "Represent this image for retrieval."
	TextInstruction  = "Represent this text for retrieval."
)

// Default provider settings.
const (
	DefaultDimensions = 2560
	DefaultTimeout    = 60 * time.Second
	DefaultBatchSize  = 8
)

// Input is one item to embed. Text and image content may be combined
// for hybrid queries, but ImagePath and ImageBytes are exclusive.
// Instruction defaults to the retrieval instruction matching the
// modality.
type Input struct {
	Text        string
	ImagePath   string
	ImageBytes  []byte
	ContentType string // MIME type for ImageBytes, e.g. "image/jpeg"
	Instruction string
}

// IsImage reports whether the input carries image content.
func (in Input) IsImage() bool {
	return in.ImagePath != "" || len(in.ImageBytes) > 0
}

// EffectiveInstruction returns the instruction to send, defaulting by
// modality when unset.
func (in Input) EffectiveInstruction() string {
	if in.Instruction != "" {
		return in.Instruction
	}
	if in.IsImage() {
		return ImageInstruction
	}
	return TextInstruction
}

// Validate checks that the input carries content and does not mix the
// two image representations.
func (in Input) Validate() error {
	if in.Text == "" && !in.IsImage() {
		return aerrors.New(aerrors.KindEmptyInput, "embedding input has no content")
	}
	if in.ImagePath != "" && len(in.ImageBytes) > 0 {
		return aerrors.New(aerrors.KindInvalidInput, "embedding input must not carry both image path and image bytes")
	}
	return nil
}

// TextInput builds a text input with the retrieval instruction.
func TextInput(text string) Input {
	return Input{Text: text}
}

// ImageInput builds an input referencing an image file on disk.
func ImageInput(path string) Input {
	return Input{ImagePath: path}
}

// Embedder generates L2-normalised vectors for multimodal inputs.
type Embedder interface {
	// Embed generates an embedding for a single input.
	Embed(ctx context.Context, in Input) ([]float32, error)

	// EmbedBatch generates embeddings for multiple inputs, preserving order.
	EmbedBatch(ctx context.Context, ins []Input) ([][]float32, error)

	// Dimensions returns the vector dimension this embedder produces.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the backing service is reachable.
	Available(ctx context.Context) bool

	// Close releases resources held by the embedder.
	Close() error
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider   string // "local" | "remote"
	Endpoint   string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	CacheSize  int
}

// Normalize scales v to unit length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
