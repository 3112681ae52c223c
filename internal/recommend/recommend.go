// Package recommend judges stored images on photographic quality and
// runs the confirmed-deletion workflow built on top of those verdicts.
package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/vision"
)

// MaxImages bounds one judgement call; every image travels inline in a
// single vision request.
const MaxImages = 10

// judgeAttempts is how often a malformed model reply is retried before
// the raw text is surfaced.
const judgeAttempts = 3

// ImageAnalysis carries the per-axis scores for one candidate.
type ImageAnalysis struct {
	Composition     float64 `json:"composition"`
	Colour          float64 `json:"colour"`
	Light           float64 `json:"light"`
	Theme           float64 `json:"theme"`
	Emotion         float64 `json:"emotion"`
	Creativity      float64 `json:"creativity"`
	Story           float64 `json:"story"`
	OverallScore    float64 `json:"overall_score"`
	OverallAnalysis string  `json:"overall_analysis"`
}

// Recommendation is the verdict across all candidates.
type Recommendation struct {
	BestImageID           string   `json:"best_image_id"`
	RecommendationReason  string   `json:"recommendation_reason"`
	AlternativeImageIDs   []string `json:"alternative_image_ids"`
	KeyStrengths          []string `json:"key_strengths"`
	PotentialImprovements []string `json:"potential_improvements"`
}

// Report is the full judgement output. When the model's reply could not
// be parsed, Success is false and Raw carries the reply verbatim.
type Report struct {
	Success        bool                     `json:"success"`
	Analysis       map[string]ImageAnalysis `json:"analysis,omitempty"`
	Recommendation *Recommendation          `json:"recommendation,omitempty"`
	Raw            string                   `json:"raw,omitempty"`
}

// Recommender scores candidate images with a vision model.
type Recommender struct {
	visionClient *vision.Client
	images       *objstore.Store
	logger       *slog.Logger
}

// New creates a recommender.
func New(visionClient *vision.Client, images *objstore.Store, logger *slog.Logger) *Recommender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recommender{visionClient: visionClient, images: images, logger: logger}
}

// Judge scores 1 to 10 stored images in a single vision call and picks
// the best one. The candidates are referred to as image_1..image_N in
// the prompt; the reply maps those labels back to UUIDs.
func (r *Recommender) Judge(ctx context.Context, ids []string, preference string) (*Report, error) {
	if len(ids) == 0 {
		return nil, aerrors.New(aerrors.KindInvalidInput, "no candidate images given")
	}
	if len(ids) > MaxImages {
		return nil, aerrors.Newf(aerrors.KindInvalidInput,
			"at most %d candidate images per judgement, got %d", MaxImages, len(ids))
	}

	imgs := make([]vision.Image, 0, len(ids))
	for _, id := range ids {
		data, contentType, err := r.images.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, vision.Image{Data: data, ContentType: contentType})
	}

	prompt := buildJudgePrompt(ids, preference)

	var content string
	for attempt := 1; attempt <= judgeAttempts; attempt++ {
		var err error
		content, err = r.visionClient.Complete(ctx, prompt, imgs)
		if err != nil {
			return nil, err
		}
		if report, ok := parseReport(content, ids); ok {
			return report, nil
		}
		r.logger.Warn("judgement reply not parseable, retrying",
			"attempt", attempt, "candidates", len(ids))
	}
	return &Report{Success: false, Raw: content}, nil
}

// buildJudgePrompt states the seven weighted axes and the exact JSON
// shape the reply must take.
func buildJudgePrompt(ids []string, preference string) string {
	var b strings.Builder
	b.WriteString("You are a professional photography judge. Score each of the following images on these seven dimensions, each 1-10:\n")
	b.WriteString("- composition (weight 25%)\n")
	b.WriteString("- colour (weight 20%)\n")
	b.WriteString("- light (weight 15%)\n")
	b.WriteString("- theme (weight 15%)\n")
	b.WriteString("- emotion (weight 10%)\n")
	b.WriteString("- creativity (weight 8%)\n")
	b.WriteString("- story (weight 7%)\n")
	b.WriteString("Judge photographic merit only. Never judge resolution or file size.\n\n")
	b.WriteString("The images, in order:\n")
	for i, id := range ids {
		fmt.Fprintf(&b, "image_%d: %s\n", i+1, id)
	}
	if preference != "" {
		fmt.Fprintf(&b, "\nUser preference to weigh: %s\n", preference)
	}
	b.WriteString("\nReply with exactly one JSON object inside a ```json fence:\n")
	b.WriteString("{\n")
	b.WriteString(`  "analysis": {"image_1": {"composition": 0, "colour": 0, "light": 0, "theme": 0, "emotion": 0, "creativity": 0, "story": 0, "overall_score": 0, "overall_analysis": ""}, ...},` + "\n")
	b.WriteString(`  "recommendation": {"best_image_id": "", "recommendation_reason": "", "alternative_image_ids": [], "key_strengths": [], "potential_improvements": []}` + "\n")
	b.WriteString("}\n")
	b.WriteString("best_image_id and alternative_image_ids must use the UUIDs listed above, not the image_N labels.\n")
	return b.String()
}

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseReport extracts the fenced JSON object from the reply and remaps
// image_N labels to UUIDs where the model used them anyway.
func parseReport(content string, ids []string) (*Report, bool) {
	raw := content
	if m := jsonFence.FindStringSubmatch(content); m != nil {
		raw = m[1]
	} else {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil, false
		}
		raw = content[start : end+1]
	}

	var parsed struct {
		Analysis       map[string]ImageAnalysis `json:"analysis"`
		Recommendation Recommendation           `json:"recommendation"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}
	if parsed.Recommendation.BestImageID == "" {
		return nil, false
	}

	labelToID := make(map[string]string, len(ids))
	for i, id := range ids {
		labelToID[fmt.Sprintf("image_%d", i+1)] = id
	}
	if id, ok := labelToID[parsed.Recommendation.BestImageID]; ok {
		parsed.Recommendation.BestImageID = id
	}
	for i, alt := range parsed.Recommendation.AlternativeImageIDs {
		if id, ok := labelToID[alt]; ok {
			parsed.Recommendation.AlternativeImageIDs[i] = id
		}
	}

	return &Report{
		Success:        true,
		Analysis:       parsed.Analysis,
		Recommendation: &parsed.Recommendation,
	}, true
}
