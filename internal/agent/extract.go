package agent

import (
	"regexp"
	"strings"
)

// The extractors below read structured references back out of the
// model's prose reply. Each one is independent and best-effort: a reply
// that matches nothing simply yields no artefact.

const uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

var (
	reImageLink    = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)
	reImageURLTail = regexp.MustCompile(`/images/(` + uuidPattern + `)`)
	reUUID         = regexp.MustCompile(uuidPattern)
	reTaskPrefix   = regexp.MustCompile(`(?:点云ID|点云任务ID|pointcloud_id|任务ID)[：:\s]*(` + uuidPattern + `)`)
)

// ExtractImageIDs pulls image UUIDs out of markdown image links whose
// URL ends in a preview path. Order follows first appearance; repeats
// of the same id collapse.
func ExtractImageIDs(reply string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range reImageLink.FindAllStringSubmatch(reply, -1) {
		tail := reImageURLTail.FindStringSubmatch(m[1])
		if tail == nil {
			continue
		}
		id := strings.ToLower(tail[1])
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// pointcloudKeywords is the closed set that marks a user request as
// being about point-cloud generation.
var pointcloudKeywords = []string{"点云", "pointcloud", "point cloud", "3d"}

func isPointCloudQuery(userQuery string) bool {
	lower := strings.ToLower(userQuery)
	for _, w := range pointcloudKeywords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// ExtractPointCloudTaskID finds the task id in a reply, but only when
// the user actually asked about point clouds; otherwise a stray UUID in
// the reply would be misread as a task. Labelled ids win over bare
// ones, and UUIDs that are image preview tails never count.
func ExtractPointCloudTaskID(reply, userQuery string) string {
	if !isPointCloudQuery(userQuery) {
		return ""
	}
	if m := reTaskPrefix.FindStringSubmatch(reply); m != nil {
		return strings.ToLower(m[1])
	}

	imageTails := make(map[string]bool)
	for _, m := range reImageURLTail.FindAllStringSubmatch(reply, -1) {
		imageTails[strings.ToLower(m[1])] = true
	}
	for _, raw := range reUUID.FindAllString(reply, -1) {
		id := strings.ToLower(raw)
		if !imageTails[id] {
			return id
		}
	}
	return ""
}

// Verdict is a recommendation read out of the reply: the winner, the
// losers, and whether it makes sense to offer deleting the losers.
type Verdict struct {
	BestImageID           string   `json:"best_image_id"`
	AlternativeImageIDs   []string `json:"alternative_image_ids"`
	UserPromptForDeletion bool     `json:"user_prompt_for_deletion"`
}

// recommendationKeywords classify a user request as asking for a
// comparison or a pick.
var recommendationKeywords = []string{"最好", "推荐", "分析", "比较", "哪一张", "best", "recommend", "compare", "which one"}

func isRecommendationQuery(userQuery string) bool {
	lower := strings.ToLower(userQuery)
	for _, w := range recommendationKeywords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// verdict cues: a pick word and a UUID in the same sentence.
var reVerdictCue = regexp.MustCompile(`(?:推荐|最佳|最好|best)[^。.!\n]*?(` + uuidPattern + `)`)

// ExtractVerdict reads a recommendation out of the reply. imageIDs are
// the image references already extracted from the same reply; the
// candidate pool also sweeps up bare UUIDs the reply mentions outside
// markdown links (e.g. "ID: <uuid>" listings), deduplicated in
// first-appearance order. Point cloud requests never produce a verdict,
// and the first-image fallback only fires when the user asked for a
// comparison and there is more than one candidate.
func ExtractVerdict(reply, userQuery string, imageIDs []string) *Verdict {
	if isPointCloudQuery(userQuery) {
		return nil
	}

	candidates := make([]string, 0, len(imageIDs))
	seen := make(map[string]bool)
	for _, id := range imageIDs {
		if !seen[id] {
			seen[id] = true
			candidates = append(candidates, id)
		}
	}
	for _, raw := range reUUID.FindAllString(reply, -1) {
		id := strings.ToLower(raw)
		if !seen[id] {
			seen[id] = true
			candidates = append(candidates, id)
		}
	}

	best := ""
	if m := reVerdictCue.FindStringSubmatch(reply); m != nil {
		best = strings.ToLower(m[1])
	} else if isRecommendationQuery(userQuery) && len(candidates) >= 2 {
		best = candidates[0]
	}
	if best == "" {
		return nil
	}

	var alternatives []string
	for _, id := range candidates {
		if id != best {
			alternatives = append(alternatives, id)
		}
	}
	return &Verdict{
		BestImageID:           best,
		AlternativeImageIDs:   alternatives,
		UserPromptForDeletion: len(alternatives) > 0,
	}
}
