package agent

import "strings"

// Intent is the coarse request class used when the reasoning model is
// disabled or unreachable.
type Intent string

const (
	IntentDelete  Intent = "delete"
	IntentUpload  Intent = "upload"
	IntentAnalyze Intent = "analyze"
	IntentChat    Intent = "chat"
)

// Keyword groups are checked in order; deletion wins ties because a
// misrouted delete is the costliest mistake.
var intentKeywords = []struct {
	intent Intent
	words  []string
}{
	{IntentDelete, []string{"删除", "delete", "remove"}},
	{IntentUpload, []string{"上传", "add", "upload"}},
	{IntentAnalyze, []string{"分析", "识别", "analyze", "这是什么"}},
}

// ClassifyIntent maps a raw user message to an intent by keyword.
func ClassifyIntent(query string) Intent {
	lower := strings.ToLower(query)
	for _, group := range intentKeywords {
		for _, w := range group.words {
			if strings.Contains(lower, w) {
				return group.intent
			}
		}
	}
	return IntentChat
}

// fallbackReply answers without the reasoning model.
func fallbackReply(intent Intent) string {
	switch intent {
	case IntentDelete:
		return "我可以帮你删除照片。请告诉我要删除哪些照片的ID，删除前我会先展示预览并请你确认。"
	case IntentUpload:
		return "请通过上传接口添加照片，上传后我会自动为它建立索引，之后就可以用自然语言搜索到它。"
	case IntentAnalyze:
		return "我可以分析照片内容。请告诉我照片的ID，或者先用描述搜索找到它。"
	default:
		return "我是相册助手，可以帮你搜索照片、按日期查找、生成点云、推荐最佳照片或管理相册。请告诉我你想做什么。"
	}
}
