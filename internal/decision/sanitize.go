package decision

import (
	"regexp"
	"strings"
)

// 进入模型提示词的所有外部文本都要先经过 Sanitize。
const maxPromptInputLen = 2000

var (
	controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	roleTagPattern     = regexp.MustCompile(`(?i)</?\s*(system|assistant|user|tool)\s*>`)
	codeFencePattern   = regexp.MustCompile("`{3,}")
	overridePatterns   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(?:\w+\s+){0,3}instructions`),
		regexp.MustCompile(`(?i)system\s+(?:\w+\s+){0,2}prompt`),
		regexp.MustCompile(`(?i)forget\s+(?:\w+\s+){0,3}above`),
	}
)

// Sanitize 清洗将要拼进提示词的不可信文本：
// 去除控制字符、角色标签、代码围栏与指令覆盖语句，并截断长度。
func Sanitize(input string) string {
	cleaned := controlCharPattern.ReplaceAllString(input, "")
	cleaned = roleTagPattern.ReplaceAllString(cleaned, "")
	cleaned = codeFencePattern.ReplaceAllString(cleaned, "")
	for _, pattern := range overridePatterns {
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxPromptInputLen {
		cleaned = cleaned[:maxPromptInputLen]
	}
	return cleaned
}
