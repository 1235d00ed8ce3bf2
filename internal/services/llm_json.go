// internal/services/llm_json.go
package services

import (
	"regexp"
	"strings"
	"unicode"
)

var jsonNoiseReplacer = strings.NewReplacer(
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

// 字符串外的全角标点统一为 ASCII
var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'；': ';',
	'﹔': ';',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

var quotePairs = map[rune]rune{
	'“': '”',
	'”': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'」': '」',
	'『': '』',
	'﹁': '﹂',
	'﹂': '﹂',
}

// 匹配 ```json ... ``` 或 ``` ... ```，取第一个代码块
var codeFencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// extractCodeFence 返回代码块内容；没有代码块时 ok 为 false
func extractCodeFence(s string) (string, bool) {
	m := codeFencePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// stripCodeFence 有代码块时取其内容，否则原样返回（去除首尾空白）
func stripCodeFence(s string) string {
	if inner, ok := extractCodeFence(s); ok {
		return inner
	}
	return strings.TrimSpace(s)
}

// sanitizeJSONText 去除零宽字符、控制字符，并规范化字符串外的标点
func sanitizeJSONText(s string) string {
	if s == "" {
		return s
	}

	s = jsonNoiseReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return normalizeJSONStructure(strings.TrimSpace(s))
}

func normalizeJSONStructure(s string) string {
	if s == "" {
		return s
	}

	var builder strings.Builder
	builder.Grow(len(s))
	inString := false
	escaped := false
	currentClosing := '"'

	for _, r := range s {
		if inString {
			if escaped {
				escaped = false
				builder.WriteRune(r)
				continue
			}
			if r == '\\' {
				escaped = true
				builder.WriteRune(r)
				continue
			}
			if r == currentClosing || r == '"' {
				inString = false
				currentClosing = '"'
				builder.WriteRune('"')
				continue
			}
			builder.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuationMap[r]; ok {
			builder.WriteRune(replacement)
			continue
		}
		if closing, ok := quotePairs[r]; ok {
			inString = true
			currentClosing = closing
			builder.WriteRune('"')
			continue
		}
		if r == '"' {
			inString = true
			currentClosing = '"'
		}
		builder.WriteRune(r)
	}

	return builder.String()
}

// braceSpan 返回第一个 '{' 到最后一个 '}' 之间（含）的子串
func braceSpan(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
