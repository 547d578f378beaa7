// Package ingress watches the incoming directory, waits for writes to
// settle, pre-analyzes documents and hands them to the orchestrator.
package ingress

import (
	"strings"
	"unicode"
)

// Document is the dispatch payload for one accepted input file. Path points
// at the processed location (the file is moved before dispatch).
type Document struct {
	Path           string `json:"path"`
	Content        string `json:"content"`
	WordCount      int    `json:"word_count"`
	ReadingTimeSec int    `json:"reading_time_sec"`
	Language       string `json:"language"`
}

const (
	cjkRatioThreshold = 0.30
	zhCharsPerMinute  = 300
	enWordsPerMinute  = 200
)

// Analyze classifies language, counts words and estimates reading time.
func Analyze(path, content string) Document {
	lang := DetectLanguage(content)
	count := CountWords(content, lang)
	return Document{
		Path:           path,
		Content:        content,
		WordCount:      count,
		ReadingTimeSec: readingTimeSec(count, lang),
		Language:       lang,
	}
}

// DetectLanguage returns "zh" when at least 30% of the letters are CJK,
// otherwise "en".
func DetectLanguage(content string) string {
	var letters, cjk int
	for _, r := range content {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsDigit(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Han, r) {
			cjk++
		}
	}
	if letters > 0 && float64(cjk)/float64(letters) >= cjkRatioThreshold {
		return "zh"
	}
	return "en"
}

// CountWords counts Han characters for zh and whitespace tokens for en.
func CountWords(content, language string) int {
	if language == "zh" {
		count := 0
		for _, r := range content {
			if unicode.Is(unicode.Han, r) {
				count++
			}
		}
		return count
	}
	return len(strings.Fields(content))
}

// readingTimeSec estimates seconds at 300 characters per minute for zh and
// 200 words per minute for en, rounded up.
func readingTimeSec(count int, language string) int {
	rate := enWordsPerMinute
	if language == "zh" {
		rate = zhCharsPerMinute
	}
	return (count*60 + rate - 1) / rate
}
