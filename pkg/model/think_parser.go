package model

import (
	"regexp"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

var thinkTagPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// ExtractThinkingContent separates <think> blocks from the main content.
// Returns (thinking, content) with tags removed from content.
func ExtractThinkingContent(text string) (thinking string, content string) {
	matches := thinkTagPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", text
	}

	parts := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) > 1 {
			parts = append(parts, strings.TrimSpace(match[1]))
		}
	}

	content = strings.TrimSpace(thinkTagPattern.ReplaceAllString(text, ""))
	return strings.Join(parts, "\n\n"), content
}

// ThinkTagParser parses streaming content for <think> tags, routing
// reasoning and regular text to separate callbacks. Tags split across
// chunk boundaries are handled by holding back a short tail.
type ThinkTagParser struct {
	onReasoning func(string)
	onText      func(string)

	buffer     []byte
	inThinkTag bool
}

// NewThinkTagParser creates a parser that routes content to callbacks.
// Either callback may be nil.
func NewThinkTagParser(onReasoning, onText func(string)) *ThinkTagParser {
	noop := func(string) {}
	if onReasoning == nil {
		onReasoning = noop
	}
	if onText == nil {
		onText = noop
	}
	return &ThinkTagParser{onReasoning: onReasoning, onText: onText}
}

// Write processes a chunk of streaming content.
func (p *ThinkTagParser) Write(chunk string) {
	for i := 0; i < len(chunk); i++ {
		p.buffer = append(p.buffer, chunk[i])

		if p.inThinkTag {
			if p.bufferEndsWith(thinkClose) {
				p.emit(string(p.buffer[:len(p.buffer)-len(thinkClose)]))
				p.buffer = p.buffer[:0]
				p.inThinkTag = false
			}
		} else if p.bufferEndsWith(thinkOpen) {
			p.emit(string(p.buffer[:len(p.buffer)-len(thinkOpen)]))
			p.buffer = p.buffer[:0]
			p.inThinkTag = true
		}
	}

	p.flushSafeContent()
}

func (p *ThinkTagParser) emit(s string) {
	if s == "" {
		return
	}
	if p.inThinkTag {
		p.onReasoning(s)
	} else {
		p.onText(s)
	}
}

func (p *ThinkTagParser) bufferEndsWith(suffix string) bool {
	if len(p.buffer) < len(suffix) {
		return false
	}
	return string(p.buffer[len(p.buffer)-len(suffix):]) == suffix
}

// flushSafeContent emits everything except a tail long enough to hold a
// partial closing tag.
func (p *ThinkTagParser) flushSafeContent() {
	maxPartial := len(thinkClose)
	if len(p.buffer) <= maxPartial {
		return
	}
	safeLen := len(p.buffer) - maxPartial
	safe := string(p.buffer[:safeLen])
	p.buffer = append(p.buffer[:0], p.buffer[safeLen:]...)
	p.emit(safe)
}

// Flush emits any remaining buffered content.
func (p *ThinkTagParser) Flush() {
	if len(p.buffer) > 0 {
		p.emit(string(p.buffer))
		p.buffer = p.buffer[:0]
	}
	p.inThinkTag = false
}
