// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/aibridge/internal/config"
)

// Parse extracts the response and any reasoning trace from raw CLI output.
// The format hint orders the attempts; every path falls back to status-line
// stripping so unknown output shapes still yield usable text.
func Parse(output string, format config.OutputFormat) (response, thinking string) {
	switch format {
	case config.OutputCodexJSONL, config.OutputOpenCodeJSON:
		if r, th, ok := parseJSONL(output); ok {
			return r, th
		}
	case config.OutputGeminiJSON:
		if r, ok := parseEmbeddedJSON(output); ok {
			return r, ""
		}
	default:
		if r, th, ok := parseJSONL(output); ok {
			return r, th
		}
		if r, ok := parseEmbeddedJSON(output); ok {
			return r, ""
		}
	}
	return stripStatusLines(output)
}

// parseJSONL scans line-delimited JSON events. It understands the codex
// event stream (item.completed with agent_message or thinking items) and
// the opencode stream (text events with nested parts).
func parseJSONL(output string) (response, thinking string, ok bool) {
	var textParts, thinkingParts []string

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		data := gjson.Parse(line)
		if !data.IsObject() {
			continue
		}
		switch data.Get("type").String() {
		case "item.completed":
			item := data.Get("item")
			switch item.Get("type").String() {
			case "agent_message":
				textParts = append(textParts, item.Get("text").String())
			case "thinking":
				thinkingParts = append(thinkingParts, item.Get("text").String())
			}
		case "thinking":
			thinkingParts = append(thinkingParts, data.Get("text").String())
		case "text":
			part := data.Get("part")
			switch {
			case part.Get("type").String() == "text" && part.Get("text").String() != "":
				textParts = append(textParts, part.Get("text").String())
			case part.Get("type").String() == "thinking" && part.Get("text").String() != "":
				thinkingParts = append(thinkingParts, part.Get("text").String())
			}
		}
	}

	if len(textParts) == 0 {
		return "", "", false
	}
	return strings.Join(textParts, "\n"), strings.Join(thinkingParts, "\n\n---\n\n"), true
}

// parseEmbeddedJSON finds balanced JSON objects anywhere in the output and
// returns the "response" field of the first one that has it and carries no
// "error" field. Gemini's -o json mode prints such an object surrounded by
// startup noise.
func parseEmbeddedJSON(output string) (string, bool) {
	for i := 0; i < len(output); i++ {
		if output[i] != '{' {
			continue
		}
		end, balanced := matchingBrace(output, i)
		if !balanced {
			continue
		}
		cand := output[i : end+1]
		if gjson.Valid(cand) {
			r := gjson.Parse(cand)
			if r.IsObject() && r.Get("response").Exists() && !r.Get("error").Exists() {
				return r.Get("response").String(), true
			}
		}
		i = end
	}
	return "", false
}

func matchingBrace(s string, start int) (int, bool) {
	depth := 0
	for j := start; j < len(s); j++ {
		switch s[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j, true
			}
		}
	}
	return 0, false
}

var (
	thinkingTagRe    = regexp.MustCompile(`(?is)<thinking>(.*?)</thinking>`)
	antThinkingTagRe = regexp.MustCompile(`(?is)<antThinking>(.*?)</antThinking>`)
	bracketThinkRe   = regexp.MustCompile(`(?is)\[Thinking\](.*?)\[/Thinking\]`)
)

// ExtractThinking splits reasoning markers out of plain-text output. It
// handles tag pairs and "Thinking:"/"Reasoning:" line blocks, where a block
// continues over indented or blank lines.
func ExtractThinking(text string) (cleaned, thinking string) {
	var parts []string
	cleaned = text

	for _, re := range []*regexp.Regexp{thinkingTagRe, antThinkingTagRe, bracketThinkRe} {
		for _, m := range re.FindAllStringSubmatch(cleaned, -1) {
			parts = append(parts, m[1])
		}
		cleaned = re.ReplaceAllString(cleaned, "")
	}

	var outLines, buffer []string
	inBlock := false
	for _, line := range strings.Split(cleaned, "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(lower, "thinking:") || strings.HasPrefix(lower, "reasoning:"):
			inBlock = true
			buffer = append(buffer, line)
		case inBlock && (strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t") || strings.TrimSpace(line) == ""):
			buffer = append(buffer, line)
		default:
			if len(buffer) > 0 {
				parts = append(parts, strings.Join(buffer, "\n"))
				buffer = nil
			}
			inBlock = false
			outLines = append(outLines, line)
		}
	}
	if len(buffer) > 0 {
		parts = append(parts, strings.Join(buffer, "\n"))
	}

	return strings.TrimSpace(strings.Join(outLines, "\n")), strings.Join(parts, "\n\n---\n\n")
}

// statusLineMarkers are substrings of CLI startup and progress noise that
// should never appear in a response.
var statusLineMarkers = []string{
	"loading",
	"initializing",
	"connecting",
	"thinking...",
	"processing...",
	"mcp:",
	"--------",
	"workdir:",
	"model:",
	"provider:",
	"approval:",
	"sandbox:",
	"reasoning effort:",
	"reasoning summaries:",
	"session id:",
	"tokens used",
	"loaded cached credentials",
	"hook registry initialized",
	"credentials loaded",
}

// stripStatusLines removes CLI noise from plain-text output and separates
// out any thinking markers first.
func stripStatusLines(output string) (response, thinking string) {
	cleaned, thinking := ExtractThinking(output)

	var kept []string
lines:
	for _, line := range strings.Split(cleaned, "\n") {
		lower := strings.ToLower(line)
		for _, marker := range statusLineMarkers {
			if strings.Contains(lower, marker) {
				continue lines
			}
		}
		if strings.HasPrefix(line, "OpenAI") || strings.HasPrefix(line, "user") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), thinking
}

// Snip keeps the tail of text up to limit characters. Error detail usually
// ends with the interesting part.
func Snip(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[len(runes)-limit:])
}
