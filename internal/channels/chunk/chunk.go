// Package chunk splits outbound text into platform-sized parts.
//
// Split is lossless: joining its output reproduces the input exactly.
// Separators stay at the end of the part they terminate.
package chunk

import (
	"strings"
	"unicode"

	"github.com/haasonsaas/archivist/pkg/models"
)

// DiscordMessageLimit is Discord's per-message character ceiling.
const DiscordMessageLimit = 2000

// Ellipsis marks truncated text.
const Ellipsis = "…"

// Split breaks text into parts of at most limit characters (runes). It
// prefers breaking after a newline, then after whitespace, and avoids
// breaking inside a fenced code block when it can.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	fenced := fenceMask(runes)
	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			parts = append(parts, string(runes[start:]))
			break
		}
		cut := pickBreak(runes[start:end], fenced[start:end])
		parts = append(parts, string(runes[start:start+cut]))
		start += cut
	}
	return parts
}

// pickBreak returns how many runes of window to keep.
func pickBreak(window []rune, fenced []bool) int {
	lastNL, lastWS := -1, -1
	lastNLAny, lastWSAny := -1, -1
	for i, r := range window {
		switch {
		case r == '\n':
			lastNLAny = i
			if !fenced[i] {
				lastNL = i
			}
		case unicode.IsSpace(r):
			lastWSAny = i
			if !fenced[i] {
				lastWS = i
			}
		}
	}
	for _, idx := range []int{lastNL, lastWS, lastNLAny, lastWSAny} {
		if idx > 0 {
			return idx + 1
		}
	}
	return len(window)
}

// fenceMask marks runes that sit inside a ``` or ~~~ fenced block. Fence
// lines themselves count as inside.
func fenceMask(runes []rune) []bool {
	mask := make([]bool, len(runes))
	inside := false
	var marker string
	lineStart := 0
	for i := 0; i <= len(runes); i++ {
		if i < len(runes) && runes[i] != '\n' {
			continue
		}
		line := strings.TrimLeft(string(runes[lineStart:i]), " \t")
		isFence := false
		switch {
		case !inside && (strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")):
			inside, isFence = true, true
			marker = line[:3]
		case inside && strings.HasPrefix(line, marker):
			inside, isFence = false, true
		}
		if inside || isFence {
			end := i
			if end < len(runes) && inside {
				end++ // the newline ending an interior line stays fenced
			}
			for j := lineStart; j < end; j++ {
				mask[j] = true
			}
		}
		lineStart = i + 1
	}
	return mask
}

// Chunks prepends prefix to text and splits the result into indexed parts.
// It always returns at least one chunk.
func Chunks(prefix, text string, limit int) []models.ResponseChunk {
	parts := Split(prefix+text, limit)
	if len(parts) == 0 {
		parts = []string{""}
	}
	out := make([]models.ResponseChunk, len(parts))
	for i, p := range parts {
		out[i] = models.ResponseChunk{Index: i, Text: p}
	}
	return out
}

// Truncate shortens text to at most limit runes, ending with Ellipsis when
// anything was cut.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	ell := []rune(Ellipsis)
	if limit <= len(ell) {
		return string(runes[:limit])
	}
	kept := strings.TrimRightFunc(string(runes[:limit-len(ell)]), unicode.IsSpace)
	return kept + Ellipsis
}

// Len returns the length of s in runes, the unit every limit here uses.
func Len(s string) int {
	return len([]rune(s))
}
