package indexer

import "unicode"

// Chunk is one overlapping text window produced by splitText. Windows are
// measured in runes rather than tokens: the embedding model's tokenizer is
// an external boundary this package has no visibility into, so rune count
// stands in for a token budget.
type Chunk struct {
	Text  string
	Index int
}

// splitText windows text into chunks of at most maxRunes runes, preferring
// to break on a space near the window's end, with overlapRunes of trailing
// context carried into the next chunk. Text shorter than maxRunes returns a
// single chunk.
func splitText(text string, maxRunes, overlapRunes int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if maxRunes <= 0 {
		maxRunes = len(runes)
	}
	if len(runes) <= maxRunes {
		return []Chunk{{Text: text, Index: 0}}
	}
	if overlapRunes < 0 || overlapRunes >= maxRunes {
		overlapRunes = maxRunes / 10
	}

	var chunks []Chunk
	start := 0
	index := 0
	for start < len(runes) {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		if end < len(runes) {
			searchFrom := end - maxRunes/10
			if searchFrom < start {
				searchFrom = start
			}
			if boundary := lastSpace(runes, searchFrom, end); boundary > start {
				end = boundary + 1
			}
		}

		content := trimRunes(runes[start:end])
		if len(content) > 0 {
			chunks = append(chunks, Chunk{Text: string(content), Index: index})
			index++
		}

		if end >= len(runes) {
			break
		}
		next := end - overlapRunes
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func lastSpace(runes []rune, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

func trimRunes(runes []rune) []rune {
	start := 0
	for start < len(runes) && unicode.IsSpace(runes[start]) {
		start++
	}
	end := len(runes)
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return runes[start:end]
}

// detectLanguage applies a coarse script-ratio heuristic: CJK above 10% of
// runes tags the text "ja", otherwise "en". No dependency in reach offers a
// general-purpose language identifier, so a character-class ratio check
// stands in rather than hard-coding a single-language assumption.
func detectLanguage(text string) string {
	var cjk, total int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if isCJK(r) {
			cjk++
		}
	}
	if total == 0 {
		return "und"
	}
	if float64(cjk)/float64(total) > 0.1 {
		return "ja"
	}
	return "en"
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x30FF: // hiragana, katakana
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	default:
		return false
	}
}
