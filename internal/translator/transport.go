package translator

import (
	"regexp"
	"strings"
)

// Transport tokens. The model is instructed to echo them verbatim; the split
// chain below recovers when it does not.
const (
	ParagraphBreakToken = "[[PARAGRAPH_BREAK]]"
	ItemBreakToken      = "%%%%ITEM_BREAK%%%%"
)

// SplitMethod records how a batched response was divided back into blocks
type SplitMethod string

const (
	SplitExact        SplitMethod = "exact"
	SplitAltSeparator SplitMethod = "alt_separator"
	SplitParagraph    SplitMethod = "paragraph"
	SplitSentence     SplitMethod = "sentence"
	SplitFailed       SplitMethod = "failed"
)

// QualityScore maps a split method to a cache quality score
func (m SplitMethod) QualityScore() float64 {
	switch m {
	case SplitExact:
		return 1.0
	case SplitAltSeparator:
		return 0.9
	case SplitParagraph:
		return 0.75
	case SplitSentence:
		return 0.6
	default:
		return 0.0
	}
}

// ToTransportForm serializes block texts for one request: paragraph breaks
// become an atomic token and blocks are joined with the item separator.
func ToTransportForm(texts []string) string {
	parts := make([]string, len(texts))
	for i, t := range texts {
		parts[i] = strings.ReplaceAll(t, "\n\n", " "+ParagraphBreakToken+" ")
	}
	return strings.Join(parts, "\n"+ItemBreakToken+"\n")
}

var paragraphTokenPattern = regexp.MustCompile(`\s*\[\[PARAGRAPH_BREAK\]\]\s*`)

// RestoreParagraphBreaks converts the paragraph token back to blank lines
func RestoreParagraphBreaks(text string) string {
	restored := paragraphTokenPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(restored)
}

// alternative separator lines that models tend to produce instead of echoing
// the item token.
var altSeparatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*%%%?%?\s*ITEM[_ ]?BREAK\s*%%%?%?\s*$`),
	regexp.MustCompile(`(?m)^\s*---+\s*$`),
	regexp.MustCompile(`(?m)^\s*\*\*\*+\s*$`),
}

// SplitResult is the outcome of dividing one response across its blocks
type SplitResult struct {
	Texts  []string
	Method SplitMethod
	// Failed marks blocks that received no usable content (last-resort split)
	Failed []bool
}

// SplitTranslation divides a batched response back into expectedCount block
// translations, degrading through the recovery chain on separator loss.
func SplitTranslation(output string, expectedCount int) SplitResult {
	if expectedCount <= 1 {
		return SplitResult{
			Texts:  []string{strings.TrimSpace(output)},
			Method: SplitExact,
			Failed: make([]bool, 1),
		}
	}

	if parts := splitBy(output, ItemBreakToken); len(parts) == expectedCount {
		return SplitResult{Texts: parts, Method: SplitExact, Failed: make([]bool, expectedCount)}
	}

	for _, pat := range altSeparatorPatterns {
		if parts := splitByPattern(output, pat); len(parts) == expectedCount {
			return SplitResult{Texts: parts, Method: SplitAltSeparator, Failed: make([]bool, expectedCount)}
		}
	}

	if parts, ok := splitByParagraphs(output, expectedCount); ok {
		return SplitResult{Texts: parts, Method: SplitParagraph, Failed: make([]bool, expectedCount)}
	}

	if parts, ok := splitBySentences(output, expectedCount); ok {
		return SplitResult{Texts: parts, Method: SplitSentence, Failed: make([]bool, expectedCount)}
	}

	// Last resort: everything to the first block, the rest marked failed.
	texts := make([]string, expectedCount)
	failed := make([]bool, expectedCount)
	texts[0] = strings.TrimSpace(output)
	for i := 1; i < expectedCount; i++ {
		failed[i] = true
	}
	return SplitResult{Texts: texts, Method: SplitFailed, Failed: failed}
}

func splitBy(output, sep string) []string {
	raw := strings.Split(output, sep)
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func splitByPattern(output string, pat *regexp.Regexp) []string {
	raw := pat.Split(output, -1)
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// splitByParagraphs regroups paragraph-level units into expectedCount blocks,
// honoring the paragraph token and blank lines as unit boundaries.
func splitByParagraphs(output string, expectedCount int) ([]string, bool) {
	normalized := strings.ReplaceAll(output, ParagraphBreakToken, "\n\n")
	units := splitByPattern(normalized, regexp.MustCompile(`\n\s*\n`))
	if len(units) < expectedCount {
		return nil, false
	}
	if len(units) == expectedCount {
		return units, true
	}
	return regroup(units, "\n\n", expectedCount), true
}

var sentenceEndPattern = regexp.MustCompile(`([.!?。！？])\s+`)

// splitBySentences divides the output at sentence boundaries and regroups to
// the target count by proportional character length.
func splitBySentences(output string, expectedCount int) ([]string, bool) {
	marked := sentenceEndPattern.ReplaceAllString(output, "$1\x00")
	units := splitBy(marked, "\x00")
	if len(units) < expectedCount {
		return nil, false
	}
	return regroup(units, " ", expectedCount), true
}

// regroup packs units into count groups of roughly equal character share
// without breaking unit boundaries. Every group receives at least one unit.
func regroup(units []string, joiner string, count int) []string {
	total := 0
	for _, u := range units {
		total += len(u)
	}
	target := total / count

	groups := make([]string, 0, count)
	var current []string
	currentLen := 0
	for i, u := range units {
		current = append(current, u)
		currentLen += len(u)
		remainingGroups := count - len(groups) - 1
		remainingUnits := len(units) - i - 1
		mustClose := remainingUnits == remainingGroups
		if len(groups) < count-1 && (currentLen >= target || mustClose) && remainingUnits >= remainingGroups {
			groups = append(groups, strings.Join(current, joiner))
			current = nil
			currentLen = 0
		}
	}
	groups = append(groups, strings.Join(current, joiner))
	// Pad in the pathological case where trailing groups got no units.
	for len(groups) < count {
		groups = append(groups, "")
	}
	return groups
}
