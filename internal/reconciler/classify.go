package reconciler

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"pdf-translator/internal/document"
	"pdf-translator/internal/extractor"
)

// fontKey identifies a rendering style for frequency analysis
type fontKey struct {
	name   string
	size   float64 // rounded to half points
	bold   bool
	italic bool
}

func keyFor(f extractor.LayoutFragment) fontKey {
	return fontKey{
		name:   f.FontName,
		size:   math.Round(f.FontSize*2) / 2,
		bold:   f.Bold,
		italic: f.Italic,
	}
}

// fontAnalysis holds the outcome of the global font pass
type fontAnalysis struct {
	profile  document.FontProfile
	bodySize float64
	// levelBySize maps a rounded font size to its heading level
	levelBySize map[float64]int
}

// analyzeFonts tallies style frequency across the whole document. The most
// frequent style is body text; larger styles become heading levels by size
// rank, largest first.
func analyzeFonts(fragments []extractor.LayoutFragment, minRatio float64) fontAnalysis {
	counts := make(map[fontKey]int)
	for _, f := range fragments {
		counts[keyFor(f)]++
	}

	var body fontKey
	bodyCount := -1
	for k, c := range counts {
		if c > bodyCount || (c == bodyCount && k.size < body.size) {
			body = k
			bodyCount = c
		}
	}
	if body.size == 0 {
		body.size = 10.0
	}

	sizeSet := make(map[float64]bool)
	for k := range counts {
		if k.size >= body.size*minRatio {
			sizeSet[k.size] = true
		}
	}
	sizes := make([]float64, 0, len(sizeSet))
	for s := range sizeSet {
		sizes = append(sizes, s)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sizes)))

	analysis := fontAnalysis{
		bodySize:    body.size,
		levelBySize: make(map[float64]int),
		profile: document.FontProfile{
			BodyStyle: document.FontStyle{
				Name:   body.name,
				Size:   body.size,
				Bold:   body.bold,
				Italic: body.italic,
			},
			HeadingSizes: make(map[int]float64),
		},
	}
	for i, s := range sizes {
		level := i + 1
		if level > 6 {
			level = 6
		}
		if _, taken := analysis.profile.HeadingSizes[level]; !taken {
			analysis.profile.HeadingSizes[level] = s
		}
		analysis.levelBySize[s] = level
	}
	return analysis
}

var (
	inlineMathPattern    = regexp.MustCompile(`\$[^$]+\$`)
	displayMathPattern   = regexp.MustCompile(`\$\$[^$]+\$\$`)
	latexEnvPattern      = regexp.MustCompile(`\\begin\{[a-z*]+\}`)
	sectionNumberPattern = regexp.MustCompile(`^(\d+(\.\d+)*)\s+\S`)
	listMarkerPattern    = regexp.MustCompile(`^([-•*]|\d+[.)])\s+`)
	orderedMarkerPattern = regexp.MustCompile(`^\d+[.)]`)
	footnoteLeadPattern  = regexp.MustCompile(`^(\[(\d+)\]|\((\d+)\)|(\d+)\.\s|\*)`)
	captionPattern       = regexp.MustCompile(`^(Figure|Fig\.|Table)\s+\d+`)
	pageNumberPattern    = regexp.MustCompile(`^(\d+|[ivxlcdm]+|page\s+\d+(\s+of\s+\d+)?)$`)
	headerFooterPattern  = regexp.MustCompile(`^(Copyright|©|Confidential|https?://)`)
	monoFontPattern      = regexp.MustCompile(`(?i)(mono|courier|consolas|menlo)`)
)

// headingKeywords are semantic cues that make a short line a heading even
// when its font matches body text.
var headingKeywords = []string{
	"introduction", "abstract", "conclusion", "references", "acknowledg",
	"appendix", "related work", "background", "methodology", "discussion",
	"chapter",
}

// isArtifact reports whether a fragment is a page-furniture artifact that
// must be dropped before classification.
func isArtifact(f extractor.LayoutFragment, pageHeight float64) bool {
	if headerFooterPattern.MatchString(f.Text) {
		return true
	}
	if pageHeight <= 0 {
		return false
	}
	inMargin := f.BBox.Y > pageHeight*0.9 || f.BBox.Y < pageHeight*0.1
	return inMargin && pageNumberPattern.MatchString(strings.ToLower(f.Text))
}

// inFootnoteZone reports whether the fragment sits in the bottom ~15% of the
// page. Coordinates have a bottom-left origin, so low Y means low on the page.
func inFootnoteZone(f extractor.LayoutFragment, pageHeight float64) bool {
	if pageHeight <= 0 {
		return false
	}
	return f.BBox.Y < pageHeight*0.15
}

// classifier applies the block classification precedence to fragments
type classifier struct {
	fonts           fontAnalysis
	headingMaxWords int
	pageHeight      float64
}

// classify returns the block kind for one fragment, with the heading level
// when the kind is heading.
func (c *classifier) classify(f extractor.LayoutFragment) (document.BlockKind, int) {
	text := f.Text

	if displayMathPattern.MatchString(text) || latexEnvPattern.MatchString(text) {
		return document.KindMathFormula, 0
	}
	if inlineMathPattern.MatchString(text) && !c.hasProse(text) {
		return document.KindMathFormula, 0
	}
	if strings.HasPrefix(text, "```") || monoFontPattern.MatchString(f.FontName) {
		return document.KindCodeBlock, 0
	}
	if strings.Count(text, "|") >= 2 && strings.HasPrefix(strings.TrimSpace(text), "|") {
		return document.KindTable, 0
	}
	if inFootnoteZone(f, c.pageHeight) && footnoteLeadPattern.MatchString(text) {
		return document.KindFootnote, 0
	}
	if captionPattern.MatchString(text) {
		return document.KindCaption, 0
	}
	if level := c.headingLevel(f); level > 0 {
		return document.KindHeading, level
	}
	if listMarkerPattern.MatchString(text) {
		return document.KindListItem, 0
	}
	return document.KindParagraph, 0
}

// hasProse reports whether text is mostly words rather than a bare formula
func (c *classifier) hasProse(text string) bool {
	stripped := inlineMathPattern.ReplaceAllString(text, "")
	return len(strings.Fields(stripped)) >= 4
}

// headingLevel returns the heading level for a fragment, or 0 when it is not
// a heading. Too-long candidates are demoted regardless of font.
func (c *classifier) headingLevel(f extractor.LayoutFragment) int {
	words := len(strings.Fields(f.Text))
	if words > c.headingMaxWords || len(f.Text) > 100 {
		return 0
	}

	size := math.Round(f.FontSize*2) / 2
	if level, ok := c.fonts.levelBySize[size]; ok {
		return level
	}

	// Semantic cues catch headings rendered at body size.
	lower := strings.ToLower(strings.TrimSpace(f.Text))
	if m := sectionNumberPattern.FindStringSubmatch(f.Text); m != nil {
		depth := strings.Count(m[1], ".") + 1
		if depth > 6 {
			depth = 6
		}
		if f.Bold || words <= 8 {
			return depth
		}
	}
	for _, kw := range headingKeywords {
		if strings.HasPrefix(lower, kw) && words <= 4 {
			return 1
		}
	}
	if f.Bold && size > c.fonts.bodySize {
		return 6
	}
	return 0
}

// headingNumbering returns the leading section number of a heading, if any
func headingNumbering(text string) string {
	if m := sectionNumberPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// footnoteReference extracts the numeric reference id from a footnote's
// leading marker; asterisk footnotes get the literal "*".
func footnoteReference(text string) string {
	m := footnoteLeadPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	for _, g := range m[2:] {
		if g != "" {
			return g
		}
	}
	return "*"
}

// terminalPunctuation reports whether a line ends a sentence
func terminalPunctuation(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?', ':', ';':
		return true
	}
	return false
}

// continuationWords start merged headings; lowercase function words signal a
// heading that wrapped onto a second line.
var continuationWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"and": true, "or": true, "but": true, "nor": true,
	"of": true, "in": true, "on": true, "for": true, "with": true,
	"to": true, "from": true, "by": true, "at": true,
}

// startsLikeContinuation reports whether text reads as the tail of a split line
func startsLikeContinuation(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	first := fields[0]
	r := []rune(first)[0]
	if r >= 'a' && r <= 'z' {
		return true
	}
	return continuationWords[strings.ToLower(first)]
}
