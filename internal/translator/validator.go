package translator

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"pdf-translator/internal/document"
)

// markdownCounts are the structural features compared across a translation
type markdownCounts struct {
	headers    int
	listItems  int
	paraBreaks int
}

var mdParser = goldmark.New()

// countMarkdown walks the markdown AST for headers and list items, and
// counts paragraph breaks textually (the token survives parsing as text).
func countMarkdown(src string) markdownCounts {
	var c markdownCounts
	root := mdParser.Parser().Parse(text.NewReader([]byte(src)))
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			c.headers++
		case ast.KindListItem:
			c.listItems++
		}
		return ast.WalkContinue, nil
	})
	c.paraBreaks = strings.Count(src, ParagraphBreakToken) + strings.Count(src, "\n\n")
	return c
}

// StructuralScores are the three post-translation validation scores
type StructuralScores struct {
	HeaderScore    float64
	ListScore      float64
	ParaBreakScore float64
}

// Average returns the mean of the three scores
func (s StructuralScores) Average() float64 {
	return (s.HeaderScore + s.ListScore + s.ParaBreakScore) / 3
}

// Pass applies the acceptance rule: headers >= 0.7, lists >= 0.5, paragraph
// breaks within 50%; at least two of three clear, or the average >= 0.75.
func (s StructuralScores) Pass() bool {
	cleared := 0
	if s.HeaderScore >= 0.7 {
		cleared++
	}
	if s.ListScore >= 0.5 {
		cleared++
	}
	if s.ParaBreakScore >= 0.5 {
		cleared++
	}
	return cleared >= 2 || s.Average() >= 0.75
}

// ValidateStructure compares the markdown structure of a translation against
// its source.
func ValidateStructure(original, translated string) StructuralScores {
	in := countMarkdown(original)
	out := countMarkdown(translated)
	return StructuralScores{
		HeaderScore:    countScore(in.headers, out.headers),
		ListScore:      countScore(in.listItems, out.listItems),
		ParaBreakScore: toleranceScore(in.paraBreaks, out.paraBreaks),
	}
}

// countScore = min/max with an empty-input pass
func countScore(in, out int) float64 {
	if in == 0 && out == 0 {
		return 1
	}
	lo, hi := in, out
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi == 0 {
		hi = 1
	}
	return float64(lo) / float64(hi)
}

// toleranceScore is 1 at equality, decaying to 0 as the counts diverge; 0.5
// marks the 50% deviation boundary.
func toleranceScore(in, out int) float64 {
	if in == 0 && out == 0 {
		return 1
	}
	base := in
	if base == 0 {
		base = 1
	}
	dev := math.Abs(float64(out-in)) / float64(base)
	if dev >= 1 {
		return 0
	}
	return 1 - dev
}

// Violation names one structural defect for the targeted correction prompt
type Violation struct {
	Rule    string
	Message string
}

var (
	fencePattern    = regexp.MustCompile("(?m)^```")
	fenceLangLine   = regexp.MustCompile("(?m)^```([a-zA-Z0-9+-]*)")
	beginEnvPattern = regexp.MustCompile(`\\begin\{([a-zA-Z*]+)\}`)
	endEnvPattern   = regexp.MustCompile(`\\end\{([a-zA-Z*]+)\}`)
	latexCmdPattern = regexp.MustCompile(`\\[a-zA-Z]+`)
	listLinePattern = regexp.MustCompile(`(?m)^(\s*)([-*+]|\d+[.)])\s`)
	tableRowPattern = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
	separatorRow    = regexp.MustCompile(`(?m)^\s*\|[\s:|-]+\|\s*$`)
)

// StructuredContentValidator enforces the strict per-kind invariants used by
// the self-correcting strategy.
type StructuredContentValidator struct{}

// Validate returns the violations found in a translation of the given kind.
// Empty means the translation is structurally sound.
func (v StructuredContentValidator) Validate(kind document.BlockKind, original, translated string) []Violation {
	var out []Violation
	switch kind {
	case document.KindTable:
		out = append(out, v.validateTable(original, translated)...)
	case document.KindCodeBlock:
		out = append(out, v.validateFences(original, translated)...)
	case document.KindMathFormula:
		out = append(out, v.validateLatex(original, translated)...)
	case document.KindListItem:
		out = append(out, v.validateList(original, translated)...)
	default:
		// Mixed prose: apply every check that fires on the original.
		if tableRowPattern.MatchString(original) {
			out = append(out, v.validateTable(original, translated)...)
		}
		if fencePattern.MatchString(original) {
			out = append(out, v.validateFences(original, translated)...)
		}
		if strings.Contains(original, "$") || strings.Contains(original, `\begin{`) {
			out = append(out, v.validateLatex(original, translated)...)
		}
		if listLinePattern.MatchString(original) {
			out = append(out, v.validateList(original, translated)...)
		}
	}
	return out
}

func (v StructuredContentValidator) validateTable(original, translated string) []Violation {
	var out []Violation
	inRows := tableRowPattern.FindAllString(original, -1)
	outRows := tableRowPattern.FindAllString(translated, -1)

	// Rows within 10% of the input count.
	allowed := int(math.Ceil(float64(len(inRows)) * 0.1))
	if absInt(len(outRows)-len(inRows)) > allowed {
		out = append(out, Violation{
			Rule: "table_rows",
			Message: fmt.Sprintf("original has %d table rows, yours has %d - regenerate preserving exactly %d rows",
				len(inRows), len(outRows), len(inRows)),
		})
	}

	if avgIn, avgOut := avgColumns(inRows), avgColumns(outRows); math.Abs(avgIn-avgOut) > 1 {
		out = append(out, Violation{
			Rule: "table_columns",
			Message: fmt.Sprintf("original averages %.1f columns per row, yours averages %.1f - keep the column structure",
				avgIn, avgOut),
		})
	}

	inSeps := len(separatorRow.FindAllString(original, -1))
	outSeps := len(separatorRow.FindAllString(translated, -1))
	if inSeps != outSeps {
		out = append(out, Violation{
			Rule: "table_separators",
			Message: fmt.Sprintf("original has %d separator rows, yours has %d - separator rows must be preserved verbatim",
				inSeps, outSeps),
		})
	}
	return out
}

func avgColumns(rows []string) float64 {
	if len(rows) == 0 {
		return 0
	}
	total := 0
	for _, r := range rows {
		total += len(strings.Split(strings.Trim(strings.TrimSpace(r), "|"), "|"))
	}
	return float64(total) / float64(len(rows))
}

func (v StructuredContentValidator) validateFences(original, translated string) []Violation {
	var out []Violation
	inFences := len(fencePattern.FindAllString(original, -1))
	outFences := len(fencePattern.FindAllString(translated, -1))
	if inFences != outFences {
		out = append(out, Violation{
			Rule: "code_fences",
			Message: fmt.Sprintf("original has %d code fence markers, yours has %d - every ``` must be preserved",
				inFences, outFences),
		})
	}

	inLangs := fenceLanguages(original)
	outLangs := fenceLanguages(translated)
	for lang := range inLangs {
		if lang != "" && !outLangs[lang] {
			out = append(out, Violation{
				Rule:    "code_fence_language",
				Message: fmt.Sprintf("the ```%s language tag was dropped - keep fence language tags unchanged", lang),
			})
		}
	}
	return out
}

func fenceLanguages(src string) map[string]bool {
	langs := make(map[string]bool)
	for _, m := range fenceLangLine.FindAllStringSubmatch(src, -1) {
		langs[m[1]] = true
	}
	return langs
}

func (v StructuredContentValidator) validateLatex(original, translated string) []Violation {
	var out []Violation

	if strings.Count(original, "$")%2 == 0 && strings.Count(translated, "$")%2 != 0 {
		out = append(out, Violation{
			Rule:    "latex_dollars",
			Message: "your output has unbalanced $ math delimiters - every $ and $$ pair must close",
		})
	}

	inBegins, inEnds := envCounts(original)
	outBegins, outEnds := envCounts(translated)
	for env := range union(inBegins, outBegins, inEnds, outEnds) {
		if inBegins[env] != outBegins[env] || inEnds[env] != outEnds[env] {
			out = append(out, Violation{
				Rule: "latex_environments",
				Message: fmt.Sprintf(`original has %d \begin{%s} and %d \end{%s}, yours has %d and %d - environments must match exactly`,
					inBegins[env], env, inEnds[env], env, outBegins[env], outEnds[env]),
			})
		}
	}

	inCmds := len(latexCmdPattern.FindAllString(original, -1))
	outCmds := len(latexCmdPattern.FindAllString(translated, -1))
	if absInt(inCmds-outCmds) > 1 {
		out = append(out, Violation{
			Rule: "latex_commands",
			Message: fmt.Sprintf("original has %d LaTeX commands, yours has %d - do not translate or drop commands",
				inCmds, outCmds),
		})
	}
	return out
}

// envCounts tallies \begin and \end occurrences per environment name
func envCounts(src string) (begins, ends map[string]int) {
	begins = make(map[string]int)
	ends = make(map[string]int)
	for _, m := range beginEnvPattern.FindAllStringSubmatch(src, -1) {
		begins[m[1]]++
	}
	for _, m := range endEnvPattern.FindAllStringSubmatch(src, -1) {
		ends[m[1]]++
	}
	return begins, ends
}

func union(maps ...map[string]int) map[string]bool {
	out := make(map[string]bool)
	for _, m := range maps {
		for k := range m {
			out[k] = true
		}
	}
	return out
}

func (v StructuredContentValidator) validateList(original, translated string) []Violation {
	inMarkers := listLinePattern.FindAllStringSubmatch(original, -1)
	outMarkers := listLinePattern.FindAllStringSubmatch(translated, -1)
	if len(inMarkers) != len(outMarkers) {
		return []Violation{{
			Rule: "list_markers",
			Message: fmt.Sprintf("original has %d list items, yours has %d - keep every list marker",
				len(inMarkers), len(outMarkers)),
		}}
	}
	for i := range inMarkers {
		if len(inMarkers[i][1]) != len(outMarkers[i][1]) {
			return []Violation{{
				Rule:    "list_nesting",
				Message: "list nesting depth changed - keep each item at its original indentation",
			}}
		}
	}
	return nil
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
