// Package translator implements the translation strategies: markdown-aware
// batched translation over a transport form with split recovery, and the
// self-correcting loop for structured content.
package translator

import (
	"context"
	"fmt"
	"strings"

	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// BlockResult is one block's translation outcome within a batch
type BlockResult struct {
	Text    string
	Quality float64
	// Failed marks a block whose content could not be recovered from the
	// response; the caller substitutes the original text.
	Failed     bool
	FailReason string
}

// Pacer spaces endpoint calls out. The executor installs its rate limiter
// here so batch halving, oversized-block splits, and correction rounds all
// stay inside the request budget.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Translator drives the endpoint with the strategy prompts and validation
type Translator struct {
	endpoint    Endpoint
	validator   StructuredContentValidator
	pacer       Pacer
	temperature float32
	maxAttempts int
}

// New creates a Translator. maxAttempts is the self-correction retry budget
// after the first attempt.
func New(endpoint Endpoint, temperature float32, maxAttempts int) *Translator {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if maxAttempts > 5 {
		maxAttempts = 5
	}
	return &Translator{
		endpoint:    endpoint,
		temperature: temperature,
		maxAttempts: maxAttempts,
	}
}

// SetPacer installs the gate applied before every endpoint call
func (t *Translator) SetPacer(p Pacer) { t.pacer = p }

func (t *Translator) pace(ctx context.Context) error {
	if t.pacer == nil {
		return nil
	}
	return t.pacer.Wait(ctx)
}

// languageName renders a BCP 47 tag for prompts
func languageName(tag string) string {
	switch strings.ToLower(tag) {
	case "zh", "zh-cn", "zh-hans":
		return "Simplified Chinese"
	case "zh-tw", "zh-hant":
		return "Traditional Chinese"
	case "en":
		return "English"
	case "ja":
		return "Japanese"
	case "ko":
		return "Korean"
	case "fr":
		return "French"
	case "de":
		return "German"
	case "es":
		return "Spanish"
	case "ru":
		return "Russian"
	default:
		return tag
	}
}

func (t *Translator) systemPrompt(lang string) string {
	return fmt.Sprintf(`You are a professional academic translator. Translate the user's text into %s.

Rules:
1. Translate ONLY the natural-language content. Output nothing except the translation.
2. Preserve all Markdown structure exactly: #, *, -, |, table pipes, and code fences.
3. The token %s marks a paragraph break. Reproduce it verbatim, never translate or remove it.
4. The input may contain multiple blocks separated by "%s". Translate each block independently and keep every separator in your output exactly as it appears. Do not merge blocks or remove separators.
5. Keep LaTeX commands, math delimiters, citations like [1], URLs, and code untranslated.`,
		languageName(lang), ParagraphBreakToken, ItemBreakToken)
}

// TranslateBatch translates a group of block texts in one request. On a
// length cap the batch is halved and retried; on separator loss the split
// recovery chain assigns content with a reduced quality score.
func (t *Translator) TranslateBatch(ctx context.Context, texts []string, lang, model string) ([]BlockResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := t.pace(ctx); err != nil {
		return nil, document.NewError(document.ErrCancelled, "cancelled while rate limited", err)
	}
	resp, err := t.endpoint.Translate(ctx, Request{
		Text:               ToTransportForm(texts),
		TargetLanguage:     lang,
		Model:              model,
		Temperature:        t.temperature,
		SystemInstructions: t.systemPrompt(lang),
	})
	if err != nil {
		return nil, err
	}

	if resp.FinishReason == FinishLengthCap {
		if len(texts) == 1 {
			return t.translateOversized(ctx, texts[0], lang, model)
		}
		mid := len(texts) / 2
		logger.Warn("length cap hit, halving batch",
			logger.Int("blocks", len(texts)), logger.String("model", model))
		left, err := t.TranslateBatch(ctx, texts[:mid], lang, model)
		if err != nil {
			return nil, err
		}
		right, err := t.TranslateBatch(ctx, texts[mid:], lang, model)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}

	split := SplitTranslation(resp.TranslatedText, len(texts))
	if split.Method != SplitExact {
		logger.Warn("batch separators lost, recovered by fallback split",
			logger.String("method", string(split.Method)),
			logger.Int("blocks", len(texts)))
	}

	results := make([]BlockResult, len(texts))
	for i := range texts {
		if split.Failed[i] {
			results[i] = BlockResult{Failed: true, FailReason: "failed-split: no content recovered for this block"}
			continue
		}
		translated := RestoreParagraphBreaks(split.Texts[i])
		quality := split.Method.QualityScore()

		if scores := ValidateStructure(texts[i], translated); !scores.Pass() {
			corrected, cq, err := t.SelfCorrect(ctx, document.KindParagraph, texts[i], lang, model)
			if err != nil {
				results[i] = BlockResult{Failed: true, FailReason: fmt.Sprintf("structure lost (avg score %.2f) and self-correction failed", scores.Average())}
				continue
			}
			translated, quality = corrected, cq
		}
		results[i] = BlockResult{Text: translated, Quality: quality}
	}
	return results, nil
}

// minSplitChars bounds the oversized-block recursion: anything shorter that
// still trips the length cap is unrecoverable.
const minSplitChars = 64

// translateOversized handles one block whose translation hit the length cap:
// the text is cut at the boundary nearest its midpoint, each half translated
// on its own, and the part translations concatenated back into one result.
// A half that still trips the cap is cut again.
func (t *Translator) translateOversized(ctx context.Context, text, lang, model string) ([]BlockResult, error) {
	left, sep, right := splitForRetry(text)
	if len(text) < minSplitChars || left == "" || right == "" {
		return nil, document.NewError(document.ErrTranslateFailed,
			"single block exceeds the model's output budget and has no split boundary", nil)
	}
	logger.Warn("length cap hit on a single block, splitting its text",
		logger.Int("chars", len(text)), logger.String("model", model))

	lres, err := t.TranslateBatch(ctx, []string{left}, lang, model)
	if err != nil {
		return nil, err
	}
	rres, err := t.TranslateBatch(ctx, []string{right}, lang, model)
	if err != nil {
		return nil, err
	}
	if lres[0].Failed {
		return []BlockResult{lres[0]}, nil
	}
	if rres[0].Failed {
		return []BlockResult{rres[0]}, nil
	}
	return []BlockResult{{
		Text:    lres[0].Text + sep + rres[0].Text,
		Quality: min(lres[0].Quality, rres[0].Quality),
	}}, nil
}

// splitForRetry cuts oversized text at the boundary nearest its midpoint: a
// blank line first, then a sentence end, then any space. The returned
// separator rejoins the translated halves.
func splitForRetry(text string) (left, sep, right string) {
	mid := len(text) / 2
	if i := nearestBoundary(text, "\n\n", mid); i >= 0 {
		return text[:i], "\n\n", strings.TrimLeft(text[i:], "\n")
	}
	for _, s := range []string{". ", "! ", "? ", "。", "！", "？"} {
		if i := nearestBoundary(text, s, mid); i >= 0 {
			cut := i + len(s)
			return strings.TrimRight(text[:cut], " "), " ", text[cut:]
		}
	}
	if i := nearestBoundary(text, " ", mid); i >= 0 {
		return text[:i], " ", text[i+1:]
	}
	return "", "", ""
}

// nearestBoundary returns the index of the sep occurrence closest to mid,
// or -1 when text has none.
func nearestBoundary(text, sep string, mid int) int {
	if mid > len(text) {
		mid = len(text)
	}
	l := strings.LastIndex(text[:mid], sep)
	r := strings.Index(text[mid:], sep)
	if r >= 0 {
		r += mid
	}
	switch {
	case l < 0:
		return r
	case r < 0:
		return l
	case mid-l <= r-mid:
		return l
	default:
		return r
	}
}

func (t *Translator) correctionPrompt(lang string, violations []Violation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your previous translation into %s broke the document structure:\n", languageName(lang))
	for _, v := range violations {
		sb.WriteString("- ")
		sb.WriteString(v.Message)
		sb.WriteString("\n")
	}
	sb.WriteString("Regenerate the full translation fixing these problems. Change nothing else.")
	return sb.String()
}

// SelfCorrect translates one structured block under strict validation,
// retrying with a targeted correction prompt up to the attempt budget. The
// returned quality degrades with each correction round.
func (t *Translator) SelfCorrect(ctx context.Context, kind document.BlockKind, text, lang, model string) (string, float64, error) {
	system := t.systemPrompt(lang) +
		"\n6. This block is structured content. Its table rows, code fences, LaTeX environments, and list markers must survive translation exactly."

	prompt := text
	var lastViolations []Violation
	for attempt := 0; attempt <= t.maxAttempts; attempt++ {
		if err := t.pace(ctx); err != nil {
			return "", 0, document.NewError(document.ErrCancelled, "cancelled while rate limited", err)
		}
		resp, err := t.endpoint.Translate(ctx, Request{
			Text:               prompt,
			TargetLanguage:     lang,
			Model:              model,
			Temperature:        t.temperature,
			SystemInstructions: system,
		})
		if err != nil {
			return "", 0, err
		}

		translated := RestoreParagraphBreaks(resp.TranslatedText)
		lastViolations = t.validator.Validate(kind, text, translated)
		if len(lastViolations) == 0 {
			quality := 1.0 - 0.1*float64(attempt)
			return translated, quality, nil
		}

		logger.Warn("structured translation failed validation",
			logger.Int("attempt", attempt+1),
			logger.String("rule", lastViolations[0].Rule))
		prompt = t.correctionPrompt(lang, lastViolations) +
			"\n\nOriginal text:\n" + text
	}

	reasons := make([]string, len(lastViolations))
	for i, v := range lastViolations {
		reasons[i] = v.Rule
	}
	return "", 0, document.NewErrorWithDetails(document.ErrValidationFailed,
		"translation failed structural validation after all correction attempts",
		strings.Join(reasons, ","), nil)
}
