// Package router decides, per content block, which translation strategy and
// model tier to use.
package router

import (
	"regexp"
	"strings"

	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// Strategy 翻译策略
type Strategy string

const (
	// StrategyPreserve copies original text through with no API call
	StrategyPreserve Strategy = "preserve"
	// StrategySelfCorrecting translates with strict structural validation and
	// targeted retry
	StrategySelfCorrecting Strategy = "self_correcting"
	// StrategyMarkdownQuality translates on the quality tier
	StrategyMarkdownQuality Strategy = "markdown_aware_quality"
	// StrategyMarkdownCost translates on the cost tier
	StrategyMarkdownCost Strategy = "markdown_aware_cost"
)

// Decision is the routing outcome for one block
type Decision struct {
	Strategy Strategy
	Model    string
}

// Translatable reports whether the decision requires an API call
func (d Decision) Translatable() bool { return d.Strategy != StrategyPreserve }

// Router routes blocks to strategies. The global knob shifts paragraph
// routing thresholds but never changes preserve or self_correcting choices.
type Router struct {
	cfg       config.RoutingConfig
	threshold float64
}

// New creates a Router for the given routing configuration
func New(cfg config.RoutingConfig) *Router {
	r := &Router{cfg: cfg, threshold: cfg.ComplexityThreshold}
	switch cfg.Strategy {
	case config.StrategyCostOptimized:
		r.threshold += 0.2
	case config.StrategyQualityFocused:
		r.threshold -= 0.2
	case config.StrategySpeedFocused:
		r.threshold += 0.3
	}
	if r.threshold < 0.05 {
		r.threshold = 0.05
	}
	logger.Debug("router configured",
		logger.String("knob", string(cfg.Strategy)),
		logger.Float64("paragraph_threshold", r.threshold))
	return r
}

// Route decides the strategy and model tier for one block
func (r *Router) Route(b *document.ContentBlock) Decision {
	switch b.Kind {
	case document.KindMathFormula, document.KindCodeBlock, document.KindImagePlaceholder:
		return Decision{Strategy: StrategyPreserve}
	case document.KindTable:
		return Decision{Strategy: StrategySelfCorrecting, Model: r.cfg.QualityModel}
	case document.KindHeading, document.KindFootnote, document.KindCaption:
		return Decision{Strategy: StrategyMarkdownQuality, Model: r.cfg.QualityModel}
	case document.KindListItem:
		return r.routeByComplexity(b.OriginalText)
	case document.KindParagraph:
		return r.routeByComplexity(b.OriginalText)
	default:
		return Decision{Strategy: StrategyMarkdownQuality, Model: r.cfg.QualityModel}
	}
}

func (r *Router) routeByComplexity(text string) Decision {
	if Complexity(text) >= r.threshold {
		return Decision{Strategy: StrategyMarkdownQuality, Model: r.cfg.QualityModel}
	}
	return Decision{Strategy: StrategyMarkdownCost, Model: r.cfg.CostModel}
}

var (
	citationPattern   = regexp.MustCompile(`\[\d+\]`)
	inlineMathPattern = regexp.MustCompile(`\$[^$]+\$`)
)

// rareTerms flag domain vocabulary that benefits from the quality tier
var rareTerms = []string{
	"theorem", "lemma", "corollary", "eigenvalue", "stochastic",
	"asymptotic", "isomorphic", "covariance", "hamiltonian", "lagrangian",
}

// Complexity scores a paragraph in [0, 1]: a weighted sum of length,
// citation density, inline math, parenthetical depth, and rare vocabulary.
func Complexity(text string) float64 {
	words := len(strings.Fields(text))

	lengthScore := float64(words) / 150.0
	if lengthScore > 1 {
		lengthScore = 1
	}

	citations := float64(len(citationPattern.FindAllString(text, -1))) / 5.0
	if citations > 1 {
		citations = 1
	}

	math := float64(len(inlineMathPattern.FindAllString(text, -1))) / 3.0
	if math > 1 {
		math = 1
	}

	depthScore := float64(maxParenDepth(text)) / 3.0
	if depthScore > 1 {
		depthScore = 1
	}

	rare := 0.0
	lower := strings.ToLower(text)
	for _, term := range rareTerms {
		if strings.Contains(lower, term) {
			rare = 1
			break
		}
	}

	return 0.25*lengthScore + 0.2*citations + 0.25*math + 0.1*depthScore + 0.2*rare
}

func maxParenDepth(text string) int {
	depth, max := 0, 0
	for _, r := range text {
		switch r {
		case '(', '[', '{':
			depth++
			if depth > max {
				max = depth
			}
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return max
}
