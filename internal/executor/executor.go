// Package executor dispatches translation work concurrently: grouping
// compatible blocks into batches, bounding in-flight requests, rate limiting,
// and retrying transient failures with jittered backoff.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"pdf-translator/internal/cache"
	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
	"pdf-translator/internal/router"
	"pdf-translator/internal/translator"
)

// Item is one routed block awaiting translation
type Item struct {
	Block    *document.ContentBlock
	Decision router.Decision
}

// Result is the outcome for one block, keyed by block id
type Result struct {
	BlockID   string
	Text      string
	Quality   float64
	FromCache bool
	// Err is set when the block could not be translated; the caller decides
	// between quarantine and substitution.
	Err error
}

// Stats counts executor activity for the trace
type Stats struct {
	CacheHits int64
	APICalls  int64
	Retries   int64
}

// group is a batch of compatible consecutive items sharing one request
type group struct {
	items    []Item
	strategy router.Strategy
	model    string
}

// maxRetries caps backoff retries on rate-limit and transient errors
const maxRetries = 5

// Executor runs translation tasks against the translator and cache
type Executor struct {
	translator *translator.Translator
	cache      *cache.SemanticCache
	grouping   config.GroupingConfig
	limiter    *rate.Limiter
	slots      chan struct{}
	lang       string

	mu    sync.Mutex
	stats Stats
}

// New creates an Executor. cache may be nil to disable caching entirely.
func New(tr *translator.Translator, c *cache.SemanticCache, trCfg config.TranslationConfig, gCfg config.GroupingConfig, lang string) *Executor {
	maxConcurrent := trCfg.MaxConcurrentTranslations
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	rpm := trCfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	e := &Executor{
		translator: tr,
		cache:      c,
		grouping:   gCfg,
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(1, rpm/10)),
		slots:      make(chan struct{}, maxConcurrent),
		lang:       lang,
	}
	if tr != nil {
		// Every endpoint call the translator makes, including batch halving
		// and correction rounds, waits on the same limiter.
		tr.SetPacer(pacer{e})
	}
	return e
}

// pacer implements translator.Pacer over the executor's rate limiter and
// counts each gated endpoint call.
type pacer struct {
	e *Executor
}

func (p pacer) Wait(ctx context.Context) error {
	if err := p.e.limiter.Wait(ctx); err != nil {
		return err
	}
	p.e.mu.Lock()
	p.e.stats.APICalls++
	p.e.mu.Unlock()
	return nil
}

// Stats returns a snapshot of executor activity
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// groupable reports whether an item may share a batch. Headings and
// preserve-blocks always travel alone.
func groupable(it Item) bool {
	if it.Block.Kind == document.KindHeading {
		return false
	}
	if it.Decision.Strategy == router.StrategyPreserve {
		return false
	}
	if it.Decision.Strategy == router.StrategySelfCorrecting {
		return false
	}
	return true
}

// buildGroups packs compatible consecutive items into batches under the size
// and count limits.
func (e *Executor) buildGroups(items []Item) []group {
	var groups []group
	var current *group
	currentSize := 0

	flush := func() {
		if current != nil {
			groups = append(groups, *current)
			current = nil
			currentSize = 0
		}
	}

	for _, it := range items {
		if !e.grouping.Enable || !groupable(it) {
			flush()
			groups = append(groups, group{
				items:    []Item{it},
				strategy: it.Decision.Strategy,
				model:    it.Decision.Model,
			})
			continue
		}

		size := len(it.Block.OriginalText)
		compatible := current != nil &&
			current.strategy == it.Decision.Strategy &&
			current.model == it.Decision.Model &&
			len(current.items) < e.grouping.MaxItemsPerGroup &&
			currentSize+size <= e.grouping.MaxGroupSizeChars
		if !compatible {
			flush()
			current = &group{strategy: it.Decision.Strategy, model: it.Decision.Model}
		}
		current.items = append(current.items, it)
		currentSize += size
	}
	flush()
	return groups
}

// Run translates every item and returns results keyed by block id. Batches
// complete in any order; the caller applies results in document order. On
// cancellation the completed results are returned alongside the error.
func (e *Executor) Run(ctx context.Context, items []Item) (map[string]Result, error) {
	groups := e.buildGroups(items)
	logger.Info("executor dispatching",
		logger.Int("blocks", len(items)),
		logger.Int("groups", len(groups)))

	results := make(map[string]Result, len(items))
	var resMu sync.Mutex
	record := func(rs ...Result) {
		resMu.Lock()
		defer resMu.Unlock()
		for _, r := range rs {
			results[r.BlockID] = r
		}
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(g group) {
			defer wg.Done()
			defer func() { <-e.slots }()
			record(e.runGroup(ctx, g)...)
		}(g)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		e.flushCache()
		return results, document.NewError(document.ErrCancelled, "translation cancelled", err)
	}
	return results, nil
}

// flushCache persists completed work; used on cancellation so partial
// results survive a resume.
func (e *Executor) flushCache() {
	if e.cache == nil {
		return
	}
	if err := e.cache.Flush(); err != nil {
		logger.Warn("cache flush after cancellation failed", logger.Err(err))
	}
}

// runGroup resolves one batch: preserve copies, cache hits, then the
// endpoint for the remainder.
func (e *Executor) runGroup(ctx context.Context, g group) []Result {
	if g.strategy == router.StrategyPreserve {
		b := g.items[0].Block
		return []Result{{BlockID: b.ID, Text: b.OriginalText, Quality: 1.0}}
	}

	pending := make([]Item, 0, len(g.items))
	var out []Result
	for _, it := range g.items {
		if hit, ok := e.cacheGet(ctx, it.Block.OriginalText, g.model); ok {
			out = append(out, Result{BlockID: it.Block.ID, Text: hit, Quality: 1.0, FromCache: true})
			continue
		}
		pending = append(pending, it)
	}
	if len(pending) == 0 {
		return out
	}

	if g.strategy == router.StrategySelfCorrecting {
		for _, it := range pending {
			out = append(out, e.runSelfCorrecting(ctx, it, g.model))
		}
		return out
	}
	return append(out, e.runBatch(ctx, pending, g.model)...)
}

func (e *Executor) runSelfCorrecting(ctx context.Context, it Item, model string) Result {
	var text string
	var quality float64
	err := e.withRetry(ctx, func() error {
		var err error
		text, quality, err = e.translator.SelfCorrect(ctx, it.Block.Kind, it.Block.OriginalText, e.lang, model)
		return err
	})
	if err != nil {
		return Result{BlockID: it.Block.ID, Err: err}
	}
	e.cachePut(ctx, it.Block.OriginalText, text, model, quality)
	return Result{BlockID: it.Block.ID, Text: text, Quality: quality}
}

func (e *Executor) runBatch(ctx context.Context, items []Item, model string) []Result {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Block.OriginalText
	}

	var batch []translator.BlockResult
	err := e.withRetry(ctx, func() error {
		var err error
		batch, err = e.translator.TranslateBatch(ctx, texts, e.lang, model)
		return err
	})
	if err != nil {
		out := make([]Result, len(items))
		for i, it := range items {
			out[i] = Result{BlockID: it.Block.ID, Err: err}
		}
		return out
	}

	out := make([]Result, len(items))
	for i, it := range items {
		br := batch[i]
		if br.Failed {
			out[i] = Result{
				BlockID: it.Block.ID,
				Err: document.NewErrorWithDetails(document.ErrTranslateFailed,
					"batch split failed for this block", br.FailReason, nil),
			}
			continue
		}
		e.cachePut(ctx, it.Block.OriginalText, br.Text, model, br.Quality)
		out[i] = Result{BlockID: it.Block.ID, Text: br.Text, Quality: br.Quality}
	}
	return out
}

// withRetry wraps one translation call with the backoff policy. Blocked and
// validation errors never retry; rate limiting happens inside the translator,
// which gates every endpoint call it makes.
func (e *Executor) withRetry(ctx context.Context, call func() error) error {
	return retry.Do(
		func() error {
			err := call()
			if err == nil {
				return nil
			}
			if retryable(err) {
				return err
			}
			return retry.Unrecoverable(err)
		},
		retry.Context(ctx),
		retry.Attempts(maxRetries+1),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(300*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.mu.Lock()
			e.stats.Retries++
			e.mu.Unlock()
			logger.Warn("retrying translation call",
				logger.Int("attempt", int(n)+1), logger.Err(err))
		}),
	)
}

// retryable: rate limits and transient transport failures retry; blocked
// content, validation failures, and cancellation do not.
func retryable(err error) bool {
	kind, _ := document.KindOf(err)
	switch kind {
	case document.ErrRateLimited, document.ErrEndpointTransient, document.ErrEndpointUnreachable:
		return true
	default:
		return false
	}
}

func (e *Executor) cacheGet(ctx context.Context, text, model string) (string, bool) {
	if e.cache == nil {
		return "", false
	}
	hit, ok, err := e.cache.Get(ctx, text, e.lang, model)
	if err != nil {
		logger.Warn("cache lookup failed", logger.Err(err))
		return "", false
	}
	if ok {
		e.mu.Lock()
		e.stats.CacheHits++
		e.mu.Unlock()
	}
	return hit, ok
}

func (e *Executor) cachePut(ctx context.Context, text, translation, model string, quality float64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, text, translation, e.lang, model, quality); err != nil {
		logger.Warn("cache write failed", logger.Err(err))
	}
}
