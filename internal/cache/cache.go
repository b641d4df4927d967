// Package cache implements the two-tier translation cache: an in-memory LRU
// for exact hits and a persistent tier with embedding-based semantic lookup.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// Entry 缓存条目
type Entry struct {
	Hash           string    `json:"hash"`
	Original       string    `json:"original"`
	Translation    string    `json:"translation"`
	TargetLanguage string    `json:"target_language"`
	Model          string    `json:"model"`
	QualityScore   float64   `json:"quality_score"`
	CreatedAt      time.Time `json:"created_at"`
	Embedding      []float32 `json:"embedding,omitempty"`
}

// Stats reports cache activity for trace summaries and the cache tool
type Stats struct {
	MemoryEntries     int   `json:"memory_entries"`
	PersistentEntries int   `json:"persistent_entries"`
	ExactHits         int64 `json:"exact_hits"`
	SemanticHits      int64 `json:"semantic_hits"`
	Misses            int64 `json:"misses"`
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// Normalize collapses whitespace without case folding; headings are
// case-significant.
func Normalize(text string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// transport placeholders are stripped before embedding, never from the
// stored translation.
var placeholderPattern = regexp.MustCompile(`\[\[PARAGRAPH_BREAK\]\]|%%%%ITEM_BREAK%%%%`)

// StripPlaceholders removes transport tokens for embedding purposes
func StripPlaceholders(text string) string {
	return Normalize(placeholderPattern.ReplaceAllString(text, " "))
}

// computeHash keys an entry by normalized text, language, and model
func computeHash(text, lang, model string) string {
	h := sha256.Sum256([]byte(text + "\x00" + lang + "\x00" + model))
	return hex.EncodeToString(h[:])
}

// memoryTier is the exact-match LRU tier
type memoryTier struct {
	capacity int
	order    *list.List // front = most recent
	index    map[string]*list.Element
}

func newMemoryTier(capacity int) *memoryTier {
	return &memoryTier{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (m *memoryTier) get(hash string) (Entry, bool) {
	el, ok := m.index[hash]
	if !ok {
		return Entry{}, false
	}
	m.order.MoveToFront(el)
	return el.Value.(Entry), true
}

func (m *memoryTier) put(e Entry) {
	if el, ok := m.index[e.Hash]; ok {
		el.Value = e
		m.order.MoveToFront(el)
		return
	}
	m.index[e.Hash] = m.order.PushFront(e)
	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.index, oldest.Value.(Entry).Hash)
	}
}

func (m *memoryTier) len() int { return m.order.Len() }

func (m *memoryTier) entries() []Entry {
	out := make([]Entry, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

const shardCount = 16

// persistentTier holds the sharded on-disk tier in memory, flushing dirty
// shards with atomic renames.
type persistentTier struct {
	dir      string
	capacity int
	entries  map[string]Entry
	dirty    map[int]bool
}

type shardFile struct {
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

func openPersistentTier(dir string, capacity int) (*persistentTier, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, document.NewError(document.ErrCacheIO, "cannot create cache directory", err)
	}
	t := &persistentTier{
		dir:      dir,
		capacity: capacity,
		entries:  make(map[string]Entry),
		dirty:    make(map[int]bool),
	}
	for shard := 0; shard < shardCount; shard++ {
		path := t.shardPath(shard)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, document.NewErrorWithDetails(document.ErrCacheIO, "cannot read cache shard", path, err)
		}
		var sf shardFile
		if err := json.Unmarshal(data, &sf); err != nil {
			logger.Warn("discarding corrupt cache shard", logger.String("path", path), logger.Err(err))
			continue
		}
		for _, e := range sf.Entries {
			t.entries[e.Hash] = e
		}
	}
	return t, nil
}

func (t *persistentTier) shardPath(shard int) string {
	return filepath.Join(t.dir, fmt.Sprintf("shard_%02d.json", shard))
}

// shardOf maps a hash to its shard by the first hex digit
func shardOf(hash string) int {
	if hash == "" {
		return 0
	}
	c := hash[0]
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return 0
	}
}

func (t *persistentTier) get(hash string) (Entry, bool) {
	e, ok := t.entries[hash]
	return e, ok
}

func (t *persistentTier) put(e Entry) {
	t.entries[e.Hash] = e
	t.dirty[shardOf(e.Hash)] = true
	t.evict()
}

// evict removes entries beyond capacity, lowest quality first, oldest first
// within equal quality.
func (t *persistentTier) evict() {
	excess := len(t.entries) - t.capacity
	if excess <= 0 {
		return
	}
	all := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].QualityScore != all[j].QualityScore {
			return all[i].QualityScore < all[j].QualityScore
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	for _, e := range all[:excess] {
		delete(t.entries, e.Hash)
		t.dirty[shardOf(e.Hash)] = true
	}
}

// semanticSearch returns the best entry for the language/model pair with
// similarity at or above the threshold.
func (t *persistentTier) semanticSearch(query []float32, lang, model string, threshold float64) (Entry, float64, bool) {
	var best Entry
	bestSim := -1.0
	for _, e := range t.entries {
		if e.TargetLanguage != lang || e.Model != model || len(e.Embedding) == 0 {
			continue
		}
		if sim := Cosine(query, e.Embedding); sim > bestSim {
			bestSim = sim
			best = e
		}
	}
	if bestSim >= threshold {
		return best, bestSim, true
	}
	return Entry{}, bestSim, false
}

// flush writes every dirty shard via temp-file + rename
func (t *persistentTier) flush() error {
	if len(t.dirty) == 0 {
		return nil
	}
	byShard := make(map[int][]Entry)
	for _, e := range t.entries {
		s := shardOf(e.Hash)
		byShard[s] = append(byShard[s], e)
	}
	for shard := range t.dirty {
		entries := byShard[shard]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Hash < entries[j].Hash })
		data, err := json.Marshal(shardFile{Version: "1.0", Entries: entries})
		if err != nil {
			return document.NewError(document.ErrCacheIO, "cannot encode cache shard", err)
		}
		path := t.shardPath(shard)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return document.NewErrorWithDetails(document.ErrCacheIO, "cannot write cache shard", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return document.NewErrorWithDetails(document.ErrCacheIO, "cannot commit cache shard", path, err)
		}
	}
	t.dirty = make(map[int]bool)
	return nil
}

func (t *persistentTier) clear() error {
	t.entries = make(map[string]Entry)
	t.dirty = make(map[int]bool)
	for shard := 0; shard < shardCount; shard++ {
		if err := os.Remove(t.shardPath(shard)); err != nil && !os.IsNotExist(err) {
			return document.NewError(document.ErrCacheIO, "cannot remove cache shard", err)
		}
	}
	return nil
}

// memoryDumpFile warm-starts the memory tier across runs
const memoryDumpFile = "memory_dump.bin"

// SemanticCache 两级语义缓存
type SemanticCache struct {
	cfg      config.CacheConfig
	embedder Embedder

	mu         sync.Mutex
	memory     *memoryTier
	persistent *persistentTier
	stats      Stats
}

// New opens the cache with the given tiers enabled. A nil embedder disables
// semantic lookup; exact matching still works.
func New(cfg config.CacheConfig, embedder Embedder) (*SemanticCache, error) {
	c := &SemanticCache{cfg: cfg, embedder: embedder}
	if cfg.EnableMemory {
		c.memory = newMemoryTier(cfg.MemoryCapacity)
	}
	if cfg.EnablePersistent {
		tier, err := openPersistentTier(cfg.PersistentPath, cfg.PersistentCapacity)
		if err != nil {
			return nil, err
		}
		c.persistent = tier
		c.loadMemoryDump()
	}
	return c, nil
}

// loadMemoryDump warm-starts the memory tier from the previous run
func (c *SemanticCache) loadMemoryDump() {
	if c.memory == nil || c.persistent == nil {
		return
	}
	path := filepath.Join(c.cfg.PersistentPath, memoryDumpFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warn("discarding corrupt memory dump", logger.Err(err))
		return
	}
	// Dump order is most-recent first; replay backwards to rebuild recency.
	for i := len(entries) - 1; i >= 0; i-- {
		c.memory.put(entries[i])
	}
}

// Get looks up a translation: memory exact, persistent exact, then semantic
func (c *SemanticCache) Get(ctx context.Context, text, lang, model string) (string, bool, error) {
	norm := Normalize(text)
	hash := computeHash(norm, lang, model)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.memory != nil {
		if e, ok := c.memory.get(hash); ok {
			c.stats.ExactHits++
			return e.Translation, true, nil
		}
	}
	if c.persistent != nil {
		if e, ok := c.persistent.get(hash); ok {
			c.stats.ExactHits++
			if c.memory != nil {
				c.memory.put(e)
			}
			return e.Translation, true, nil
		}
		if c.embedder != nil {
			query, err := c.embedder.Embed(ctx, StripPlaceholders(norm))
			if err != nil {
				return "", false, document.NewError(document.ErrCacheIO, "embedding failed during lookup", err)
			}
			if e, sim, ok := c.persistent.semanticSearch(query, lang, model, c.cfg.SimilarityThreshold); ok {
				c.stats.SemanticHits++
				logger.Debug("semantic cache hit", logger.Float64("similarity", sim))
				return e.Translation, true, nil
			}
		}
	}
	c.stats.Misses++
	return "", false, nil
}

// Put writes a validated translation to both tiers
func (c *SemanticCache) Put(ctx context.Context, text, translation, lang, model string, quality float64) error {
	norm := Normalize(text)
	e := Entry{
		Hash:           computeHash(norm, lang, model),
		Original:       norm,
		Translation:    translation,
		TargetLanguage: lang,
		Model:          model,
		QualityScore:   quality,
		CreatedAt:      time.Now().UTC(),
	}
	if c.embedder != nil && c.cfg.EnablePersistent {
		v, err := c.embedder.Embed(ctx, StripPlaceholders(norm))
		if err != nil {
			return document.NewError(document.ErrCacheIO, "embedding failed during write", err)
		}
		e.Embedding = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memory != nil {
		c.memory.put(e)
	}
	if c.persistent != nil {
		c.persistent.put(e)
	}
	return nil
}

// Flush persists dirty shards and the memory warm-start dump
func (c *SemanticCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistent == nil {
		return nil
	}
	if err := c.persistent.flush(); err != nil {
		return err
	}
	if c.memory != nil {
		data, err := json.Marshal(c.memory.entries())
		if err != nil {
			return document.NewError(document.ErrCacheIO, "cannot encode memory dump", err)
		}
		path := filepath.Join(c.cfg.PersistentPath, memoryDumpFile)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return document.NewError(document.ErrCacheIO, "cannot write memory dump", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return document.NewError(document.ErrCacheIO, "cannot commit memory dump", err)
		}
	}
	return nil
}

// ClearMemory empties the in-memory tier
func (c *SemanticCache) ClearMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memory != nil {
		c.memory = newMemoryTier(c.cfg.MemoryCapacity)
	}
}

// ClearPersistent removes every persistent shard and the memory dump
func (c *SemanticCache) ClearPersistent() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistent == nil {
		return nil
	}
	if err := c.persistent.clear(); err != nil {
		return err
	}
	os.Remove(filepath.Join(c.cfg.PersistentPath, memoryDumpFile))
	return nil
}

// Stats returns a snapshot of cache activity
func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if c.memory != nil {
		s.MemoryEntries = c.memory.len()
	}
	if c.persistent != nil {
		s.PersistentEntries = len(c.persistent.entries)
	}
	return s
}
