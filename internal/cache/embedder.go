package cache

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"sync"
	"unicode"

	ort "github.com/yalue/onnxruntime_go"

	"pdf-translator/internal/logger"
)

// Embedder 句向量模型
type Embedder interface {
	// Embed returns an L2-normalized sentence vector
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Cosine returns the cosine similarity of two vectors. For L2-normalized
// inputs this is their dot product.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func l2Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// HashingEmbedder is a deterministic bag-of-words embedding with no model
// dependency. It serves configurations without an ONNX model: near-duplicate
// sentences still land close together, paraphrases do not.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates a hashing embedder of the given dimension
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

// Dim returns the embedding dimension
func (e *HashingEmbedder) Dim() int { return e.dim }

// Embed hashes each token into a bucket and L2-normalizes the result
func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dim))
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		v[bucket] += sign
	}
	l2Normalize(v)
	return v, nil
}

// ONNXEmbedder runs a MiniLM-class sentence transformer exported to ONNX,
// with a WordPiece tokenizer loaded from the model's vocab.txt.
type ONNXEmbedder struct {
	dim     int
	maxSeq  int
	vocab   map[string]int64
	clsID   int64
	sepID   int64
	unkID   int64
	padID   int64
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewONNXEmbedder loads the model and its vocabulary. The onnxruntime shared
// library path may be empty when the library is on the default search path.
func NewONNXEmbedder(modelPath, vocabPath, sharedLibPath string, dim int) (*ONNXEmbedder, error) {
	vocab, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	if sharedLibPath != "" {
		ort.SetSharedLibraryPath(sharedLibPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnxruntime init failed: %w", err)
		}
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open embedding model session: %w", err)
	}
	if dim <= 0 {
		dim = 384
	}

	e := &ONNXEmbedder{
		dim:     dim,
		maxSeq:  256,
		vocab:   vocab,
		session: session,
	}
	for tok, field := range map[string]*int64{
		"[CLS]": &e.clsID, "[SEP]": &e.sepID, "[UNK]": &e.unkID, "[PAD]": &e.padID,
	} {
		id, ok := vocab[tok]
		if !ok {
			return nil, fmt.Errorf("vocab missing special token %s", tok)
		}
		*field = id
	}

	logger.Info("embedding model loaded",
		logger.String("model", modelPath),
		logger.Int("vocab", len(vocab)))
	return e, nil
}

// Dim returns the embedding dimension
func (e *ONNXEmbedder) Dim() int { return e.dim }

// Close releases the ONNX session
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		return err
	}
	return nil
}

// Embed tokenizes, runs the transformer, and mean-pools the token states
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := e.tokenize(text)

	seq := len(ids)
	inputIDs := make([]int64, seq)
	attention := make([]int64, seq)
	tokenTypes := make([]int64, seq)
	copy(inputIDs, ids)
	for i := range attention {
		attention[i] = 1
	}

	shape := ort.NewShape(1, int64(seq))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, err
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return nil, err
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, err
	}
	defer typeTensor.Destroy()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("embedder is closed")
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs); err != nil {
		return nil, fmt.Errorf("embedding inference failed: %w", err)
	}
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return nil, fmt.Errorf("unexpected embedding model output type")
	}
	defer hidden.Destroy()

	data := hidden.GetData()
	hshape := hidden.GetShape()
	if len(hshape) != 3 {
		return nil, fmt.Errorf("unexpected hidden state rank %d", len(hshape))
	}
	tokens := int(hshape[1])
	width := int(hshape[2])

	// Mean pooling over real tokens.
	v := make([]float32, width)
	for t := 0; t < tokens && t < seq; t++ {
		for i := 0; i < width; i++ {
			v[i] += data[t*width+i]
		}
	}
	for i := range v {
		v[i] /= float32(tokens)
	}
	l2Normalize(v)
	return v, nil
}

// tokenize applies basic whitespace+punctuation splitting followed by greedy
// longest-match WordPiece.
func (e *ONNXEmbedder) tokenize(text string) []int64 {
	ids := []int64{e.clsID}
	for _, word := range basicTokenize(text) {
		ids = append(ids, e.wordpiece(word)...)
		if len(ids) >= e.maxSeq-1 {
			ids = ids[:e.maxSeq-1]
			break
		}
	}
	return append(ids, e.sepID)
}

func (e *ONNXEmbedder) wordpiece(word string) []int64 {
	if id, ok := e.vocab[word]; ok {
		return []int64{id}
	}
	var ids []int64
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		var match int64 = -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := e.vocab[piece]; ok {
				match = id
				break
			}
			end--
		}
		if match < 0 {
			return []int64{e.unkID}
		}
		ids = append(ids, match)
		start = end
	}
	return ids
}

// basicTokenize lowercases and splits on whitespace and punctuation, keeping
// punctuation as standalone tokens the way uncased BERT vocabularies expect.
func basicTokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// loadVocab reads a BERT vocab.txt, one token per line, line number = id
func loadVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), "\r\n")
		if tok == "" {
			continue
		}
		vocab[tok] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read vocab: %w", err)
	}
	return vocab, nil
}
