// Package tokenizer converts text to and from integer token ids.
package tokenizer

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dlclark/regexp2"
)

const (
	vocabMagic   uint32 = 20240328
	vocabVersion uint32 = 2

	// VocabFile is the file name used inside checkpoint directories.
	VocabFile = "tokenizer.bin"
)

// pretokenPattern splits text into word-ish pieces before vocabulary lookup so
// that matches never merge across word boundaries. The trailing alternates need
// a lookahead, which the standard library regexp cannot express.
const pretokenPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// Tokenizer is the capability consumed by the dataset builder, the trainer and
// the sampler.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(ids []int32) (string, error)
	// BuildInputs wraps a token sequence with the model-specific special
	// tokens (a control/bos token in front, an end-of-text token behind,
	// whichever are configured).
	BuildInputs(ids []int32) []int32
	// BatchEncode tokenizes several texts in one call, truncating each so
	// the wrapped result never exceeds maxLen tokens.
	BatchEncode(texts []string, maxLen int) ([][]int32, error)
	// PadID reports the padding token id, if the vocabulary has one.
	PadID() (int32, bool)
	Save(dir string) error
}

// VocabTokenizer is a trie-backed longest-match tokenizer over a fixed
// vocabulary of byte strings.
type VocabTokenizer struct {
	tokens []string
	trie   *trie
	pre    *regexp2.Regexp
	eot    int32 // -1 when absent
	bos    int32 // -1 when absent
	pad    int32 // -1 when absent
}

// Option configures special token ids on a VocabTokenizer.
type Option func(*VocabTokenizer)

// WithEOT sets the end-of-text token id.
func WithEOT(id int32) Option { return func(t *VocabTokenizer) { t.eot = id } }

// WithBOS sets the begin-of-sequence (control) token id.
func WithBOS(id int32) Option { return func(t *VocabTokenizer) { t.bos = id } }

// WithPad sets the padding token id.
func WithPad(id int32) Option { return func(t *VocabTokenizer) { t.pad = id } }

// New builds a tokenizer from a vocabulary. The index of each entry is its
// token id.
func New(vocab []string, opts ...Option) (*VocabTokenizer, error) {
	t := &VocabTokenizer{
		tokens: vocab,
		trie:   newTrie(),
		pre:    regexp2.MustCompile(pretokenPattern, regexp2.None),
		eot:    -1,
		bos:    -1,
		pad:    -1,
	}
	for i, entry := range vocab {
		if entry == "" {
			continue // reserved slots (special tokens) have no surface form
		}
		if err := t.trie.insert([]byte(entry), int32(i)); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewByteLevel builds a tokenizer whose vocabulary is the 256 single bytes
// plus an end-of-text token, so any input text is encodable.
func NewByteLevel() *VocabTokenizer {
	vocab := make([]string, 257)
	for i := 0; i < 256; i++ {
		vocab[i] = string([]byte{byte(i)})
	}
	t, err := New(vocab, WithEOT(256))
	if err != nil {
		panic(err)
	}
	return t
}

// VocabSize returns the number of entries in the vocabulary.
func (t *VocabTokenizer) VocabSize() int { return len(t.tokens) }

// EOT returns the end-of-text token id, or -1 when absent.
func (t *VocabTokenizer) EOT() int32 { return t.eot }

// PadID reports the padding token id, if one is configured.
func (t *VocabTokenizer) PadID() (int32, bool) {
	if t.pad < 0 {
		return 0, false
	}
	return t.pad, true
}

// Encode tokenizes text into ids. Bytes with no vocabulary entry are dropped.
func (t *VocabTokenizer) Encode(text string) ([]int32, error) {
	ids := make([]int32, 0, len(text)/3)
	m, err := t.pre.FindStringMatch(text)
	if err != nil {
		return nil, fmt.Errorf("pretokenize: %w", err)
	}
	for m != nil {
		piece := []byte(m.String())
		for len(piece) > 0 {
			id, n, ok := t.trie.match(piece)
			if ok {
				ids = append(ids, id)
			}
			piece = piece[n:]
		}
		m, err = t.pre.FindNextMatch(m)
		if err != nil {
			return nil, fmt.Errorf("pretokenize: %w", err)
		}
	}
	return ids, nil
}

// Decode converts ids back into text, skipping special tokens.
func (t *VocabTokenizer) Decode(ids []int32) (string, error) {
	var s []byte
	for _, id := range ids {
		if id < 0 || id >= int32(len(t.tokens)) {
			return "", fmt.Errorf("token id %d out of range", id)
		}
		if id == t.eot || id == t.bos || id == t.pad {
			continue
		}
		s = append(s, t.tokens[id]...)
	}
	return string(s), nil
}

// BuildInputs wraps ids with the configured special tokens.
func (t *VocabTokenizer) BuildInputs(ids []int32) []int32 {
	out := make([]int32, 0, len(ids)+2)
	if t.bos >= 0 {
		out = append(out, t.bos)
	}
	out = append(out, ids...)
	if t.eot >= 0 {
		out = append(out, t.eot)
	}
	return out
}

// BatchEncode tokenizes texts, truncating each so that the wrapped sequence is
// at most maxLen tokens long.
func (t *VocabTokenizer) BatchEncode(texts []string, maxLen int) ([][]int32, error) {
	overhead := 0
	if t.bos >= 0 {
		overhead++
	}
	if t.eot >= 0 {
		overhead++
	}
	out := make([][]int32, 0, len(texts))
	for _, text := range texts {
		ids, err := t.Encode(text)
		if err != nil {
			return nil, err
		}
		if maxLen > overhead && len(ids) > maxLen-overhead {
			ids = ids[:maxLen-overhead]
		}
		out = append(out, t.BuildInputs(ids))
	}
	return out, nil
}

// Save writes the vocabulary and special token ids into dir.
func (t *VocabTokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, VocabFile))
	if err != nil {
		return err
	}
	defer f.Close()
	header := make([]uint32, 256)
	header[0] = vocabMagic
	header[1] = vocabVersion
	header[2] = uint32(len(t.tokens))
	header[3] = uint32(t.eot + 1)
	header[4] = uint32(t.bos + 1)
	header[5] = uint32(t.pad + 1)
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return err
	}
	for _, entry := range t.tokens {
		if len(entry) > 255 {
			return fmt.Errorf("vocabulary entry longer than 255 bytes")
		}
		if err := binary.Write(f, binary.LittleEndian, byte(len(entry))); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, []byte(entry)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a tokenizer from path, which may be the vocabulary file itself or
// a checkpoint directory containing one.
func Load(path string) (*VocabTokenizer, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		path = filepath.Join(path, VocabFile)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header := make([]uint32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != vocabMagic || header[1] != vocabVersion {
		return nil, fmt.Errorf("incorrect header for tokenizer file %s", path)
	}
	vocab := make([]string, header[2])
	var length byte
	for i := range vocab {
		if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		entry := make([]byte, length)
		if err := binary.Read(f, binary.LittleEndian, entry); err != nil {
			return nil, err
		}
		vocab[i] = string(entry)
	}
	return New(vocab,
		WithEOT(int32(header[3])-1),
		WithBOS(int32(header[4])-1),
		WithPad(int32(header[5])-1),
	)
}
