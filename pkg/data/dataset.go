// Package data turns raw text corpora into fixed-length token blocks.
package data

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bkkaggle/lm-finetuning/pkg/tokenizer"
)

// ErrConfig reports an invalid dataset configuration.
var ErrConfig = errors.New("invalid dataset config")

// Config controls how a corpus is windowed into token blocks.
type Config struct {
	// SeqLen is the block length. Must be positive.
	SeqLen int
	// NTokens caps how many tokens of each text unit are kept, truncating
	// the rest. -1 keeps everything.
	NTokens int
	// NBatches caps how many blocks a single file may produce. -1 is
	// unlimited.
	NBatches int
	// Fast hands whole lines to the tokenizer's batch encoder instead of
	// windowing them here.
	Fast bool
	// Efficient reads files line by line instead of as one string.
	Efficient bool
}

// TextDataset is an ordered collection of token blocks plus the token
// accounting needed for length-adjusted perplexity. Blocks are built once and
// never mutated afterwards.
type TextDataset struct {
	blocks [][]int32

	// rawTokens counts whitespace-split words of the untokenized source,
	// producedTokens the ids actually emitted. Their ratio adjusts
	// perplexity so numbers stay comparable across tokenizers.
	rawTokens      int
	producedTokens int
}

// NewTextDataset windows the file, or every *.txt file of the directory, at
// path into token blocks of at most cfg.SeqLen tokens (before special-token
// wrapping).
func NewTextDataset(path string, tok tokenizer.Tokenizer, cfg Config) (*TextDataset, error) {
	if cfg.SeqLen <= 0 {
		return nil, fmt.Errorf("%w: seq len must be positive, got %d", ErrConfig, cfg.SeqLen)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("corpus path: %w", err)
	}

	start := time.Now()
	d := &TextDataset{}
	if stat.IsDir() {
		files, err := filepath.Glob(filepath.Join(path, "*.txt"))
		if err != nil {
			return nil, err
		}
		// Glob results are sorted already; sorting again keeps the block
		// order deterministic even if that ever changes.
		sort.Strings(files)
		for _, f := range files {
			if err := d.tokenizeFile(f, tok, cfg); err != nil {
				return nil, err
			}
		}
	} else if err := d.tokenizeFile(path, tok, cfg); err != nil {
		return nil, err
	}

	log.Debug("dataset created",
		"path", path,
		"blocks", len(d.blocks),
		"tokens", d.producedTokens,
		"originalTokens", d.rawTokens,
		"took", time.Since(start))
	return d, nil
}

func (d *TextDataset) tokenizeFile(path string, tok tokenizer.Tokenizer, cfg Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("corpus path: %w", err)
	}
	defer f.Close()

	var text []string
	if cfg.Fast || cfg.Efficient {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			d.rawTokens += len(strings.Fields(line))
			if strings.TrimSpace(line) != "" {
				text = append(text, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	} else {
		whole, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text = append(text, string(whole))
		d.rawTokens += len(strings.Fields(string(whole)))
	}

	var blocks [][]int32
	if cfg.Fast {
		blocks, err = tok.BatchEncode(text, cfg.SeqLen)
		if err != nil {
			return err
		}
	} else {
		for _, unit := range text {
			ids, err := tok.Encode(unit)
			if err != nil {
				return err
			}
			if cfg.NTokens > -1 && len(ids) > cfg.NTokens {
				ids = ids[:cfg.NTokens]
			}
			if len(ids) < cfg.SeqLen {
				blocks = append(blocks, tok.BuildInputs(ids))
			} else {
				// Non-overlapping contiguous windows; the trailing
				// remainder is dropped.
				for i := 0; i < len(ids)/cfg.SeqLen; i++ {
					blocks = append(blocks, tok.BuildInputs(ids[i*cfg.SeqLen:(i+1)*cfg.SeqLen]))
				}
			}
			if cfg.NBatches > -1 && len(blocks) >= cfg.NBatches {
				break
			}
		}
	}

	for _, b := range blocks {
		d.producedTokens += len(b)
	}
	d.blocks = append(d.blocks, blocks...)
	return nil
}

// Len returns the number of blocks.
func (d *TextDataset) Len() int { return len(d.blocks) }

// Block returns the i-th token block.
func (d *TextDataset) Block(i int) []int32 { return d.blocks[i] }

// RawTokens returns the whitespace-split word count of the source text.
func (d *TextDataset) RawTokens() int { return d.rawTokens }

// ProducedTokens returns the total number of token ids across all blocks.
func (d *TextDataset) ProducedTokens() int { return d.producedTokens }

// AdjustmentFactor is the perplexity length-correction ratio
// (producedTokens-1)/(rawTokens-1).
func (d *TextDataset) AdjustmentFactor() float64 {
	if d.rawTokens <= 1 {
		return 1
	}
	return float64(d.producedTokens-1) / float64(d.rawTokens-1)
}

// Batch is a rectangular batch of token rows, flattened row-major.
type Batch struct {
	Tokens []int32
	B, T   int
}

// Batches groups blocks in order into batches of batchSize rows, padding each
// row to the longest block of its batch with padID. The final short batch is
// kept.
func (d *TextDataset) Batches(batchSize int, padID int32) []Batch {
	if batchSize <= 0 {
		batchSize = 1
	}
	var batches []Batch
	for start := 0; start < len(d.blocks); start += batchSize {
		end := start + batchSize
		if end > len(d.blocks) {
			end = len(d.blocks)
		}
		rows := d.blocks[start:end]
		width := 0
		for _, r := range rows {
			if len(r) > width {
				width = len(r)
			}
		}
		tokens := make([]int32, len(rows)*width)
		for i := range tokens {
			tokens[i] = padID
		}
		for i, r := range rows {
			copy(tokens[i*width:], r)
		}
		batches = append(batches, Batch{Tokens: tokens, B: len(rows), T: width})
	}
	return batches
}
