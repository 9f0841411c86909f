// Package tokenizer converts between text and GPT-2 byte-level BPE token ids.
package tokenizer

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Tokenizer is the text boundary of the generation engine.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// EndOfText is the GPT-2 end-of-sequence marker.
const EndOfText = "<|endoftext|>"

// Load builds a tokenizer from the contents of a Hugging Face vocab.json
// (token string to id) and merges.txt (one "a b" pair per line, ranked by
// order, optional "#version" header).
func Load(vocabJSON, mergesTxt []byte) (*GPT2Tokenizer, error) {
	var vocab map[string]int
	if err := json.Unmarshal(vocabJSON, &vocab); err != nil {
		return nil, fmt.Errorf("tokenizer: parse vocab: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocab")
	}
	tokens := make([]string, len(vocab))
	for tok, id := range vocab {
		if id < 0 || id >= len(vocab) {
			return nil, fmt.Errorf("tokenizer: token %q has id %d outside [0,%d)", tok, id, len(vocab))
		}
		if tokens[id] != "" {
			return nil, fmt.Errorf("tokenizer: id %d assigned to both %q and %q", id, tokens[id], tok)
		}
		tokens[id] = tok
	}

	var merges []string
	sc := bufio.NewScanner(bytes.NewReader(mergesTxt))
	for sc.Scan() {
		merges = append(merges, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: read merges: %w", err)
	}

	eos, ok := vocab[EndOfText]
	if !ok {
		eos = len(tokens) - 1
	}
	return NewGPT2(tokens, merges, eos)
}

// Vocab renders tokens (indexed by id) as vocab.json bytes.
func Vocab(tokens []string) ([]byte, error) {
	m := make(map[string]int, len(tokens))
	for id, tok := range tokens {
		m[tok] = id
	}
	return json.Marshal(m)
}

// Merges renders merge pairs as merges.txt bytes.
func Merges(pairs []Pair) []byte {
	var b strings.Builder
	b.WriteString("#version: 0.2\n")
	for _, p := range pairs {
		b.WriteString(p.A)
		b.WriteByte(' ')
		b.WriteString(p.B)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
