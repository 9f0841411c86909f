package tokenizer

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

type Pair struct {
	A string
	B string
}

// GPT2Tokenizer is safe for concurrent use.
type GPT2Tokenizer struct {
	encoder  map[string]int
	decoder  []string
	bpeRanks map[Pair]int
	pattern  *regexp.Regexp
	special  []string
	eosID    int

	mu    sync.Mutex
	cache map[string][]string
}

// Go regexp has no lookahead, so the trailing-whitespace branch of the GPT-2
// pattern collapses into a plain \s+.
var gpt2Pattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

func NewGPT2(tokens []string, merges []string, eosID int) (*GPT2Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer: empty token list")
	}
	if eosID < 0 || eosID >= len(tokens) {
		return nil, fmt.Errorf("tokenizer: eos id %d outside vocabulary of %d", eosID, len(tokens))
	}
	encoder := make(map[string]int, len(tokens))
	for i, t := range tokens {
		encoder[t] = i
	}

	bpeRanks := make(map[Pair]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(b, " ") {
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	return &GPT2Tokenizer{
		encoder:  encoder,
		decoder:  slices.Clone(tokens),
		bpeRanks: bpeRanks,
		pattern:  gpt2Pattern,
		special:  collectSpecials(tokens),
		eosID:    eosID,
		cache:    make(map[string][]string),
	}, nil
}

func (t *GPT2Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, piece := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(byteEncode(piece)) {
				id, ok := t.encoder[sym]
				if !ok {
					return nil, fmt.Errorf("tokenizer: unknown token %q", sym)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *GPT2Tokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("tokenizer: token id out of range: %d", id)
		}
		for _, r := range t.decoder[id] {
			if by, ok := byteDecoder[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *GPT2Tokenizer) EOSID() int     { return t.eosID }
func (t *GPT2Tokenizer) VocabSize() int { return len(t.decoder) }

func (t *GPT2Tokenizer) bpe(token string) []string {
	t.mu.Lock()
	if v, ok := t.cache[token]; ok {
		t.mu.Unlock()
		return v
	}
	t.mu.Unlock()

	word := splitRunes(token)
	for len(word) > 1 {
		best, found := Pair{}, false
		bestRank := 0
		for i := 0; i+1 < len(word); i++ {
			p := Pair{A: word[i], B: word[i+1]}
			if rank, ok := t.bpeRanks[p]; ok && (!found || rank < bestRank) {
				best, bestRank, found = p, rank, true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, best)
	}

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func mergePair(word []string, pair Pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

type textPart struct {
	text      string
	isSpecial bool
}

// collectSpecials returns the <|...|> tokens, longest first.
func collectSpecials(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if len(t) >= 4 && strings.HasPrefix(t, "<|") && strings.HasSuffix(t, "|>") {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return out
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<|") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isSpecial: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

var byteEncoder, byteDecoder = bytesToUnicode()

// ByteSymbol returns the printable rune GPT-2 uses for a raw byte.
func ByteSymbol(b byte) string { return string(byteEncoder[b]) }

func byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteRune(byteEncoder[by])
	}
	return b.String()
}

// bytesToUnicode maps every byte to a printable rune so BPE symbols never
// contain whitespace or control characters.
func bytesToUnicode() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}
