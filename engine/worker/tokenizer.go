package worker

import (
	"hash/fnv"
	"strings"
)

var syllables = [...]string{"ka", "lo", "mi", "ne", "ru", "sa", "ti", "vo"}

// VocabTokenizer maps whitespace separated words onto a fixed size synthetic
// vocabulary. Encoding is lossy: distinct words may share an ID. Decoding
// spells every non-EOS ID as a pronounceable word.
type VocabTokenizer struct {
	VocabSize int
}

// NewVocabTokenizer returns a tokenizer for the given vocabulary size (>= 2).
func NewVocabTokenizer(vocabSize int) *VocabTokenizer {
	if vocabSize < 2 {
		panic("NewVocabTokenizer: vocabSize must be >= 2")
	}
	return &VocabTokenizer{VocabSize: vocabSize}
}

// Encode returns one token ID in [1, VocabSize) per word.
func (t *VocabTokenizer) Encode(text string) []int {
	words := strings.Fields(text)
	ids := make([]int, len(words))
	for i, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		ids[i] = 1 + int(h.Sum32()%uint32(t.VocabSize-1))
	}
	return ids
}

// Decode joins the words for ids with single spaces. EOS is skipped.
func (t *VocabTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == EOSToken {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(spell(id))
	}
	return sb.String()
}

// spell writes id in base len(syllables), most significant syllable first.
func spell(id int) string {
	if id < 0 {
		id = -id
	}
	var parts []string
	for {
		parts = append(parts, syllables[id%len(syllables)])
		id /= len(syllables)
		if id == 0 {
			break
		}
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteString(parts[i])
	}
	return sb.String()
}
