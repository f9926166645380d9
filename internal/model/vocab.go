package model

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var defaultSpecialTokens = []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "[DEC]", "[ENC]"}

// Vocab maps WordPiece token ids back to text.
type Vocab struct {
	tokens  []string
	added   map[int64]string
	special map[int64]bool
}

// LoadVocab reads vocab.txt (one token per line, id = line number) plus the
// optional added_tokens.json and special_tokens_map.json from dir.
func LoadVocab(dir string) (*Vocab, error) {
	f, err := os.Open(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", VocabFile, err)
	}
	defer f.Close()

	v := &Vocab{added: map[int64]string{}, special: map[int64]bool{}}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		v.tokens = append(v.tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", VocabFile, err)
	}
	if len(v.tokens) == 0 {
		return nil, fmt.Errorf("%s is empty", VocabFile)
	}

	added := map[string]int64{}
	if err := readOptionalJSON(filepath.Join(dir, AddedTokensFile), &added); err != nil {
		return nil, err
	}
	for tok, id := range added {
		v.added[id] = tok
	}

	specials, err := loadSpecialTokens(filepath.Join(dir, SpecialTokensFile))
	if err != nil {
		return nil, err
	}
	for _, tok := range specials {
		if id, ok := v.ID(tok); ok {
			v.special[id] = true
		}
	}
	return v, nil
}

// MarkSpecial flags ids that must never appear in decoded text.
func (v *Vocab) MarkSpecial(ids ...int64) {
	for _, id := range ids {
		v.special[id] = true
	}
}

// Len is the number of ids with a known token.
func (v *Vocab) Len() int {
	return len(v.tokens) + len(v.added)
}

func (v *Vocab) Token(id int64) (string, bool) {
	if id >= 0 && id < int64(len(v.tokens)) {
		return v.tokens[id], true
	}
	tok, ok := v.added[id]
	return tok, ok
}

func (v *Vocab) ID(token string) (int64, bool) {
	for id, tok := range v.added {
		if tok == token {
			return id, true
		}
	}
	for i, tok := range v.tokens {
		if tok == token {
			return int64(i), true
		}
	}
	return 0, false
}

// Decode renders ids as text the way a BERT tokenizer does with special
// tokens skipped: WordPiece continuations are merged and spaces before
// punctuation and English contractions are removed. Unknown ids are
// dropped.
func (v *Vocab) Decode(ids []int64) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if v.special[id] {
			continue
		}
		tok, ok := v.Token(id)
		if !ok {
			continue
		}
		words = append(words, tok)
	}
	text := strings.Join(words, " ")
	text = strings.ReplaceAll(text, " ##", "")
	text = strings.TrimPrefix(text, "##")
	return strings.TrimSpace(cleanUpTokenization(text))
}

var cleanUp = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

func cleanUpTokenization(s string) string {
	return cleanUp.Replace(s)
}

func loadSpecialTokens(path string) ([]string, error) {
	raw := map[string]json.RawMessage{}
	if err := readOptionalJSON(path, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return defaultSpecialTokens, nil
	}

	var out []string
	for _, val := range raw {
		out = append(out, specialTokenStrings(val)...)
	}
	return out, nil
}

// specialTokenStrings unpacks the three shapes a special token entry can
// take: "tok", {"content": "tok"} or a list of either.
func specialTokenStrings(raw json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Content != "" {
		return []string{obj.Content}
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		var out []string
		for _, item := range list {
			out = append(out, specialTokenStrings(item)...)
		}
		return out
	}
	return nil
}

func readOptionalJSON(path string, v any) error {
	err := readJSON(path, v)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
