package whisper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// fullOutput mirrors the subset of whisper-cli -ojf output we consume.
type fullOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []fullSegment `json:"transcription"`
}

type fullOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type fullSegment struct {
	Offsets fullOffsets `json:"offsets"`
	Text    string      `json:"text"`
	Tokens  []fullToken `json:"tokens"`
}

type fullToken struct {
	Text        string      `json:"text"`
	Offsets     fullOffsets `json:"offsets"`
	Probability float64     `json:"p"`
}

func decodeFullJSON(content []byte) (fullOutput, error) {
	var out fullOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return fullOutput{}, fmt.Errorf("decode whisper output: %w", err)
	}
	return out, nil
}

func (o fullOutput) toSegments(words bool) []Segment {
	segments := make([]Segment, 0, len(o.Transcription))
	for i, raw := range o.Transcription {
		segment := Segment{
			ID:    i,
			Start: msToSeconds(raw.Offsets.From),
			End:   msToSeconds(raw.Offsets.To),
			Text:  raw.Text,
		}
		if words {
			segment.Words = mergeTokens(raw.Tokens)
		}
		segments = append(segments, segment)
	}
	return segments
}

// mergeTokens folds sub-word tokens into words. A token that starts with a
// space opens a new word; special tokens such as [_BEG_] are skipped.
func mergeTokens(tokens []fullToken) []Word {
	words := make([]Word, 0, len(tokens))
	var (
		current Word
		probSum float64
		count   int
	)

	flush := func() {
		if count == 0 {
			return
		}
		current.Text = strings.TrimSpace(current.Text)
		current.Probability = probSum / float64(count)
		if current.Text != "" {
			words = append(words, current)
		}
		current = Word{}
		probSum = 0
		count = 0
	}

	for _, token := range tokens {
		if isSpecialToken(token.Text) {
			continue
		}
		if count > 0 && strings.HasPrefix(token.Text, " ") {
			flush()
		}
		if count == 0 {
			current.Start = msToSeconds(token.Offsets.From)
		}
		current.Text += token.Text
		current.End = msToSeconds(token.Offsets.To)
		probSum += token.Probability
		count++
	}
	flush()
	return words
}

func isSpecialToken(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "[_") && strings.HasSuffix(trimmed, "]")
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}
