// Package tokens estimates the token footprint of a simulation timeline.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// Counter counts tokens with tiktoken encodings. Models tiktoken does not
// know (e.g. Gemini or Claude) are estimated with the closest OpenAI encoding.
type Counter struct {
	mu     sync.RWMutex
	codecs map[string]tokenizer.Codec
}

// NewCounter creates a Counter.
func NewCounter() *Counter {
	return &Counter{codecs: make(map[string]tokenizer.Codec)}
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	model = strings.ToLower(strings.TrimSpace(model))

	c.mu.RLock()
	cached, ok := c.codecs[model]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(encodingFor(model))
		if err != nil {
			return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
		}
	}

	c.mu.Lock()
	c.codecs[model] = codec
	c.mu.Unlock()
	return codec, nil
}

func encodingFor(model string) tokenizer.Encoding {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountText counts tokens in text for model.
func (c *Counter) CountText(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to encode text: %w", err)
	}
	return len(ids), nil
}

// CountTimeline sums the tokens of every entry's content, as the entries would
// be fed back to the model as context.
func (c *Counter) CountTimeline(model string, entries []domain.TimelineEntry) (int, error) {
	total := 0
	for _, e := range entries {
		n, err := c.CountText(model, e.Content)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
