package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tkm     *tiktoken.Tiktoken
	tkmOnce sync.Once
)

func tokenizer() *tiktoken.Tiktoken {
	tkmOnce.Do(func() {
		var err error
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("failed to load tiktoken encoding, falling back to heuristic", "error", err)
		}
	})
	return tkm
}

// EstimateTokens estimates the token count of text, using tiktoken when the
// encoding is available and a 1:4 character heuristic otherwise.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if t := tokenizer(); t != nil {
		return len(t.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// EstimateMessagesTokens sums the estimate over all messages.
func EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
