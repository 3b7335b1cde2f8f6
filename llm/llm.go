// Package llm defines the generative-text capability the engine consumes and
// ships an OpenAI-compatible implementation of it.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/songzhibin97/promptflow/types"
)

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ErrEmptyResponse is returned when the provider answers without any choice.
var ErrEmptyResponse = errors.New("provider returned no choices")

// Message is one chat message sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling knobs of one call.
type Params = types.LLMParams

// Caller is the generative-text capability.
type Caller interface {
	// Invoke blocks until the complete text is available.
	Invoke(ctx context.Context, messages []Message, params Params) (string, error)

	// Stream opens a finite, non-restartable sequence of text chunks.
	Stream(ctx context.Context, messages []Message, params Params) (Stream, error)
}

// Stream yields text deltas. Recv returns io.EOF after the last chunk.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Collect drains and closes a stream, returning the chunks joined in arrival
// order. onChunk, if not nil, sees every chunk as it arrives.
func Collect(s Stream, onChunk func(chunk string)) (string, error) {
	defer s.Close()
	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
}

// SliceStream replays fixed chunks. Useful for offline callers and tests.
type SliceStream struct {
	Chunks []string
	Err    error // returned after the chunks instead of io.EOF when set
	pos    int
}

// Recv returns the next chunk.
func (s *SliceStream) Recv() (string, error) {
	if s.pos >= len(s.Chunks) {
		if s.Err != nil {
			return "", s.Err
		}
		return "", io.EOF
	}
	chunk := s.Chunks[s.pos]
	s.pos++
	return chunk, nil
}

// Close implements Stream.
func (s *SliceStream) Close() error { return nil }

// CallerFunc adapts a function to Caller; streaming splits the answer on spaces.
type CallerFunc func(ctx context.Context, messages []Message, params Params) (string, error)

// Invoke implements Caller.
func (f CallerFunc) Invoke(ctx context.Context, messages []Message, params Params) (string, error) {
	return f(ctx, messages, params)
}

// Stream implements Caller.
func (f CallerFunc) Stream(ctx context.Context, messages []Message, params Params) (Stream, error) {
	text, err := f(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	return &SliceStream{Chunks: SplitChunks(text)}, nil
}

// SplitChunks cuts text into word-sized chunks that concatenate back to text.
func SplitChunks(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	return append(chunks, text[start:])
}
