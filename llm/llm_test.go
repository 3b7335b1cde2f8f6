package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunks(t *testing.T) {
	assert.Nil(t, SplitChunks(""))
	assert.Equal(t, []string{"one"}, SplitChunks("one"))
	chunks := SplitChunks("the quick  brown fox")
	assert.Equal(t, "the quick  brown fox", strings.Join(chunks, ""))
	assert.Equal(t, []string{"the", " quick", " ", " brown", " fox"}, chunks)
}

func TestCollect(t *testing.T) {
	var seen []string
	text, err := Collect(&SliceStream{Chunks: []string{"a", "b", "c"}}, func(c string) { seen = append(seen, c) })
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	boom := errors.New("boom")
	text, err = Collect(&SliceStream{Chunks: []string{"a"}, Err: boom}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "a", text)
}

func TestCallerFunc(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, messages []Message, params Params) (string, error) {
		return "echo " + messages[len(messages)-1].Content, nil
	})
	msgs := []Message{{Role: RoleUser, Content: "hello world"}}

	text, err := caller.Invoke(context.Background(), msgs, Params{})
	require.NoError(t, err)
	assert.Equal(t, "echo hello world", text)

	s, err := caller.Stream(context.Background(), msgs, Params{})
	require.NoError(t, err)
	streamed, err := Collect(s, nil)
	require.NoError(t, err)
	assert.Equal(t, text, streamed)
}

func TestEstimateTokensEmpty(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateMessagesTokens([]Message{{Role: RoleSystem}}))
}

func newOpenAIServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		answer := "model=" + req.Model + " said hi"

		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"1","object":"chat.completion","created":1,"model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, req.Model, answer)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n", req.Model)
		for _, chunk := range SplitChunks(answer) {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", req.Model, chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAICaller(t *testing.T) {
	srv := newOpenAIServer(t)
	defer srv.Close()

	caller := NewOpenAICaller(OpenAIOptions{BaseURL: srv.URL + "/v1", APIKey: "test", DefaultModel: "default-model"})
	msgs := []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}}

	t.Run("Invoke", func(t *testing.T) {
		text, err := caller.Invoke(context.Background(), msgs, Params{})
		require.NoError(t, err)
		assert.Equal(t, "model=default-model said hi", text)
	})

	t.Run("InvokeModelOverride", func(t *testing.T) {
		text, err := caller.Invoke(context.Background(), msgs, Params{Model: "other"})
		require.NoError(t, err)
		assert.Equal(t, "model=other said hi", text)
	})

	t.Run("Stream", func(t *testing.T) {
		s, err := caller.Stream(context.Background(), msgs, Params{})
		require.NoError(t, err)
		var chunks []string
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			chunks = append(chunks, chunk)
		}
		require.NoError(t, s.Close())
		assert.Greater(t, len(chunks), 1)
		assert.Equal(t, "model=default-model said hi", strings.Join(chunks, ""))
	})

	t.Run("ServerError", func(t *testing.T) {
		bad := NewOpenAICaller(OpenAIOptions{BaseURL: srv.URL + "/missing", APIKey: "test"})
		_, err := bad.Invoke(context.Background(), msgs, Params{})
		assert.Error(t, err)
	})
}
