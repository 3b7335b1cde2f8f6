package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/promptflow/llm"
	"github.com/songzhibin97/promptflow/runner"
	"github.com/songzhibin97/promptflow/workflow"
)

const greetTemplate = `
id: greet
nodes:
  - id: greet
    data:
      name: greet
      systemPrompt: Be kind.
      userPrompt: "Say hello to {{user.name}}{{#title}}, {{title}}{{/title}}"
      inputMapping:
        user: initialInput.user
        title: initialInput.title
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadInputs(t *testing.T) {
	path := writeFile(t, "inputs.yaml", "user:\n  name: ada\ncount: 2\n")

	inputs, err := loadInputs(path, []string{"user.role=admin", "title=Dr"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"user":  map[string]any{"name": "ada", "role": "admin"},
		"count": 2,
		"title": "Dr",
	}, inputs)

	_, err = loadInputs("", []string{"novalue"})
	assert.Error(t, err)
	_, err = loadInputs("", []string{"a=1", "a.b=2"})
	assert.ErrorContains(t, err, `"a" is not an object`)
}

func TestValidateCommand(t *testing.T) {
	path := writeFile(t, "greet.yaml", greetTemplate)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "node_id: greet")
	assert.Contains(t, out, "- user")
	assert.Contains(t, out, "- title")

	bad := writeFile(t, "bad.yaml", "nodes:\n  - id: a\n    data:\n      name: a\n")
	_, err = execute(t, "validate", bad)
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		prompt := req.Messages[len(req.Messages)-1].Content
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": strings.ToUpper(prompt)},
				"finish_reason": "stop",
			}},
		})
	}))
	defer llmServer.Close()

	t.Setenv("PROMPTFLOW_LLM_BASE_URL", llmServer.URL+"/v1")
	t.Setenv("PROMPTFLOW_LLM_API_KEY", "test")
	path := writeFile(t, "greet.yaml", greetTemplate)

	out, err := execute(t, "run", path, "-i", "user.name=ada", "--quiet")
	require.NoError(t, err)

	var results map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.Equal(t, map[string]any{"greet": "SAY HELLO TO ADA"}, results)
	mu.Lock()
	assert.Equal(t, []string{"Say hello to ada"}, prompts)
	mu.Unlock()

	_, err = execute(t, "run", path)
	assert.Error(t, err, "user is required")
}

func TestPreloadTemplates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetTemplate), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a template"), 0o600))

	engine, err := workflow.NewEngine(llm.CallerFunc(func(ctx context.Context, messages []llm.Message, params llm.Params) (string, error) {
		return "hi", nil
	}))
	require.NoError(t, err)
	r, err := runner.New(engine, generator.NewSnowflake(time.Now().Add(-time.Second), 1), nil)
	require.NoError(t, err)
	defer r.Stop()

	a := &app{logger: slog.Default()}
	require.NoError(t, preloadTemplates(context.Background(), a, r, dir))

	tmpls, err := r.ListTemplates(context.Background())
	require.NoError(t, err)
	require.Len(t, tmpls, 1)
	assert.Equal(t, "greet", tmpls[0].ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"id":"broken","nodes":[]}`), 0o600))
	err = preloadTemplates(context.Background(), a, r, dir)
	assert.ErrorContains(t, err, "broken.json")

	assert.Error(t, preloadTemplates(context.Background(), a, r, filepath.Join(dir, "missing")))
}
