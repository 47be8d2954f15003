package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diiisco/diiisco/internal/protocol"
)

func testRuntime(t *testing.T, handler http.Handler) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(srv.URL, 0, "localkey")
}

func TestGetResponsePassesCompletionThrough(t *testing.T) {
	completion := `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"message":{"role":"assistant","content":"hi"}}]}`
	c := testRuntime(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer localkey" {
			t.Errorf("auth header = %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["model"] != "gpt-oss:20b" {
			t.Errorf("model = %v", body["model"])
		}
		if body["stream"] != false {
			t.Errorf("stream = %v, want false", body["stream"])
		}
		w.Write([]byte(completion))
	}))

	got, err := c.GetResponse(context.Background(), "gpt-oss:20b",
		[]protocol.ChatMessage{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	// The completion body must travel verbatim.
	var want, have interface{}
	json.Unmarshal([]byte(completion), &want)
	if err := json.Unmarshal(got, &have); err != nil {
		t.Fatalf("completion not json: %v", err)
	}
}

func TestGetResponseNotServed(t *testing.T) {
	c := testRuntime(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	_, err := c.GetResponse(context.Background(), "no-such-model", nil)
	if !errors.Is(err, ErrModelNotServed) {
		t.Errorf("err = %v, want ErrModelNotServed", err)
	}
}

func TestGetModels(t *testing.T) {
	c := testRuntime(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-oss:20b","object":"model","created":1712000000,"owned_by":"library"}]}`))
	}))

	models, err := c.GetModels(context.Background())
	if err != nil {
		t.Fatalf("GetModels: %v", err)
	}
	if len(models) != 1 || models[0].ID != "gpt-oss:20b" {
		t.Errorf("models = %+v", models)
	}
}

func TestCountEmbeddings(t *testing.T) {
	c := testRuntime(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Input) != 2 || !strings.Contains(body.Input[0], "first") {
			t.Errorf("input = %v", body.Input)
		}
		w.Write([]byte(`{"usage":{"prompt_tokens":42}}`))
	}))

	n, err := c.CountEmbeddings(context.Background(), "gpt-oss:20b", []protocol.ChatMessage{
		{Role: "user", Content: "first message"},
		{Role: "user", Content: "second"},
	})
	if err != nil {
		t.Fatalf("CountEmbeddings: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
}

func TestAccumulatorDedupesAndDebounces(t *testing.T) {
	var mu sync.Mutex
	var compiled [][]protocol.ModelInfo
	done := make(chan struct{}, 1)

	acc := NewAccumulator(30*time.Millisecond, func(models []protocol.ModelInfo) {
		mu.Lock()
		compiled = append(compiled, models)
		mu.Unlock()
		done <- struct{}{}
	})
	defer acc.Close()

	acc.AddModels([]protocol.ModelInfo{{ID: "a"}, {ID: "b"}})
	acc.AddModels([]protocol.ModelInfo{{ID: "b"}, {ID: "c"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("accumulator never compiled")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(compiled) != 1 {
		t.Fatalf("compiled %d times, want 1", len(compiled))
	}
	if len(compiled[0]) != 3 {
		t.Errorf("compiled list = %+v, want 3 unique models", compiled[0])
	}
}

func TestAccumulatorResetsBetweenBursts(t *testing.T) {
	done := make(chan []protocol.ModelInfo, 2)
	acc := NewAccumulator(20*time.Millisecond, func(models []protocol.ModelInfo) {
		done <- models
	})
	defer acc.Close()

	acc.AddModels([]protocol.ModelInfo{{ID: "x"}})
	first := <-done

	acc.AddModels([]protocol.ModelInfo{{ID: "y"}})
	second := <-done

	if len(first) != 1 || first[0].ID != "x" {
		t.Errorf("first burst = %+v", first)
	}
	// A fresh burst must not carry models from the already-compiled one.
	if len(second) != 1 || second[0].ID != "y" {
		t.Errorf("second burst = %+v", second)
	}
}

func TestAccumulatorCloseStopsEmission(t *testing.T) {
	fired := make(chan struct{}, 1)
	acc := NewAccumulator(10*time.Millisecond, func([]protocol.ModelInfo) {
		fired <- struct{}{}
	})
	acc.AddModels([]protocol.ModelInfo{{ID: "z"}})
	acc.Close()

	select {
	case <-fired:
		t.Error("accumulator emitted after Close")
	case <-time.After(50 * time.Millisecond):
	}
}
