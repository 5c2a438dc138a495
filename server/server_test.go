package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/engine/executor"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

type testEnv struct {
	srv    *Server
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan error
}

func newTestEnv(t *testing.T, mutate func(*engine.Config)) *testEnv {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Model.StepLatency = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	exec, err := executor.New(cfg.Executor, cfg.Model)
	require.NoError(t, err)
	eng, err := engine.New(cfg, exec, executor.NewTokenizer(cfg.Model))
	require.NoError(t, err)
	srv, err := New(DefaultConfig(), eng)
	require.NoError(t, err)
	env := &testEnv{srv: srv, engine: eng}
	t.Cleanup(func() {
		env.stop(t)
		_ = eng.Close()
	})
	return env
}

// start runs the engine's step loop.
func (env *testEnv) start() {
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	env.done = make(chan error, 1)
	go func() { env.done <- env.engine.Run(ctx) }()
}

func (env *testEnv) stop(t *testing.T) {
	if env.cancel == nil {
		return
	}
	env.cancel()
	assert.NoError(t, <-env.done)
	env.cancel = nil
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getStats(t *testing.T, h http.Handler) engine.Stats {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGenerate_ReturnsPromptAndCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	rec := postJSON(t, env.srv.Router(), "/generate", map[string]any{
		"prompt": "hello there", "max_tokens": 5, "temperature": 0, "ignore_eos": true,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Text, 1)
	assert.True(t, strings.HasPrefix(resp.Text[0], "hello there "), resp.Text[0])
	assert.Len(t, strings.Fields(resp.Text[0]), 2+5)
	assert.Equal(t, engine.FinishLength, resp.FinishReason)
	assert.NotEmpty(t, resp.RequestID)
}

func TestGenerate_Greedy_IsDeterministic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()
	body := map[string]any{"prompt": "same prompt", "max_tokens": 8, "temperature": 0, "ignore_eos": true}

	a := postJSON(t, env.srv.Router(), "/generate", body)
	b := postJSON(t, env.srv.Router(), "/generate", body)

	var ra, rb generateResponse
	require.NoError(t, json.Unmarshal(a.Body.Bytes(), &ra))
	require.NoError(t, json.Unmarshal(b.Body.Bytes(), &rb))
	assert.Equal(t, ra.Text, rb.Text)
}

func TestGenerate_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"prompt":`},
		{"empty prompt", `{"prompt":"","max_tokens":4}`},
		{"zero max tokens", `{"prompt":"hi","max_tokens":0}`},
		{"negative temperature", `{"prompt":"hi","temperature":-0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			env.srv.Router().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGenerate_QueueFull_Returns503WithRetryAfter(t *testing.T) {
	// GIVEN a stopped step loop and a full queue
	env := newTestEnv(t, func(c *engine.Config) { c.Scheduler.MaxWaitingReqs = 1 })
	_, err := env.engine.Add("occupant", engine.SamplingParams{MaxTokens: 1})
	require.NoError(t, err)

	// WHEN another request arrives over HTTP
	rec := postJSON(t, env.srv.Router(), "/generate", map[string]any{"prompt": "late", "max_tokens": 1})

	// THEN it is rejected with a retry hint
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(1), getStats(t, env.srv.Router()).NumRejectedRequests)
}

func TestAbort_QueuedRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	stream, err := env.engine.Add("to be cancelled", engine.SamplingParams{MaxTokens: 4})
	require.NoError(t, err)

	rec := postJSON(t, env.srv.Router(), "/abort/"+stream.ID(), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	unknown := postJSON(t, env.srv.Router(), "/abort/does-not-exist", nil)
	assert.Equal(t, http.StatusAccepted, unknown.Code)

	require.NoError(t, env.engine.Step(context.Background()))
	_, err = stream.Result()
	assert.ErrorIs(t, err, engine.ErrAborted)
	assert.Equal(t, int64(1), getStats(t, env.srv.Router()).NumAbortedRequests)
}

func TestGenerate_ClientDisconnect_AbortsRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/generate",
		strings.NewReader(`{"prompt":"a very long answer","max_tokens":1000,"ignore_eos":true}`))
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return getStats(t, env.srv.Router()).NumAbortedRequests == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestGenerate_Stream_WritesCumulativeLines(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/generate", "application/json",
		strings.NewReader(`{"prompt":"count","max_tokens":3,"ignore_eos":true,"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var lines []generateResponse
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var line generateResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line), sc.Text())
		lines = append(lines, line)
	}
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Equal(t, engine.FinishLength, last.FinishReason)
	assert.Len(t, strings.Fields(last.Text[0]), 1+3)
	for i := 1; i < len(lines); i++ {
		assert.True(t, strings.HasPrefix(lines[i].Text[0], lines[i-1].Text[0]), "text must only grow")
	}
}

func TestMetrics_ExposesEngineAndHTTPSeries(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()
	postJSON(t, env.srv.Router(), "/generate", map[string]any{"prompt": "hi", "max_tokens": 2})

	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "inference_serve_requests_admitted_total 1")
	assert.Contains(t, string(body), `inference_serve_http_requests_total{method="POST",path="/generate",status="200"} 1`)
}

func TestHaltedEngine_ReportsUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, env.engine.Run(ctx))

	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	gen := postJSON(t, env.srv.Router(), "/generate", map[string]any{"prompt": "hi", "max_tokens": 2})
	assert.Equal(t, http.StatusServiceUnavailable, gen.Code)
}

func TestPanicRecovery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// The API server survives a burst of abandoned requests: warmup, 100 requests,
// 100 long requests whose clients hang up after 10ms, then 100 more.
func TestAPIServer_SurvivesCancelledRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()
	client := &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 32}}

	query := func(ctx context.Context, prompt string, maxTokens int) error {
		body := fmt.Sprintf(`{"prompt":%q,"max_tokens":%d,"temperature":0,"ignore_eos":true}`, prompt, maxTokens)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/generate", strings.NewReader(body))
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		var out generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		if len(out.Text) != 1 || out.Text[0] == "" {
			return fmt.Errorf("empty result %+v", out)
		}
		return nil
	}
	burst := func(prompt string) {
		var g errgroup.Group
		g.SetLimit(32)
		for i := 0; i < 100; i++ {
			g.Go(func() error { return query(context.Background(), prompt, 5) })
		}
		require.NoError(t, g.Wait())
	}

	require.NoError(t, query(context.Background(), "warm up", 5))
	assert.Equal(t, int64(0), getStats(t, env.srv.Router()).NumAbortedRequests)
	burst("test prompt")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			_ = query(ctx, "canceled requests", 500)
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool {
		return getStats(t, env.srv.Router()).NumAbortedRequests > 0
	}, 5*time.Second, 10*time.Millisecond)

	burst("test prompt after canceled")
	assert.False(t, getStats(t, env.srv.Router()).Halted)
}
