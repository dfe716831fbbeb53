package loki

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewWriterDefaults(t *testing.T) {
	w := NewWriter(Config{
		URL: "http://localhost:3100",
	})

	if w.batchSize != 100 {
		t.Errorf("expected default batchSize 100, got %d", w.batchSize)
	}
	if w.flushInterval != 5*time.Second {
		t.Errorf("expected default flushInterval 5s, got %v", w.flushInterval)
	}
	if w.labels["job"] != "groupvault" {
		t.Errorf("expected default job label 'groupvault', got %q", w.labels["job"])
	}
}

func TestNewWriterCustomConfig(t *testing.T) {
	w := NewWriter(Config{
		URL:           "http://localhost:3100",
		BatchSize:     50,
		FlushInterval: 10 * time.Second,
		Timeout:       30 * time.Second,
		Labels: map[string]string{
			"instance": "gateway-1",
		},
	})

	if w.batchSize != 50 {
		t.Errorf("expected batchSize 50, got %d", w.batchSize)
	}
	if w.labels["instance"] != "gateway-1" {
		t.Errorf("expected instance label 'gateway-1', got %q", w.labels["instance"])
	}
	// job label should still be set
	if w.labels["job"] != "groupvault" {
		t.Errorf("expected job label 'groupvault', got %q", w.labels["job"])
	}
}

func TestWriterBuffersEntries(t *testing.T) {
	w := NewWriter(Config{
		URL:       "http://localhost:3100",
		BatchSize: 10,
	})

	testMsg := []byte(`{"level":"info","msg":"test message"}`)
	for i := 0; i < 5; i++ {
		n, err := w.Write(testMsg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != len(testMsg) {
			t.Errorf("expected n=%d, got %d", len(testMsg), n)
		}
	}

	w.mu.Lock()
	bufLen := len(w.buffer)
	w.mu.Unlock()

	if bufLen != 5 {
		t.Errorf("expected 5 buffered entries, got %d", bufLen)
	}
}

func TestWriterSkipsEmptyLines(t *testing.T) {
	w := NewWriter(Config{
		URL:       "http://localhost:3100",
		BatchSize: 10,
	})

	_, _ = w.Write([]byte(""))
	_, _ = w.Write([]byte("   "))
	_, _ = w.Write([]byte("\n"))
	_, _ = w.Write([]byte(`{"level":"info","msg":"real message"}`))

	w.mu.Lock()
	bufLen := len(w.buffer)
	w.mu.Unlock()

	if bufLen != 1 {
		t.Errorf("expected 1 buffered entry (empty lines skipped), got %d", bufLen)
	}
}

func TestWriterFlushesOnStop(t *testing.T) {
	var requestCount atomic.Int32
	var receivedPayload lokiPushRequest
	var payloadMu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		body, _ := io.ReadAll(r.Body)
		payloadMu.Lock()
		_ = json.Unmarshal(body, &receivedPayload)
		payloadMu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWriter(Config{
		URL:       server.URL,
		BatchSize: 100,
	})
	w.Start()

	_, _ = w.Write([]byte(`{"level":"info","msg":"one"}`))
	_, _ = w.Write([]byte(`{"level":"info","msg":"two"}`))
	w.Stop()

	if requestCount.Load() == 0 {
		t.Fatal("expected at least one push on stop")
	}

	payloadMu.Lock()
	defer payloadMu.Unlock()
	if len(receivedPayload.Streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(receivedPayload.Streams))
	}
	if got := len(receivedPayload.Streams[0].Values); got != 2 {
		t.Errorf("expected 2 entries, got %d", got)
	}
	if receivedPayload.Streams[0].Stream["job"] != "groupvault" {
		t.Errorf("expected job label on stream, got %v", receivedPayload.Streams[0].Stream)
	}
}

func TestWriterCountsFlushErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	w := NewWriter(Config{URL: server.URL, BatchSize: 1})
	_, _ = w.Write([]byte(`{"msg":"x"}`))
	w.flush()

	if w.FlushErrors() == 0 {
		t.Error("expected flush error to be counted")
	}
}
