package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"logflume/internal/pipeline"
)

// startServer runs a server on a random port and returns its base URL.
func startServer(t *testing.T) string {
	t.Helper()

	p, err := pipeline.New(pipeline.Config{FlushInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	s := New(Config{Addr: "127.0.0.1:0", Pipeline: p})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()

	// Give the server a moment to bind.
	time.Sleep(50 * time.Millisecond)
	if s.Addr() == nil {
		t.Fatal("server did not start")
	}
	return "http://" + s.Addr().String()
}

func TestHealthz(t *testing.T) {
	base := startServer(t)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestInvokeEcho(t *testing.T) {
	base := startServer(t)

	resp, err := http.Post(base+"/v1/invoke/echo", "application/json",
		strings.NewReader(`{"message": "hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("invoke status = %d: %s", resp.StatusCode, body)
	}

	var out InvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.InvocationID == "" {
		t.Error("invocation id missing")
	}
	if !strings.Contains(out.Stream, "[echo]") {
		t.Errorf("stream = %q", out.Stream)
	}
	if !strings.Contains(string(out.Body), "Successfully processed event") {
		t.Errorf("body = %s", out.Body)
	}
}

func TestInvokeEmptyPayloadDefaults(t *testing.T) {
	base := startServer(t)

	resp, err := http.Post(base+"/v1/invoke/echo", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("empty payload status = %d, want 200", resp.StatusCode)
	}
}

func TestInvokeUnknownFunction(t *testing.T) {
	base := startServer(t)

	resp, err := http.Post(base+"/v1/invoke/no-such-function", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown function status = %d, want 404", resp.StatusCode)
	}
}

func TestInvokeMalformedPayload(t *testing.T) {
	base := startServer(t)

	resp, err := http.Post(base+"/v1/invoke/echo", "application/json",
		strings.NewReader(`not json`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("malformed payload status = %d, want 502", resp.StatusCode)
	}
}

func TestListFunctions(t *testing.T) {
	base := startServer(t)

	resp, err := http.Get(base + "/v1/functions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Functions []string `json:"functions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, name := range out.Functions {
		if name == "echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("echo missing from %v", out.Functions)
	}
}

func TestStats(t *testing.T) {
	base := startServer(t)

	// Generate some traffic first.
	for i := 0; i < 3; i++ {
		resp, err := http.Post(base+"/v1/invoke/echo", "application/json",
			strings.NewReader(fmt.Sprintf(`{"n": %d}`, i)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(base + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}

	var stats pipeline.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Queue.Name == "" {
		t.Error("queue stats missing")
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	base := startServer(t)

	big := strings.Repeat("x", MaxPayloadSize+1)
	resp, err := http.Post(base+"/v1/invoke/echo", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized payload status = %d, want 413", resp.StatusCode)
	}
}
