package source

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"logflume/internal/aggregator"
)

func testGroup() *aggregator.Group {
	return aggregator.New(aggregator.Config{}).Group("app-logs")
}

func TestInvokeUnknownFunction(t *testing.T) {
	r := NewRegistry(Config{Group: testGroup()})

	_, err := r.Invoke(context.Background(), "nope", []byte("{}"))
	if !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(Config{Group: testGroup()})

	if err := r.Register("echo", Echo()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("echo", Echo()); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
	if got := r.Functions(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("functions: %v", got)
	}
}

func TestInvokeCreatesStreamWithMarkers(t *testing.T) {
	group := testGroup()
	r := NewRegistry(Config{Group: group})

	fn := FunctionFunc(func(_ context.Context, logger *slog.Logger, _ []byte) ([]byte, error) {
		logger.Info("doing work")
		return []byte("done"), nil
	})
	if err := r.Register("worker", fn); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := r.Invoke(context.Background(), "worker", []byte(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(res.Body) != "done" {
		t.Fatalf("body: got %q", res.Body)
	}

	records := group.Stream(res.Stream).Records()
	if len(records) != 3 {
		t.Fatalf("expected START + 1 log + END, got %d records", len(records))
	}
	if !strings.HasPrefix(records[0].Message, "START RequestId: ") {
		t.Errorf("first record: %q", records[0].Message)
	}
	if !strings.Contains(records[1].Message, "doing work") {
		t.Errorf("second record: %q", records[1].Message)
	}
	if !strings.HasPrefix(records[2].Message, "END RequestId: ") {
		t.Errorf("last record: %q", records[2].Message)
	}
	for _, rec := range records {
		if rec.Source != "worker" {
			t.Errorf("record source: %q", rec.Source)
		}
	}
}

func TestInvokeHandlerErrorLoggedToStream(t *testing.T) {
	group := testGroup()
	r := NewRegistry(Config{Group: group})

	fn := FunctionFunc(func(context.Context, *slog.Logger, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	if err := r.Register("bad", fn); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Invoke(context.Background(), "bad", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected handler error, got %v", err)
	}

	// The stream still carries START, the error line, and END.
	infos := group.Streams()
	if len(infos) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(infos))
	}
	records := group.Stream(infos[0].Name).Records()
	found := false
	for _, rec := range records {
		if strings.Contains(rec.Message, "boom") {
			found = true
		}
	}
	if !found {
		t.Errorf("handler error not logged to stream: %+v", records)
	}
}

func TestEchoFunction(t *testing.T) {
	group := testGroup()
	r := NewRegistry(Config{Group: group})
	if err := r.Register("echo", Echo()); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload := []byte(`{"Records":[` +
		`{"s3":{"bucket":{"name":"b"},"object":{"key":"k.jsonl.gz"}}},` +
		`{"body":"queued"}]}`)

	res, err := r.Invoke(context.Background(), "echo", payload)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(string(res.Body), "Successfully processed event") {
		t.Fatalf("result body: %s", res.Body)
	}

	var all []string
	for _, rec := range group.Stream(res.Stream).Records() {
		all = append(all, rec.Message)
	}
	joined := strings.Join(all, "\n")
	if !strings.Contains(joined, "received event") {
		t.Errorf("missing event log: %s", joined)
	}
	if !strings.Contains(joined, "object created in bucket b with key k.jsonl.gz") {
		t.Errorf("missing object-created log: %s", joined)
	}
	if !strings.Contains(joined, "queue message received: queued") {
		t.Errorf("missing queue-message log: %s", joined)
	}
}

func TestEchoRejectsMalformedPayload(t *testing.T) {
	r := NewRegistry(Config{Group: testGroup()})
	if err := r.Register("echo", Echo()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.Invoke(context.Background(), "echo", []byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
