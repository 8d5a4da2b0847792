package envelope

import (
	"errors"
	"strings"
	"testing"
	"time"

	"logflume/internal/store"
)

func TestObjectCreatedRoundTrip(t *testing.T) {
	created := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	body, err := ObjectCreated("my-bucket", store.ObjectInfo{
		Key:     "firehose/app/123-abc.jsonl.gz",
		Size:    512,
		Created: created,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	env, err := Parse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(env.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(env.Records))
	}
	rec := env.Records[0]
	if rec.EventName != EventObjectCreated {
		t.Errorf("event name: got %q", rec.EventName)
	}
	if rec.S3.Bucket.Name != "my-bucket" {
		t.Errorf("bucket: got %q", rec.S3.Bucket.Name)
	}
	if rec.S3.Object.Key != "firehose/app/123-abc.jsonl.gz" {
		t.Errorf("key: got %q", rec.S3.Object.Key)
	}
	if rec.S3.Object.Size != 512 {
		t.Errorf("size: got %d", rec.S3.Object.Size)
	}
	if !rec.EventTime.Equal(created) {
		t.Errorf("event time: got %v", rec.EventTime)
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	// The on-wire field names are a compatibility contract; consumers
	// parse the Records array by these exact names.
	body, err := ObjectCreated("b", store.ObjectInfo{Key: "k"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, field := range []string{`"Records"`, `"eventName"`, `"s3"`, `"bucket"`, `"name"`, `"object"`, `"key"`} {
		if !strings.Contains(body, field) {
			t.Errorf("envelope %s missing field %s", body, field)
		}
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse("not json"); err == nil {
		t.Error("expected error for malformed body")
	}
	if _, err := Parse(`{"Records":[]}`); !errors.Is(err, ErrNoRecords) {
		t.Errorf("expected ErrNoRecords, got %v", err)
	}
	if _, err := Parse(`{}`); !errors.Is(err, ErrNoRecords) {
		t.Errorf("expected ErrNoRecords for missing Records, got %v", err)
	}
}
