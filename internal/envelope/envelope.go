// Package envelope builds and parses object-creation notifications. The
// wire shape follows the S3 event notification format so that consumers
// written against that format (and the sample echo function) can parse the
// relay's messages unchanged.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"logflume/internal/store"
)

// ErrNoRecords is returned when a parsed envelope carries no records.
var ErrNoRecords = errors.New("envelope has no records")

// EventObjectCreated is the event name stamped on creation notifications.
const EventObjectCreated = "ObjectCreated:Put"

// Envelope is the notification payload: one record per created object.
// The producer always emits exactly one record; the parser tolerates many.
type Envelope struct {
	Records []Record `json:"Records"`
}

// Record references exactly one object.
type Record struct {
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
	S3        S3        `json:"s3"`
}

// S3 carries the bucket and object references.
type S3 struct {
	Bucket Bucket `json:"bucket"`
	Object Object `json:"object"`
}

// Bucket names the bucket the object was created in.
type Bucket struct {
	Name string `json:"name"`
}

// Object identifies the created object.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ObjectCreated builds the notification body for one created object.
func ObjectCreated(bucket string, info store.ObjectInfo) (string, error) {
	env := Envelope{
		Records: []Record{{
			EventName: EventObjectCreated,
			EventTime: info.Created,
			S3: S3{
				Bucket: Bucket{Name: bucket},
				Object: Object{Key: info.Key, Size: info.Size},
			},
		}},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(body), nil
}

// Parse decodes a notification body. Consumers must iterate the Records
// field: a malformed body or an empty Records array is an error so that
// poison messages surface instead of being acked as empty work.
func Parse(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if len(env.Records) == 0 {
		return Envelope{}, ErrNoRecords
	}
	return env, nil
}
