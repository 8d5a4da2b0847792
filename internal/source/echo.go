package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
)

// echoEvent is the subset of notification shapes the echo function
// understands: object-creation records and queue messages.
type echoEvent struct {
	Records []echoRecord `json:"Records"`
}

type echoRecord struct {
	S3 *struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
	Body string `json:"body"`
}

type echoResult struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Echo returns the built-in sample function: it logs the incoming event,
// recognizes object-creation and queue-message records if the payload
// carries a Records array, and reports success. Its only purpose is to
// generate log traffic that exercises the whole pipeline.
func Echo() Function {
	return FunctionFunc(func(_ context.Context, logger *slog.Logger, payload []byte) ([]byte, error) {
		var ev echoEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("malformed event payload: %w", err)
		}

		logger.Info("received event: " + string(payload))

		for _, rec := range ev.Records {
			switch {
			case rec.S3 != nil:
				logger.Info(fmt.Sprintf("object created in bucket %s with key %s",
					rec.S3.Bucket.Name, rec.S3.Object.Key))
			case rec.Body != "":
				logger.Info("queue message received: " + rec.Body)
			}
		}

		body, err := json.Marshal(echoResult{
			StatusCode: 200,
			Body:       "Successfully processed event",
		})
		if err != nil {
			return nil, err
		}
		return body, nil
	})
}
