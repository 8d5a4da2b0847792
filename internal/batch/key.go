package batch

import (
	"fmt"
	"strings"
	"time"

	"logflume/internal/event"
)

// Key builds the object key for a sealed batch:
//
//	<prefix>/<group>/<unix-nanos>-<batch-id>.<ext>
//
// The prefix namespaces the pipeline inside a shared bucket, the group
// segment lets consumers scope which objects they process, and the
// timestamp+UUIDv7 pair guarantees no collision between concurrent writers
// while keeping lexical order close to write order.
func Key(prefix, group string, sealedAt time.Time, id event.BatchID, codec Codec) string {
	return fmt.Sprintf("%s%d-%s.%s",
		GroupPrefix(prefix, group), sealedAt.UnixNano(), id, codec.Ext())
}

// GroupPrefix returns the key prefix shared by all batches of one log group,
// with a trailing slash. This is the selector downstream consumers match on.
func GroupPrefix(prefix, group string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return group + "/"
	}
	return prefix + "/" + group + "/"
}
