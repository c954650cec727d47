package redpanda

import (
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
)

// Record headers carried next to the JSON task.
const (
	headerTaskID    = "rx-task-id"
	headerAttempt   = "rx-attempt"
	headerNotBefore = "rx-not-before"
)

// headerCarrier adapts record headers to the otel propagator, replacing the
// hand-built traceparent header with the configured propagator.
type headerCarrier struct {
	rec *kgo.Record
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	setHeader(c.rec, key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.rec.Headers))
	for _, h := range c.rec.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func setHeader(rec *kgo.Record, key, value string) {
	for i, h := range rec.Headers {
		if h.Key == key {
			rec.Headers[i].Value = []byte(value)
			return
		}
	}
	rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func header(rec *kgo.Record, key string) string {
	return headerCarrier{rec: rec}.Get(key)
}

// notBefore returns when a redelivered record becomes visible. Records
// without the header are visible immediately.
func notBefore(rec *kgo.Record) time.Time {
	v := header(rec, headerNotBefore)
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func setNotBefore(rec *kgo.Record, t time.Time) {
	setHeader(rec, headerNotBefore, strconv.FormatInt(t.UnixMilli(), 10))
}
