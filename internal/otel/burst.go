package otel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"go.opentelemetry.io/otel/trace"
)

// BurstTraceID derives the trace ID shared by every span of one burst in one
// run. Workers compute it independently and land in the same trace.
func BurstTraceID(runID string, burst uint32) trace.TraceID {
	sum := burstHash(runID, burst)
	var id trace.TraceID
	copy(id[:], sum[:16])
	return id
}

// burstRootSpanID is the span ID of the virtual root every burst span hangs
// from.
func burstRootSpanID(runID string, burst uint32) trace.SpanID {
	sum := burstHash(runID, burst)
	var id trace.SpanID
	copy(id[:], sum[16:24])
	return id
}

func burstHash(runID string, burst uint32) [sha256.Size]byte {
	buf := make([]byte, 0, len(runID)+5)
	buf = append(buf, runID...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, burst)
	return sha256.Sum256(buf)
}

// BurstContext returns ctx carrying the burst's virtual root as a remote
// parent, so spans started from it join the burst trace.
func BurstContext(ctx context.Context, runID string, burst uint32) context.Context {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    BurstTraceID(runID, burst),
		SpanID:     burstRootSpanID(runID, burst),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
