package storage

import (
	"context"

	otelx "github.com/md-rashed-zaman/eventrail/libs/otel"
)

// StampTraceContext records the active trace on appendable documents that do
// not already carry one. The relay restores it when the event leaves the
// store, so the publish span joins the trace that produced the event.
func StampTraceContext(ctx context.Context, docs ...*Document) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	if traceparent == "" && tracestate == "" {
		return
	}
	for _, doc := range docs {
		if doc.appendable() && doc.Traceparent == "" {
			doc.Traceparent = traceparent
			doc.Tracestate = tracestate
		}
	}
}
