package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// PollQueryMarker tags SQL issued by periodic pollers. Queries containing it are not traced.
const PollQueryMarker = "/* poll */"

type FilteredTracer struct {
	inner      pgx.QueryTracer
	skipMarker string
}

func NewFilteredTracer(inner pgx.QueryTracer, skipMarker string) *FilteredTracer {
	return &FilteredTracer{inner: inner, skipMarker: skipMarker}
}

type skipCtxKey struct{}

func (t *FilteredTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if t.skipMarker != "" && strings.Contains(strings.ToLower(data.SQL), strings.ToLower(t.skipMarker)) {
		// TraceQueryEnd reads this flag.
		return context.WithValue(ctx, skipCtxKey{}, true)
	}

	return t.inner.TraceQueryStart(ctx, conn, data)
}

func (t *FilteredTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if ctx.Value(skipCtxKey{}) != nil {
		return
	}

	t.inner.TraceQueryEnd(ctx, conn, data)
}
