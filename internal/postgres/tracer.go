package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, caller, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, caller, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, caller, outcome string, dur time.Duration) {
	f(ctx, caller, outcome, dur)
}

type queryStartKey struct{}

type queryStart struct {
	sql    string
	at     time.Time
	caller string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line plus an observer callback for every query.
type queryTracer struct {
	inner    pgx.QueryTracer
	observer QueryObserver
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	caller := findCaller()

	// Let inner tracer create its span first so the caller lands on it.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && caller != "" {
		span.SetAttributes(attribute.String("db.caller", caller))
	}

	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: time.Now(), caller: caller})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qs, _ := ctx.Value(queryStartKey{}).(queryStart)
	var dur time.Duration
	if !qs.at.IsZero() {
		dur = time.Since(qs.at)
	}

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if t.observer != nil {
		caller := qs.caller
		if caller == "" {
			caller = "unknown"
		}
		t.observer.ObserveQuery(ctx, caller, outcome, dur)
	}

	fields := []any{
		"db.statement", firstLine(qs.sql),
		"db.duration", dur.Seconds(),
		"db.caller", qs.caller,
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// findCaller walks the stack to the first frame outside pgx, otelpgx and
// this package, i.e. the store method that issued the query.
func findCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		skip := strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.Contains(fn, "github.com/linnemanlabs/sentinel/internal/postgres.")
		if !skip && fn != "" {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}

func firstLine(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexByte(sql, '\n'); i >= 0 {
		return strings.TrimSpace(sql[:i]) + " ..."
	}
	return sql
}
