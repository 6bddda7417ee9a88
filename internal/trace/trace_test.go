package trace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestNewContextIDs(t *testing.T) {
	tc := New()
	if len(tc.TraceID) != 32 {
		t.Errorf("trace ID should be 32 chars, got %d", len(tc.TraceID))
	}
	if len(tc.SpanID) != 16 {
		t.Errorf("span ID should be 16 chars, got %d", len(tc.SpanID))
	}
	if tc.ParentSpanID != "" {
		t.Error("root context should not have a parent span")
	}
}

func TestChild(t *testing.T) {
	parent := New()
	child := parent.Child()

	if child.TraceID != parent.TraceID {
		t.Error("child should inherit trace ID")
	}
	if child.SpanID == parent.SpanID {
		t.Error("child should have a new span ID")
	}
	if child.ParentSpanID != parent.SpanID {
		t.Error("child's parent should be the parent's span ID")
	}

	orphan := Context{}.Child()
	if orphan.TraceID == "" || orphan.ParentSpanID != "" {
		t.Errorf("child of empty context should be a root, got %+v", orphan)
	}
}

func TestEnsureContextKeepsExisting(t *testing.T) {
	tc := New()
	ctx := WithContext(context.Background(), tc)

	_, got := EnsureContext(ctx)
	if got != tc {
		t.Errorf("EnsureContext replaced existing trace: %+v", got)
	}

	_, fresh := EnsureContext(context.Background())
	if fresh.TraceID == "" {
		t.Error("EnsureContext should create a trace when absent")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	if got := SessionFrom(context.Background()); got != "" {
		t.Errorf("SessionFrom(empty) = %q", got)
	}
	ctx := WithSession(context.Background(), "sess-1")
	if got := SessionFrom(ctx); got != "sess-1" {
		t.Errorf("SessionFrom = %q, want sess-1", got)
	}
}

func TestSpanDuration(t *testing.T) {
	ctx := WithContext(context.Background(), New())
	_, span := StartSpan(ctx, "encode")
	if span.Duration() != 0 {
		t.Error("open span should report zero duration")
	}
	span.SetAttr("chunk", 3)
	if d := span.End(); d < 0 {
		t.Errorf("negative duration %v", d)
	}
	if span.LogValue().Group()[0].Value.String() != "encode" {
		t.Error("log value should lead with span name")
	}
}

func TestMiddlewarePropagatesHeader(t *testing.T) {
	var seen Context
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceIDKey, "abc")
	req.Header.Set(SpanIDKey, "def")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen.TraceID != "abc" || seen.ParentSpanID != "def" {
		t.Errorf("unexpected trace context %+v", seen)
	}
	if rec.Header().Get(TraceIDKey) != "abc" {
		t.Error("trace id should be echoed in the response")
	}
}

func TestInjectMetadata(t *testing.T) {
	ctx := WithSession(context.Background(), "sess-9")
	ctx = injectMetadata(ctx)

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("no outgoing metadata")
	}
	if got := md.Get(SessionIDKey); len(got) != 1 || got[0] != "sess-9" {
		t.Errorf("session metadata = %v", got)
	}
	if got := md.Get(TraceIDKey); len(got) != 1 || got[0] == "" {
		t.Errorf("trace metadata = %v", got)
	}
}
