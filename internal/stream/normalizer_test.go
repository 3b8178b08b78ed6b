package stream

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
)

func drain(t *testing.T, ch <-chan domain.CanonicalEvent) []domain.CanonicalEvent {
	t.Helper()
	var events []domain.CanonicalEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

// assertWellFormed checks the zero-or-more deltas then exactly one terminal ordering.
func assertWellFormed(t *testing.T, events []domain.CanonicalEvent) domain.CanonicalEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Terminal() {
			t.Fatalf("event %d is terminal but not last", i)
		}
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event %+v is not terminal", last)
	}
	return last
}

func sseBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

const scenarioB = "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
	"data: [DONE]\n\n"

func TestNormalize_SSE(t *testing.T) {
	nz := NewNormalizer()
	events := drain(t, nz.Normalize(context.Background(), &Upstream{Framing: FramingSSE, Body: sseBody(scenarioB)}))

	want := []domain.CanonicalEvent{
		domain.TextDelta("he", "he"),
		domain.TextDelta("llo", "hello"),
		domain.Done("hello"),
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
	for i := range want {
		if events[i].Kind != want[i].Kind || events[i].Delta != want[i].Delta || events[i].Text != want[i].Text {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

// randomChunkReader returns reads of random sizes.
type randomChunkReader struct {
	data []byte
	rng  *rand.Rand
}

func (r *randomChunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := 1 + r.rng.Intn(len(r.data))
	if n > len(p) {
		n = len(p)
	}
	n = copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestNormalize_SSE_ArbitraryChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	readers := []func() io.Reader{
		func() io.Reader { return iotest.OneByteReader(strings.NewReader(scenarioB)) },
		func() io.Reader { return iotest.HalfReader(strings.NewReader(scenarioB)) },
	}
	for trial := 0; trial < 100; trial++ {
		readers = append(readers, func() io.Reader {
			return &randomChunkReader{data: []byte(scenarioB), rng: rng}
		})
	}

	for i, newReader := range readers {
		nz := NewNormalizer(WithBuffer(1))
		events := drain(t, nz.Normalize(context.Background(), &Upstream{Framing: FramingSSE, Body: io.NopCloser(newReader())}))
		last := assertWellFormed(t, events)
		if last.Kind != domain.EventDone || last.Text != "hello" {
			t.Fatalf("reader %d: terminal = %+v", i, last)
		}
	}
}

func TestNormalize_SSE_MissingDoneSentinel(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" answer\"}}]}"

	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingSSE, Body: sseBody(body)}))
	last := assertWellFormed(t, events)
	if last.Kind != domain.EventDone || last.Text != "partial answer" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestNormalize_SSE_SkipsUnrecognizedFrames(t *testing.T) {
	body := "data: not json\n\n" +
		"data: {\"usage\":{\"total_tokens\":1}}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingSSE, Body: sseBody(body)}))
	if len(events) != 2 {
		t.Fatalf("events = %+v, want one delta and done", events)
	}
	if last := assertWellFormed(t, events); last.Text != "ok" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestNormalize_SSE_EmptyStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\ndata: [DONE]\n\n"
	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingSSE, Body: sseBody(body)}))
	last := assertWellFormed(t, events)
	if last.Kind != domain.EventError || last.Err.Kind != domain.KindEmptyStream {
		t.Errorf("terminal = %+v, want empty_stream", last)
	}
}

func TestNormalize_SSE_ErrorFrame(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"error\":{\"message\":\"overloaded for key sk-live-1\"}}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"never\"}}]}\n\n"

	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{
		Framing: FramingSSE, Body: sseBody(body), Secrets: []string{"sk-live-1"},
	}))
	last := assertWellFormed(t, events)
	if last.Kind != domain.EventError || last.Err.Kind != domain.KindUpstreamHTTP {
		t.Fatalf("terminal = %+v", last)
	}
	if strings.Contains(last.Err.Message, "sk-live-1") {
		t.Errorf("message leaks key: %q", last.Err.Message)
	}
	if len(events) != 2 {
		t.Errorf("events after error frame were emitted: %+v", events)
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestNormalize_SSE_ReadError(t *testing.T) {
	body := &failingReader{
		data: []byte("data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n"),
		err:  errors.New("connection reset by peer"),
	}
	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingSSE, Body: io.NopCloser(body)}))
	last := assertWellFormed(t, events)
	if last.Kind != domain.EventError || last.Err.Kind != domain.KindUpstreamUnreachable {
		t.Errorf("terminal = %+v, want upstream_unreachable", last)
	}
}

// newlineless never sends a line terminator.
type newlineless struct{}

func (newlineless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	return len(p), nil
}

func TestNormalize_SSE_LineTooLong(t *testing.T) {
	body := io.MultiReader(strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\ndata: "), newlineless{})
	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingSSE, Body: io.NopCloser(body)}))
	last := assertWellFormed(t, events)
	if last.Kind != domain.EventError || last.Err.Kind != domain.KindMalformedUpstreamResponse {
		t.Errorf("terminal = %+v, want malformed_upstream_response", last)
	}
}

func TestNormalize_JSONBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantText string
		wantKind domain.ErrorKind
	}{
		{"openai message", `{"choices":[{"message":{"content":"hello"}}]}`, "hello", ""},
		{"dashscope", `{"output":{"choices":[{"message":{"content":[{"text":"cat"}]}}]}}`, "cat", ""},
		{"malformed", `{"unexpected":true}`, "", domain.KindMalformedUpstreamResponse},
		{"not json", `<html>bad gateway</html>`, "", domain.KindMalformedUpstreamResponse},
		{"empty content", `{"choices":[{"message":{"content":""}}]}`, "", domain.KindEmptyStream},
		{"error body", `{"error":{"message":"invalid model"}}`, "", domain.KindUpstreamHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingJSONBody, Body: sseBody(tt.body)}))
			last := assertWellFormed(t, events)
			if tt.wantKind != "" {
				if last.Kind != domain.EventError || last.Err.Kind != tt.wantKind {
					t.Fatalf("terminal = %+v, want %s", last, tt.wantKind)
				}
				return
			}
			if len(events) != 2 || events[0].Text != tt.wantText || last.Text != tt.wantText {
				t.Errorf("events = %+v, want one delta and done with %q", events, tt.wantText)
			}
		})
	}
}

type sliceChunks struct {
	chunks []string
	i      int
	err    error
	closed bool
}

func (s *sliceChunks) Next() bool {
	if s.i >= len(s.chunks) {
		return false
	}
	s.i++
	return true
}
func (s *sliceChunks) Text() string { return s.chunks[s.i-1] }
func (s *sliceChunks) Err() error   { return s.err }
func (s *sliceChunks) Close() error { s.closed = true; return nil }

func TestNormalize_Chunks(t *testing.T) {
	src := &sliceChunks{chunks: []string{"a", "", "b", "c"}}
	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingChunks, Chunks: src}))
	last := assertWellFormed(t, events)
	if last.Kind != domain.EventDone || last.Text != "abc" || len(events) != 4 {
		t.Errorf("events = %+v", events)
	}
	if !src.closed {
		t.Error("chunk source was not closed")
	}
}

func TestNormalize_Chunks_SourceError(t *testing.T) {
	src := &sliceChunks{chunks: []string{"a"}, err: domain.ErrUpstreamHTTP(529, "overloaded")}
	events := drain(t, NewNormalizer().Normalize(context.Background(), &Upstream{Framing: FramingChunks, Chunks: src}))
	last := assertWellFormed(t, events)
	if last.Kind != domain.EventError || last.Err.UpstreamStatus != 529 {
		t.Errorf("terminal = %+v", last)
	}
}

// blockingBody blocks Read until Close is called.
type blockingBody struct {
	closed chan struct{}
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, errors.New("read on closed body")
}

func (b *blockingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestNormalize_CancelClosesUpstream(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
		want domain.ErrorKind
	}{
		{"deadline", func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 20*time.Millisecond)
		}, domain.KindTimeout},
		{"cancel", func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(20*time.Millisecond, cancel)
			return ctx, cancel
		}, domain.KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := tt.ctx()
			defer cancel()
			body := &blockingBody{closed: make(chan struct{})}

			events := drain(t, NewNormalizer().Normalize(ctx, &Upstream{Framing: FramingSSE, Body: body}))
			last := assertWellFormed(t, events)
			if last.Kind != domain.EventError || last.Err.Kind != tt.want {
				t.Errorf("terminal = %+v, want %s", last, tt.want)
			}
			select {
			case <-body.closed:
			default:
				t.Error("upstream body was not closed")
			}
		})
	}
}
