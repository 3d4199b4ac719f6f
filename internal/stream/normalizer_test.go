package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceIter struct {
	items  []any
	failAt int
	err    error
	pulled int
	closed bool
}

func (s *sliceIter) Next(ctx context.Context) (any, error) {
	if s.err != nil && s.pulled == s.failAt {
		return nil, s.err
	}
	if s.pulled >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pulled]
	s.pulled++
	return item, nil
}

func (s *sliceIter) Close() error {
	s.closed = true
	return nil
}

func corsHeaders() http.Header {
	h := http.Header{}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	return h
}

func TestWriteTextChunks(t *testing.T) {
	n := NewNormalizer(corsHeaders())
	iter := &sliceIter{items: []any{"Hel", "lo"}}
	rec := httptest.NewRecorder()

	res, err := n.Write(context.Background(), rec, ChunkSource{Iter: iter}, ShapeText)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, EndCompleted, res.Reason)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, "Hello", rec.Body.String())
	assert.Equal(t, ContentTypeText, rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, iter.closed)
}

func TestWriteObjectChunksAsNDJSON(t *testing.T) {
	n := NewNormalizer(corsHeaders())
	iter := &sliceIter{items: []any{
		map[string]any{"a": "x"},
		map[string]any{"a": "xy"},
	}}
	rec := httptest.NewRecorder()

	res, err := n.Write(context.Background(), rec, &ChunkSource{Iter: iter}, ShapeObject)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, "{\"a\":\"x\"}\n{\"a\":\"xy\"}\n", rec.Body.String())
	assert.Equal(t, ContentTypeNDJSON, rec.Header().Get("Content-Type"))
}

func TestWriteMaterialized(t *testing.T) {
	n := NewNormalizer(corsHeaders())
	rec := httptest.NewRecorder()

	res, err := n.Write(context.Background(), rec, Materialized{Value: map[string]any{"image": NewBinary([]byte{1, 2}, "image/png")}}, ShapeObject)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.JSONEq(t, `{"image":{"base64":"AQI=","uint8Array":[1,2],"mediaType":"image/png"}}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWritePassthroughReappliesCORS(t *testing.T) {
	n := NewNormalizer(corsHeaders())
	rec := httptest.NewRecorder()
	upstream := http.Header{}
	upstream.Set("Content-Type", "text/event-stream")
	upstream.Set("Access-Control-Allow-Origin", "https://upstream.example")
	upstream.Set("Content-Length", "999")

	res, err := n.Write(context.Background(), rec, PassthroughResponse{
		StatusCode: http.StatusAccepted,
		Header:     upstream,
		Body:       io.NopCloser(strings.NewReader("data: hi\n\n")),
	}, ShapeText)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Equal(t, "data: hi\n\n", rec.Body.String())
}

func TestSourceFailureAbortsResponse(t *testing.T) {
	n := NewNormalizer(corsHeaders())
	aborted := false
	n.abort = func(http.ResponseWriter) { aborted = true }

	boom := errors.New("upstream reset")
	iter := &sliceIter{items: []any{"partial", "never"}, failAt: 1, err: boom}
	rec := httptest.NewRecorder()

	res, err := n.Write(context.Background(), rec, ChunkSource{Iter: iter}, ShapeText)
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.ErrorIs(t, err, boom)
	assert.True(t, aborted)
	assert.False(t, res.Completed)
	assert.Equal(t, EndSourceFailed, res.Reason)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestCancelledClientStopsPulling(t *testing.T) {
	n := NewNormalizer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	iter := &sliceIter{items: []any{"a", "b"}}

	res, err := n.Write(ctx, httptest.NewRecorder(), ChunkSource{Iter: iter}, ShapeText)
	require.NoError(t, err)
	assert.True(t, res.ClientGone)
	assert.Equal(t, EndCanceled, res.Reason)
	assert.Equal(t, 0, iter.pulled)
	assert.True(t, iter.closed)
}

// brokenWriter 第 failOn 次 Write 返回 EPIPE，并记录每次写入时来源已拉取的数量
type brokenWriter struct {
	*httptest.ResponseRecorder
	iter   *sliceIter
	failOn int
	writes int
	seen   []int
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.writes++
	b.seen = append(b.seen, b.iter.pulled)
	if b.writes == b.failOn {
		return 0, syscall.EPIPE
	}
	return b.ResponseRecorder.Write(p)
}

func TestWriteFailureStopsPulling(t *testing.T) {
	n := NewNormalizer(nil)
	n.abort = func(http.ResponseWriter) { t.Fatal("write failure must not abort as a source error") }
	iter := &sliceIter{items: []any{"a", "b", "c", "d"}}
	w := &brokenWriter{ResponseRecorder: httptest.NewRecorder(), iter: iter, failOn: 2}

	res, err := n.Write(context.Background(), w, ChunkSource{Iter: iter}, ShapeText)
	require.NoError(t, err)
	assert.True(t, res.ClientGone)
	assert.False(t, res.Completed)
	assert.Equal(t, EndClientClosed, res.Reason)
	assert.Equal(t, 2, iter.pulled)
	assert.Equal(t, []int{1, 2}, w.seen, "each chunk is written before the next is pulled")
	assert.True(t, iter.closed)
	assert.Equal(t, "a", w.Body.String())
}

func TestTruncatedStreamOverRealConnection(t *testing.T) {
	n := NewNormalizer(corsHeaders())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		iter := &sliceIter{items: []any{"first chunk", "second"}, failAt: 1, err: errors.New("broken pipe upstream")}
		_, _ = n.Write(r.Context(), w, ChunkSource{Iter: iter}, ShapeText)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "truncated chunked body should not end cleanly")
	assert.Equal(t, "first chunk", string(body))
}

func TestByteArrayRoundTrip(t *testing.T) {
	b := ByteArray{0, 127, 255}
	data, err := b.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[0,127,255]", string(data))

	var out ByteArray
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, b, out)
	assert.Error(t, out.UnmarshalJSON([]byte("[256]")))
}
