package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) (*Request, error) {
	t.Helper()
	req := AcquireRequest()
	t.Cleanup(func() { ReleaseRequest(req) })
	err := ParseRequest([]byte(raw), DefaultMaxHeaderBytes, req)
	return req, err
}

func TestParseRequestBasic(t *testing.T) {
	raw := "GET /greeting/world?lang=en HTTP/1.1\r\nHost: localhost\r\nUser-Agent: hey/0.0.1\r\n\r\n"
	req, err := parse(t, raw)
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/greeting/world", req.Path)
	assert.Equal(t, "lang=en", req.Query)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "localhost", req.Host)
	assert.Equal(t, len(raw), req.HeaderLen)
	assert.True(t, req.KeepAlive)
	assert.False(t, req.Chunked)
}

func TestParseRequestBareLF(t *testing.T) {
	req, err := parse(t, "GET / HTTP/1.1\nhost: x\n\n")
	require.NoError(t, err)
	assert.Equal(t, "/", req.Path)
	assert.Equal(t, "x", req.Host)
}

func TestParseRequestKeepAlive(t *testing.T) {
	tests := []struct {
		raw  string
		keep bool
	}{
		{"GET / HTTP/1.1\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nconnection: Upgrade, Close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", true},
	}

	for _, tt := range tests {
		req, err := parse(t, tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.keep, req.KeepAlive, tt.raw)
	}
}

func TestParseRequestBodyFraming(t *testing.T) {
	req, err := parse(t, "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	require.NoError(t, err)
	assert.Equal(t, int64(5), req.ContentLength)

	req, err = parse(t, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")
	require.NoError(t, err)
	assert.True(t, req.Chunked)

	_, err = parse(t, "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n")
	assert.ErrorIs(t, err, ErrMalformedRequest)

	_, err = parse(t, "POST / HTTP/1.1\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n")
	assert.ErrorIs(t, err, ErrMalformedRequest)
}

func TestParseRequestAbsoluteForm(t *testing.T) {
	req, err := parse(t, "GET http://example.com/greeting/bob HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "/greeting/bob", req.Path)

	req, err = parse(t, "GET http://example.com HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "/", req.Path)
}

func TestParseRequestIncomplete(t *testing.T) {
	for _, raw := range []string{
		"",
		"GET / HTTP/1.1",
		"GET / HTTP/1.1\r\n",
		"GET / HTTP/1.1\r\nHost: x\r\n",
	} {
		_, err := parse(t, raw)
		assert.ErrorIs(t, err, ErrIncomplete, "%q", raw)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	for _, raw := range []string{
		"\r\n\r\n",
		"GET\r\n\r\n",
		"GET /\r\n\r\n",
		"GET  / HTTP/1.1\r\n\r\n",
		"G(T / HTTP/1.1\r\n\r\n",
		"GET / HTTP/2.0\r\n\r\n",
		"GET / FTP/1.1\r\n\r\n",
		"GET relative HTTP/1.1\r\n\r\n",
		"GET / HTTP/1.1\r\nNoColon\r\n\r\n",
		"GET / HTTP/1.1\r\n folded: x\r\n\r\n",
		"PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n",
	} {
		_, err := parse(t, raw)
		assert.ErrorIs(t, err, ErrMalformedRequest, "%q", raw)
	}
}

func TestParseRequestHeaderTooLarge(t *testing.T) {
	big := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", DefaultMaxHeaderBytes) + "\r\n\r\n"
	_, err := parse(t, big)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	// no terminator yet but the buffer is already at the limit
	partial := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", DefaultMaxHeaderBytes)
	_, err = parse(t, partial)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	longLine := "GET /" + strings.Repeat("a", DefaultMaxHeaderBytes) + " HTTP/1.1\r\n\r\n"
	_, err = parse(t, longLine)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestAppendResponse(t *testing.T) {
	out := AppendResponse(nil, 200, "text/plain; charset=utf-8", "Hello World!", true)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: 12\r\n\r\nHello World!", string(out))

	out = AppendResponse(nil, 404, "text/plain; charset=utf-8", "Not found", false)
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: 9\r\nConnection: close\r\n\r\nNot found", string(out))
}

func BenchmarkParseRequest(b *testing.B) {
	raw := []byte("GET /greeting/hello HTTP/1.1\r\nHost: 127.0.0.1:3000\r\nUser-Agent: hey/0.0.1\r\nAccept-Encoding: gzip\r\n\r\n")
	req := AcquireRequest()
	defer ReleaseRequest(req)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.Reset()
		_ = ParseRequest(raw, DefaultMaxHeaderBytes, req)
	}
}
