package http

import (
	"bytes"
	"errors"
	"unsafe"
)

// unsafeString converts byte slice to string without allocation
// WARNING: The returned string shares memory with the byte slice
func unsafeString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

var (
	// ErrIncomplete means more bytes are needed before the request can be parsed
	ErrIncomplete = errors.New("incomplete HTTP request")

	ErrMalformedRequest = errors.New("malformed HTTP request")
	ErrHeaderTooLarge   = errors.New("request header too large")
)

// DefaultMaxHeaderBytes bounds the request line plus headers
const DefaultMaxHeaderBytes = 8192

// ParseRequest parses the request line and headers at the start of data into req.
// The body is not consumed; req.HeaderLen and req.ContentLength describe the framing.
func ParseRequest(data []byte, maxHeaderBytes int, req *Request) error {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	// Parse request line
	lineEnd := bytes.IndexByte(data, '\n')
	if lineEnd == -1 {
		return incomplete(data, maxHeaderBytes)
	}
	if lineEnd >= maxHeaderBytes {
		return ErrHeaderTooLarge
	}

	line := trimCR(data[:lineEnd])
	if err := parseRequestLine(req, line); err != nil {
		return err
	}

	// Parse headers
	rest := data[lineEnd+1:]
	offset := lineEnd + 1
	for {
		end := bytes.IndexByte(rest, '\n')
		if end == -1 {
			return incomplete(data, maxHeaderBytes)
		}
		if offset+end >= maxHeaderBytes {
			return ErrHeaderTooLarge
		}

		hline := trimCR(rest[:end])
		rest = rest[end+1:]
		offset += end + 1

		if len(hline) == 0 {
			break
		}
		if err := parseHeaderLine(req, hline); err != nil {
			return err
		}
	}

	req.HeaderLen = offset
	req.Chunked = req.TransferEncoding != "" && !equalFold([]byte(req.TransferEncoding), "identity")
	req.KeepAlive = keepAlive(req)
	return nil
}

func incomplete(data []byte, maxHeaderBytes int) error {
	if len(data) >= maxHeaderBytes {
		return ErrHeaderTooLarge
	}
	return ErrIncomplete
}

// parseRequestLine parses METHOD TARGET PROTO without SplitN
func parseRequestLine(req *Request, line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrMalformedRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrMalformedRequest
	}
	sp2 += sp1 + 1

	method := line[:sp1]
	target := line[sp1+1 : sp2]
	proto := line[sp2+1:]

	for _, c := range method {
		if !isTokenChar(c) {
			return ErrMalformedRequest
		}
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/1.")) || len(proto) != len("HTTP/1.1") {
		return ErrMalformedRequest
	}

	// absolute-form: strip scheme and authority
	if target[0] != '/' && target[0] != '*' {
		i := bytes.Index(target, []byte("://"))
		if i <= 0 {
			return ErrMalformedRequest
		}
		target = target[i+3:]
		if slash := bytes.IndexByte(target, '/'); slash >= 0 {
			target = target[slash:]
		} else {
			target = []byte("/")
		}
	}

	req.Method = unsafeString(method)
	req.Proto = unsafeString(proto)
	if q := bytes.IndexByte(target, '?'); q != -1 {
		req.Path = unsafeString(target[:q])
		req.Query = unsafeString(target[q+1:])
	} else {
		req.Path = unsafeString(target)
	}
	return nil
}

// parseHeaderLine parses one "Key: value" line
func parseHeaderLine(req *Request, line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return ErrMalformedRequest
	}
	key := line[:colon]
	for _, c := range key {
		if !isTokenChar(c) {
			return ErrMalformedRequest
		}
	}
	return req.setHeader(key, bytes.TrimSpace(line[colon+1:]))
}

// keepAlive applies the HTTP/1.0 and HTTP/1.1 persistence defaults
func keepAlive(req *Request) bool {
	conn := []byte(req.Connection)
	if req.Proto == "HTTP/1.0" {
		return containsToken(conn, "keep-alive")
	}
	return !containsToken(conn, "close")
}

func containsToken(v []byte, token string) bool {
	for len(v) > 0 {
		var part []byte
		if i := bytes.IndexByte(v, ','); i >= 0 {
			part, v = v[:i], v[i+1:]
		} else {
			part, v = v, nil
		}
		if equalFold(bytes.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// equalFold compares b with a lowercase ASCII literal
func equalFold(b []byte, lower string) bool {
	if len(b) != len(lower) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}

func parseUint(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// isTokenChar reports whether c is an RFC 9110 tchar
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
