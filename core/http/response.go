package http

// AppendResponse appends a complete HTTP/1.1 response to dst
func AppendResponse(dst []byte, code int, contentType, body string, keepAlive bool) []byte {
	dst = AppendHeader(dst, code, contentType, len(body), keepAlive)

	// Body
	return append(dst, body...)
}

// AppendHeader appends the status line and headers, terminator included.
// HEAD responses stop here.
func AppendHeader(dst []byte, code int, contentType string, contentLength int, keepAlive bool) []byte {
	// Status line
	dst = append(dst, "HTTP/1.1 "...)
	dst = appendInt(dst, code)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	dst = append(dst, "\r\n"...)

	// Headers
	dst = append(dst, "Content-Type: "...)
	dst = append(dst, contentType...)
	dst = append(dst, "\r\nContent-Length: "...)
	dst = appendInt(dst, contentLength)
	if !keepAlive {
		dst = append(dst, "\r\nConnection: close"...)
	}
	return append(dst, "\r\n\r\n"...)
}

// Helper function to append int to byte slice
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	var digits [20]byte
	n := 0
	for i > 0 {
		digits[n] = byte('0' + i%10)
		i /= 10
		n++
	}

	for n > 0 {
		n--
		b = append(b, digits[n])
	}

	return b
}

// StatusText returns the reason phrase for the codes this server emits
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
