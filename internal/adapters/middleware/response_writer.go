package middleware

import (
	"bufio"
	"net"
	"net/http"
)

// RecordingResponseWriter wraps http.ResponseWriter to capture the status
// code and response size, passing Flush/Hijack/Push through when the inner
// writer supports them.
type RecordingResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func NewRecordingResponseWriter(w http.ResponseWriter) *RecordingResponseWriter {
	return &RecordingResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *RecordingResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *RecordingResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)

	return n, err
}

func (rw *RecordingResponseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *RecordingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}

	return nil, nil, http.ErrNotSupported
}

func (rw *RecordingResponseWriter) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := rw.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}

	return http.ErrNotSupported
}

func (rw *RecordingResponseWriter) StatusCode() int {
	return rw.statusCode
}

func (rw *RecordingResponseWriter) BytesWritten() int64 {
	return rw.bytesWritten
}

func (rw *RecordingResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
