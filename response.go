package caddywaf

import (
	"bytes"
	"net/http"
)

// responseRecorder buffers a downstream handler's response so the
// RESPONSE_HEADER/RESPONSE_BODY phases can run before anything reaches the
// client, grounded on the teacher's responseRecorder. Response-body
// rewriting is an explicit non-goal; this recorder exists only to hold the
// reply back until those two phases have run, so that a blocking match
// there can send the denial response instead. No rule variable reads the
// captured status or body.
type responseRecorder struct {
	http.ResponseWriter
	body        *bytes.Buffer
	statusCode  int
	wroteHeader bool
}

// NewResponseRecorder creates a new responseRecorder wrapping w.
func NewResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, body: new(bytes.Buffer)}
}

// WriteHeader captures the status code without forwarding it yet.
func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.wroteHeader = true
}

// Write captures the response body without forwarding it yet.
func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.statusCode = http.StatusOK
		r.wroteHeader = true
	}
	return r.body.Write(b)
}

// StatusCode returns the captured status code, defaulting to 200 if the
// handler never called WriteHeader.
func (r *responseRecorder) StatusCode() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

// BodyBytes returns the captured response body.
func (r *responseRecorder) BodyBytes() []byte {
	return r.body.Bytes()
}

// Flush writes the captured status and body to the underlying
// ResponseWriter. Called once the response-phase rules have run and no
// rule intercepted the request.
func (r *responseRecorder) Flush() error {
	r.ResponseWriter.WriteHeader(r.StatusCode())
	_, err := r.ResponseWriter.Write(r.body.Bytes())
	return err
}
