// Package testutil provides shared test fixtures: requests for the tsweb
// debug routes and synthetic VoSPI packet streams for the acquisition
// tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// debugRemoteAddr is a loopback peer, which tsweb admits to /debug/.
const debugRemoteAddr = "127.0.0.1:4242"

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewDebugRequest creates a request to a debug route from the local host.
// A non-nil body is sent as a form.
func NewDebugRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = debugRemoteAddr
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req
}

// ServeDebug sends a local request through h and returns the recording.
func ServeDebug(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, NewDebugRequest(method, target, body))
	return rec
}
