package httpapi

import "net/http"

const maxLoggedBodySize = 4096

// StatusWriter intercepts the status of the request and the response body up
// to maxLoggedBodySize if status >= 400. The body is still written to the
// wrapped ResponseWriter.
type StatusWriter struct {
	http.ResponseWriter
	Status int

	responseBody []byte
}

var _ http.ResponseWriter = (*StatusWriter)(nil)

func (w *StatusWriter) WriteHeader(status int) {
	if w.Status == 0 {
		w.Status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *StatusWriter) Write(b []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	if w.Status >= http.StatusBadRequest && w.responseBody == nil {
		n := len(b)
		if n > maxLoggedBodySize {
			n = maxLoggedBodySize
		}
		w.responseBody = make([]byte, n)
		copy(w.responseBody, b[:n])
	}
	return w.ResponseWriter.Write(b)
}

func (w *StatusWriter) ResponseBody() []byte {
	return w.responseBody
}

func (w *StatusWriter) Flush() {
	f, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		f.Flush()
	}
}
