package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
)

// statusRecorder запоминает код ответа, чтобы RequestLog и RecoverJSON
// знали, ушёл ли ответ клиенту.
type statusRecorder struct {
	http.ResponseWriter
	code    int
	written bool
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, code: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.written {
		return
	}
	rec.code, rec.written = code, true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	rec.WriteHeader(http.StatusOK)
	return rec.ResponseWriter.Write(p)
}

// Hijack нужен для upgrade на /ws.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	rec.code, rec.written = http.StatusSwitchingProtocols, true
	return hj.Hijack()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
