package worker

import (
	"net/http"
	"strconv"

	"github.com/mmcdole/citypack/internal/domain"
)

// hopHeaders are not replayed from stored responses.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
	"Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer",
	"Content-Length", "Content-Encoding",
}

// Proxy serves requests intercepted by w and hands the rest to next.
func Proxy(w *Worker, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		resp, ok, err := w.Handle(req.Context(), req)
		if err != nil {
			w.logger.Warn("intercept failed", "path", req.URL.Path, "error", err)
		}
		if !ok {
			next.ServeHTTP(rw, req)
			return
		}
		WriteResponse(rw, resp)
	})
}

// WriteResponse replays a stored response.
func WriteResponse(rw http.ResponseWriter, resp *domain.StoredResponse) {
	h := rw.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	rw.WriteHeader(resp.Status)
	rw.Write(resp.Body)
}
