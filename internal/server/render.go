package server

import (
	"encoding/json"
	"net/http"
)

// jsonAs renders JSON with a custom content type.
type jsonAs struct {
	contentType string
	data        any
}

func (r jsonAs) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	return json.NewEncoder(w).Encode(r.data)
}

func (r jsonAs) WriteContentType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", r.contentType)
}
