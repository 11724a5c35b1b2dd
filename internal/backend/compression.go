package backend

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

type compressedResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w compressedResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w compressedResponseWriter) WriteHeader(status int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

func makeGzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz := gzipWriters.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			gz.Close()
			gzipWriters.Put(gz)
		}()
		fn(compressedResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}

var compressionFnByName = map[string]func(http.HandlerFunc) http.HandlerFunc{
	"gzip": makeGzipHandler,
}

// accepts reports whether the Accept-Encoding header lists encoding without
// refusing it through q=0.
func accepts(header, encoding string) bool {
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(name), encoding) {
			continue
		}
		q := strings.ReplaceAll(params, " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}

// Compress wraps fn so responses use the first of prefs the client accepts.
func Compress(fn http.HandlerFunc, prefs ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		encodingHeader := r.Header.Get("Accept-Encoding")
		for _, compression := range prefs {
			if !accepts(encodingHeader, compression) {
				continue
			}
			if compressFn, has := compressionFnByName[compression]; has {
				compressFn(fn)(w, r)
				return
			}
		}

		fn(w, r)
	}
}
