package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"eduhens-gateway/internal/model"
)

// ServeHandler runs h in process against pr and captures what it writes.
// It is the only bridge between the proxy's buffered request/response shapes
// and the http.Handler contract of an embedded backend. A panic in h is
// returned as an error.
func ServeHandler(ctx context.Context, h http.Handler, pr *model.ProxyRequest) (resp *model.ProxyResponse, err error) {
	req, err := http.NewRequestWithContext(ctx, pr.Method, "http://embedded"+pr.RequestURI(), bytes.NewReader(pr.Body))
	if err != nil {
		return nil, fmt.Errorf("build embedded request: %w", err)
	}
	if pr.Header != nil {
		req.Header = pr.Header.Clone()
	}
	req.ContentLength = int64(len(pr.Body))
	req.RequestURI = pr.RequestURI()

	w := &bufferedWriter{header: make(http.Header)}

	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = errors.WithStack(fmt.Errorf("embedded backend panic: %v", p))
		}
	}()

	h.ServeHTTP(w, req)

	return &model.ProxyResponse{
		StatusCode: w.statusCode(),
		Header:     w.header,
		Body:       w.body.Bytes(),
	}, nil
}

// bufferedWriter is an http.ResponseWriter that keeps everything in memory.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(status int) {
	if w.status != 0 {
		return
	}
	w.status = status
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *bufferedWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
