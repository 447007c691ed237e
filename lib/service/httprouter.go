package service

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// HTTPConnRouter adapts an http.Handler to the PrivilegedRouter interface
// so the privileged daemon can speak the same REST envelope as the public
// API over its local-only socket. Each accepted connection carries
// exactly one HTTP request/response; the privileged socket is a
// low-volume local control channel, not a long-lived keep-alive pipe.
type HTTPConnRouter struct {
	Handler http.Handler
}

func (h HTTPConnRouter) ServeConn(conn net.Conn) {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		log.WithError(err).Debug("privileged socket: failed to read request")
		return
	}
	defer req.Body.Close()

	rec := newResponseRecorder()
	h.Handler.ServeHTTP(rec, req)

	resp := &http.Response{
		StatusCode: rec.status,
		Header:     rec.header,
		Body:       io.NopCloser(bytes.NewReader(rec.body.Bytes())),
		ContentLength: int64(rec.body.Len()),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Close:      true,
	}
	if err := resp.Write(conn); err != nil {
		log.WithError(err).Debug("privileged socket: failed to write response")
	}
}

// responseRecorder is a minimal http.ResponseWriter that buffers the
// handler's output for replay onto the raw connection.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }
