package http09

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

const maxRequestLine = 1024

// error code sent on malformed request streams
const errorCodeBadRequest quic.StreamErrorCode = 0x1

// Listener abstracts *quic.Listener and *quic.EarlyListener.
type Listener interface {
	Accept(context.Context) (quic.Connection, error)
}

// Server serves HTTP/0.9 requests. Handler semantics follow net/http;
// status codes and headers have no wire representation and are dropped,
// only the body reaches the peer.
type Server struct {
	Handler http.Handler
}

// ServeListener accepts connections until Accept fails or ctx is
// cancelled. A cancelled context is a clean shutdown and returns nil.
func (s *Server) ServeListener(ctx context.Context, ln Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn quic.Connection) {
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			// connection closed by the peer or by shutdown
			return
		}
		go func() {
			if err := s.serveStream(str); err != nil {
				log.WithFields(log.Fields{
					"stream": str.StreamID(),
					"error":  err,
				}).Debug("request failed")
			}
		}()
	}
}

func (s *Server) serveStream(str quic.Stream) error {
	path, err := readRequestLine(str)
	if err != nil {
		str.CancelWrite(errorCodeBadRequest)
		str.CancelRead(errorCodeBadRequest)
		return err
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: path},
		Proto:      "HTTP/0.9",
		ProtoMajor: 0,
		ProtoMinor: 9,
		RequestURI: path,
		Header:     http.Header{},
	}
	rw := &responseWriter{str: str, status: http.StatusOK}
	s.Handler.ServeHTTP(rw, req)
	log.WithFields(log.Fields{
		"path":   path,
		"status": rw.status,
	}).Debug("served request")
	return str.Close()
}

func readRequestLine(str quic.Stream) (string, error) {
	line, err := bufio.NewReaderSize(str, maxRequestLine).ReadString('\n')
	if err != nil {
		return "", errors.New("malformed request line")
	}
	fields := strings.Fields(line)
	// Some HTTP/0.9 clients append a protocol version; ignore it.
	if len(fields) < 2 || fields[0] != http.MethodGet {
		return "", errors.New("invalid request: " + strings.TrimSpace(line))
	}
	return fields[1], nil
}

// responseWriter adapts a QUIC stream to http.ResponseWriter. HTTP/0.9 has
// no status line, so WriteHeader only records the code for logging.
type responseWriter struct {
	str    quic.Stream
	status int
}

var _ http.ResponseWriter = &responseWriter{}

func (w *responseWriter) Header() http.Header { return http.Header{} }

func (w *responseWriter) WriteHeader(status int) { w.status = status }

func (w *responseWriter) Write(p []byte) (int, error) { return w.str.Write(p) }
