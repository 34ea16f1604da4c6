package interop

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	log "github.com/sirupsen/logrus"

	"github.com/quic-interop/endpoint-go/interop/http09"
	"github.com/quic-interop/endpoint-go/interop/mutation"
)

// reserved version forcing the server to send a Version Negotiation packet
const greasedVersion quic.Version = 0x1a2a3a4a

// QUICEngine is the Engine implementation linking quic-go in-process.
type QUICEngine struct{}

var _ Engine = &QUICEngine{}

// StartClient performs the client half of the configured test case: it
// connects to the peer and fetches every request target in order.
func (e *QUICEngine) StartClient(ctx context.Context, cfg *EndpointConfig) error {
	keyLog, err := openKeyLog(cfg.KeyLogPath)
	if err != nil {
		return err
	}
	defer keyLog.Close()

	alpn := []string{http09.NextProto}
	if cfg.TestCase == TestCaseHTTP3 {
		alpn = []string{http3.NextProtoH3}
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		KeyLogWriter:       keyLog,
		NextProtos:         alpn,
	}
	quicConf := &quic.Config{Tracer: qlogTracer(cfg.QLogDir)}
	// Mutations run last so they can override anything set above,
	// including the ALPN defaults.
	if err := mutation.Apply(cfg.Mutations, "client", tlsConf, quicConf); err != nil {
		return err
	}

	switch cfg.TestCase {
	case TestCaseHTTP3:
		return e.runHTTP3Client(ctx, cfg, tlsConf, quicConf)
	case TestCaseVersionNegotiation:
		return e.runVersionNegotiation(ctx, cfg, tlsConf, quicConf)
	case TestCaseMultiConnect:
		return e.runMultiConnect(ctx, cfg, tlsConf, quicConf)
	case TestCaseResumption:
		return e.runResumption(ctx, cfg, tlsConf, quicConf)
	case TestCaseZeroRTT:
		return e.runZeroRTT(ctx, cfg, tlsConf, quicConf)
	default: // handshake, transfer, retry: all plain hq fetches
		return e.runHQClient(ctx, cfg, tlsConf, quicConf)
	}
}

func (e *QUICEngine) runHQClient(ctx context.Context, cfg *EndpointConfig, tlsConf *tls.Config, quicConf *quic.Config) error {
	conn, err := quic.DialAddr(ctx, cfg.ServerAddrPort(), tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.ServerAddrPort(), err)
	}
	defer conn.CloseWithError(0, "")

	return fetchAll(ctx, http09.NewClient(conn), cfg, cfg.RequestURLs)
}

func (e *QUICEngine) runMultiConnect(ctx context.Context, cfg *EndpointConfig, tlsConf *tls.Config, quicConf *quic.Config) error {
	for _, target := range cfg.RequestURLs {
		conn, err := quic.DialAddr(ctx, cfg.ServerAddrPort(), tlsConf, quicConf)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", cfg.ServerAddrPort(), err)
		}
		if err := fetchAll(ctx, http09.NewClient(conn), cfg, []string{target}); err != nil {
			conn.CloseWithError(1, "fetch failed")
			return err
		}
		if err := conn.CloseWithError(0, ""); err != nil {
			return err
		}
	}
	return nil
}

func (e *QUICEngine) runResumption(ctx context.Context, cfg *EndpointConfig, tlsConf *tls.Config, quicConf *quic.Config) error {
	tlsConf.ClientSessionCache = tls.NewLRUClientSessionCache(10)

	// First connection populates the session cache.
	conn, err := quic.DialAddr(ctx, cfg.ServerAddrPort(), tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.ServerAddrPort(), err)
	}
	if err := fetchAll(ctx, http09.NewClient(conn), cfg, cfg.RequestURLs[:1]); err != nil {
		conn.CloseWithError(1, "fetch failed")
		return err
	}
	if err := conn.CloseWithError(0, ""); err != nil {
		return err
	}

	conn, err = quic.DialAddr(ctx, cfg.ServerAddrPort(), tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("failed to redial %s: %w", cfg.ServerAddrPort(), err)
	}
	defer conn.CloseWithError(0, "")
	if !conn.ConnectionState().TLS.DidResume {
		return errors.New("second connection did not resume the TLS session")
	}
	return fetchAll(ctx, http09.NewClient(conn), cfg, cfg.RequestURLs[1:])
}

func (e *QUICEngine) runZeroRTT(ctx context.Context, cfg *EndpointConfig, tlsConf *tls.Config, quicConf *quic.Config) error {
	tlsConf.ClientSessionCache = tls.NewLRUClientSessionCache(10)

	// Full handshake first, so the server's session ticket (carrying the
	// early-data permission) lands in the cache.
	conn, err := quic.DialAddr(ctx, cfg.ServerAddrPort(), tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.ServerAddrPort(), err)
	}
	if err := fetchAll(ctx, http09.NewClient(conn), cfg, cfg.RequestURLs[:1]); err != nil {
		conn.CloseWithError(1, "fetch failed")
		return err
	}
	if err := conn.CloseWithError(0, ""); err != nil {
		return err
	}

	econn, err := quic.DialAddrEarly(ctx, cfg.ServerAddrPort(), tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("failed to redial %s: %w", cfg.ServerAddrPort(), err)
	}
	defer econn.CloseWithError(0, "")
	if err := fetchAll(ctx, http09.NewClient(econn), cfg, cfg.RequestURLs[1:]); err != nil {
		return err
	}
	select {
	case <-econn.HandshakeComplete():
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	if !econn.ConnectionState().Used0RTT {
		return errors.New("second connection did not use 0-RTT")
	}
	return nil
}

func (e *QUICEngine) runVersionNegotiation(ctx context.Context, cfg *EndpointConfig, tlsConf *tls.Config, quicConf *quic.Config) error {
	quicConf.Versions = []quic.Version{greasedVersion}
	conn, err := quic.DialAddr(ctx, cfg.ServerAddrPort(), tlsConf, quicConf)
	if err == nil {
		conn.CloseWithError(0, "")
		return errors.New("dialing with a reserved version unexpectedly succeeded")
	}
	var vnErr *quic.VersionNegotiationError
	if !errors.As(err, &vnErr) {
		return fmt.Errorf("expected a version negotiation failure, got: %w", err)
	}
	log.WithField("theirs", vnErr.Theirs).Info("received Version Negotiation packet")
	return nil
}

func (e *QUICEngine) runHTTP3Client(ctx context.Context, cfg *EndpointConfig, tlsConf *tls.Config, quicConf *quic.Config) error {
	tr := &http3.Transport{
		TLSClientConfig: tlsConf,
		QUICConfig:      quicConf,
	}
	defer tr.Close()
	client := &http.Client{Transport: tr}

	for _, target := range cfg.RequestURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("invalid request target %q: %w", target, err)
		}
		rsp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request for %s failed: %w", target, err)
		}
		body, err := io.ReadAll(rsp.Body)
		rsp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response for %s: %w", target, err)
		}
		if rsp.StatusCode != http.StatusOK {
			return fmt.Errorf("request for %s returned status %d", target, rsp.StatusCode)
		}
		log.WithFields(log.Fields{"target": target, "bytes": len(body)}).Info("downloaded")
		if err := saveResponse(cfg.DownloadDir, target, body); err != nil {
			return err
		}
	}
	return nil
}

func fetchAll(ctx context.Context, client *http09.Client, cfg *EndpointConfig, targets []string) error {
	for _, target := range targets {
		body, err := client.Get(ctx, requestPath(target))
		if err != nil {
			return fmt.Errorf("request for %s failed: %w", target, err)
		}
		log.WithFields(log.Fields{"target": target, "bytes": len(body)}).Info("downloaded")
		if err := saveResponse(cfg.DownloadDir, target, body); err != nil {
			return err
		}
	}
	return nil
}

// requestPath extracts the resource path from a request target, which the
// harness usually passes as a full https:// URL.
func requestPath(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Path == "" {
		return target
	}
	return u.Path
}

func saveResponse(dir, target string, body []byte) error {
	if dir == "" {
		return nil
	}
	// Flatten the full request path into the file name, so targets that
	// share a basename don't overwrite each other.
	name := strings.ReplaceAll(strings.Trim(requestPath(target), "/"), "/", "_")
	if name == "" {
		name = "index.html"
	}
	out := filepath.Join(dir, name)
	if err := os.WriteFile(out, body, 0o644); err != nil {
		return fmt.Errorf("failed to store download: %w", err)
	}
	return nil
}

// openKeyLog returns a writer for TLS key material, or a no-op closer when
// no key log was requested.
func openKeyLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, &EnvironmentError{Path: path, Err: err}
	}
	return f, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
