package interop

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	log "github.com/sirupsen/logrus"

	"github.com/quic-interop/endpoint-go/interop/http09"
	"github.com/quic-interop/endpoint-go/interop/mutation"
)

// StartServer binds the configured listen address and serves until ctx is
// cancelled. Cancellation is the expected shutdown path and returns nil;
// any other listener failure is a crash.
func (e *QUICEngine) StartServer(ctx context.Context, cfg *EndpointConfig) error {
	keyLog, err := openKeyLog(cfg.KeyLogPath)
	if err != nil {
		return err
	}
	defer keyLog.Close()

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	alpn := []string{http09.NextProto}
	if cfg.TestCase == TestCaseHTTP3 {
		alpn = []string{http3.NextProtoH3}
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		KeyLogWriter: keyLog,
		NextProtos:   alpn,
	}
	quicConf := &quic.Config{
		Tracer:    qlogTracer(cfg.QLogDir),
		Allow0RTT: cfg.TestCase == TestCaseZeroRTT,
	}
	// Mutations run last so they can override anything set above,
	// including the ALPN defaults.
	if err := mutation.Apply(cfg.Mutations, "server", tlsConf, quicConf); err != nil {
		return err
	}

	udpConn, err := net.ListenPacket("udp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.ListenAddress, err)
	}
	defer udpConn.Close()

	tr := &quic.Transport{Conn: udpConn}
	defer tr.Close()
	if cfg.TestCase == TestCaseRetry {
		// Force address validation, so every handshake goes through a
		// Retry round trip.
		tr.VerifySourceAddress = func(net.Addr) bool { return true }
	}

	log.WithFields(log.Fields{
		"addr":     udpConn.LocalAddr(),
		"testcase": cfg.TestCase,
	}).Info("server listening")

	if cfg.TestCase == TestCaseHTTP3 {
		return e.serveHTTP3(ctx, cfg, tr, tlsConf, quicConf)
	}
	return e.serveHQ(ctx, cfg, tr, tlsConf, quicConf)
}

func (e *QUICEngine) serveHTTP3(ctx context.Context, cfg *EndpointConfig, tr *quic.Transport, tlsConf *tls.Config, quicConf *quic.Config) error {
	ln, err := tr.ListenEarly(tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	server := &http3.Server{
		Handler:    documentHandler(cfg),
		QUICConfig: quicConf,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ServeListener(ln)
	}()
	select {
	case <-ctx.Done():
		server.Close()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

func (e *QUICEngine) serveHQ(ctx context.Context, cfg *EndpointConfig, tr *quic.Transport, tlsConf *tls.Config, quicConf *quic.Config) error {
	ln, err := tr.ListenEarly(tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	server := &http09.Server{Handler: documentHandler(cfg)}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ServeListener(ctx, earlyListener{ln})
	}()
	select {
	case <-ctx.Done():
		ln.Close()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

// earlyListener adapts *quic.EarlyListener to the http09 accept interface.
type earlyListener struct {
	ln *quic.EarlyListener
}

func (l earlyListener) Accept(ctx context.Context) (quic.Connection, error) {
	return l.ln.Accept(ctx)
}

// documentHandler serves the configured document root, or a fixed greeting
// when the harness mounted none.
func documentHandler(cfg *EndpointConfig) http.Handler {
	if cfg.WWWDir != "" {
		return http.FileServer(http.Dir(cfg.WWWDir))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Hello, World!\n")
	})
}
