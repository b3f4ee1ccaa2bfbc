// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/TiltMeSenpai/proxy-project/pkg/certauthority"
	"github.com/TiltMeSenpai/proxy-project/pkg/config"
	"github.com/TiltMeSenpai/proxy-project/pkg/envelope"
	"github.com/TiltMeSenpai/proxy-project/pkg/events"
)

// Bus is the subset of pkg/eventbus.Bus the proxy needs to publish to.
type Bus interface {
	Publish(events.Event)
}

// Proxy is an http.Handler implementing CONNECT-based TLS interception.
// A Proxy is safe for concurrent use by multiple goroutines, one per
// accepted connection.
type Proxy struct {
	cfg    config.Config
	ca     *certauthority.Authority
	bus    Bus
	client *http.Client
	logger zerolog.Logger
	nextID *atomic.Uint32

	server *http.Server
}

// New constructs a Proxy. startingID seeds the request-id counter (0 is
// reserved for non-request-scoped events, so ids start at max(1, startingID)).
func New(cfg config.Config, ca *certauthority.Authority, bus Bus, logger zerolog.Logger) *Proxy {
	startingID := cfg.StartingID
	if startingID == 0 {
		startingID = 1
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.UpstreamInsecure, // nolint:gosec -- this proxy is a debugging tool by design
		},
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Proxy{
		cfg:    cfg,
		ca:     ca,
		bus:    bus,
		client: client,
		logger: logger.With().Str("component", "proxy").Logger(),
		nextID: atomic.NewUint32(startingID - 1),
	}
}

// Serve accepts connections from ln and proxies them until ln closes or
// Shutdown is called.
func (p *Proxy) Serve(ln net.Listener) error {
	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  p.cfg.ServerReadTimeout,
		WriteTimeout: p.cfg.ServerWriteTimeout,
		IdleTimeout:  p.cfg.ServerIdleTimeout,
	}
	return p.server.Serve(ln)
}

// Shutdown gracefully stops accepting new connections and waits for
// in-flight ones to finish, up to ctx's deadline, then force-closes
// whatever remains. It is a no-op if Serve has not been called.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	if err := p.server.Shutdown(ctx); err != nil {
		return p.server.Close()
	}
	return nil
}

// ServeHTTP dispatches CONNECT requests to the TLS-termination path and
// forwards everything else (plaintext HTTP, and decrypted HTTPS re-served
// on the same handler) through the proxied-request path.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.serveProxied(w, r)
}

// handleConnect hijacks the client connection, answers with a tunnel
// established response, and terminates TLS using a leaf certificate
// minted for the CONNECT target (or the client's SNI hint, if present).
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		p.logger.Error().Msg("response writer does not support hijacking")
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to hijack client connection")
		return
	}

	host := r.URL.Host
	if host == "" {
		host = r.Host
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Error().Err(err).Str("host", host).Msg("failed to write CONNECT response")
		clientConn.Close()
		return
	}

	// The CONNECT target is host:port; the certificate fallback wants the
	// hostname alone.
	connectHost := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		connectHost = h
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return p.ca.Resolve(hello.ServerName, connectHost)
		},
	}

	go p.serveTLS(tls.Server(clientConn, tlsConfig), host)
}

// serveTLS completes the server-side TLS handshake and re-serves the
// decrypted traffic through the same ServeHTTP path, one connection at a
// time, preserving HTTP/1.1 keep-alive semantics.
func (p *Proxy) serveTLS(tlsConn *tls.Conn, host string) {
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		p.logger.Debug().Err(err).Str("host", host).Msg("TLS handshake with client failed")
		return
	}

	inner := &http.Server{
		Handler:      p.decryptedHandler(host),
		ReadTimeout:  p.cfg.ServerReadTimeout,
		WriteTimeout: p.cfg.ServerWriteTimeout,
		IdleTimeout:  p.cfg.ServerIdleTimeout,
	}
	ln := newSingleConnListener(tlsConn)
	if err := inner.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.logger.Error().Err(err).Str("host", host).Msg("serving decrypted connection failed")
	}
}

// decryptedHandler fixes up the scheme and host of requests parsed off a
// decrypted connection (they arrive with a relative request-line, unlike
// a CONNECT-less proxy request) before handing them to serveProxied.
func (p *Proxy) decryptedHandler(host string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Scheme = "https"
		r.URL.Host = host
		p.serveProxied(w, r)
	})
}

// serveProxied publishes the request head and body through the event
// bus, forwards the request upstream, and publishes the response head
// and body back through the bus before streaming it to the client. A
// request whose headers negotiate a protocol upgrade is routed to the
// duplex-shuttle path instead.
func (p *Proxy) serveProxied(w http.ResponseWriter, r *http.Request) {
	id := p.nextID.Inc()
	logger := p.logger.With().
		Uint32("id", id).
		Str("method", r.Method).
		Str("uri", r.URL.String()).
		Logger()

	head := events.RequestHeadData{
		Method:  r.Method,
		URI:     r.URL.String(),
		Version: r.Proto,
		Header:  r.Header.Clone(),
	}
	reqEnv := envelope.NewRequest(id, head, r.Body, p.bus)
	reqReader, _ := reqEnv.Body.TakeReader()
	defer reqReader.Close()

	if isUpgradeRequest(r.Header) {
		p.serveUpgrade(w, r, id, reqEnv, reqReader, logger)
		return
	}

	ctx := r.Context()
	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, reqEnv.Head.Method, reqEnv.Head.URI, reqReader)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build upstream request")
		writeInternalProxyError(w)
		return
	}
	upstreamReq.Header = reqEnv.Head.Header.Clone()
	upstreamReq.Host = upstreamReq.URL.Host

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		logger.Error().Err(err).Msg("upstream round trip failed")
		writeInternalProxyError(w)
		p.bus.Publish(events.Event{ID: id, Kind: events.Error, Payload: fmt.Sprintf("upstream round trip failed: %v", err)})
		return
	}

	respHead := events.ResponseHeadData{Status: resp.StatusCode, Version: resp.Proto, Header: resp.Header.Clone()}
	respEnv := envelope.NewResponse(id, respHead, resp.Body, p.bus)
	respReader, _ := respEnv.Body.TakeReader()
	defer respReader.Close()

	copyHeader(w.Header(), respEnv.Head.Header)
	w.WriteHeader(respEnv.Head.Status)

	if _, err := io.Copy(w, respReader); err != nil {
		logger.Debug().Err(err).Msg("streaming response body to client failed")
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// writeInternalProxyError answers the client with the fixed 500 response
// the proxy returns on any upstream dispatch failure.
func writeInternalProxyError(w http.ResponseWriter) {
	http.Error(w, "Internal Proxy Error", http.StatusInternalServerError)
}
