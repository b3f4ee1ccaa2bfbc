// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/net/http/httpguts"

	"github.com/TiltMeSenpai/proxy-project/pkg/envelope"
	"github.com/TiltMeSenpai/proxy-project/pkg/events"
)

const shuttleBufferSize = 512

// isUpgradeRequest reports whether r asks to switch protocols, covering
// both WebSocket's conventional handshake and any other Connection:
// Upgrade negotiation (h2c, etc).
func isUpgradeRequest(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") && h.Get("Upgrade") != ""
}

// serveUpgrade dials the upstream itself (http.Client offers no way to
// keep reading raw bytes past a 101 response), relays the response head
// back through the envelope exactly like the non-upgrade path, and — if
// upstream actually switches protocols — detaches both hijacked
// connections into a byte-for-byte duplex shuttle.
func (p *Proxy) serveUpgrade(w http.ResponseWriter, r *http.Request, id uint32, reqEnv *envelope.Request, reqReader io.ReadCloser, logger zerolog.Logger) {
	if websocket.IsWebSocketUpgrade(r) {
		logger.Debug().Msg("relaying websocket upgrade")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		logger.Error().Msg("response writer does not support hijacking for upgrade")
		return
	}

	target, err := url.Parse(reqEnv.Head.URI)
	if err != nil {
		writeInternalProxyError(w)
		logger.Error().Err(err).Msg("failed to parse upgrade target")
		return
	}

	upstreamConn, err := p.dialUpstream(target)
	if err != nil {
		writeInternalProxyError(w)
		logger.Error().Err(err).Msg("failed to dial upstream for upgrade")
		return
	}

	upstreamReq := &http.Request{
		Method: reqEnv.Head.Method,
		URL:    target,
		Proto:  "HTTP/1.1",
		Header: reqEnv.Head.Header.Clone(),
		Host:   target.Host,
		Body:   reqReader,
	}
	if err := upstreamReq.Write(upstreamConn); err != nil {
		upstreamConn.Close()
		logger.Error().Err(err).Msg("failed to write upgrade request upstream")
		return
	}

	upstreamBuf := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamBuf, upstreamReq)
	if err != nil {
		upstreamConn.Close()
		logger.Error().Err(err).Msg("failed to read upgrade response")
		return
	}

	respHead := events.ResponseHeadData{Status: resp.StatusCode, Version: resp.Proto, Header: resp.Header.Clone()}
	respEnv := envelope.NewResponse(id, respHead, resp.Body, p.bus)

	if respEnv.Head.Status != http.StatusSwitchingProtocols {
		respReader, _ := respEnv.Body.TakeReader()
		defer respReader.Close()
		copyHeader(w.Header(), respEnv.Head.Header)
		w.WriteHeader(respEnv.Head.Status)
		if _, err := io.Copy(w, respReader); err != nil {
			logger.Debug().Err(err).Msg("streaming declined-upgrade response failed")
		}
		upstreamConn.Close()
		return
	}

	// A 101 response has no body; end it now so ResponseDone is published
	// exactly once, before the relay starts.
	_ = respEnv.Body.Close()

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		upstreamConn.Close()
		logger.Error().Err(err).Msg("failed to hijack client connection for upgrade")
		return
	}

	var statusLine bytes.Buffer
	fmt.Fprintf(&statusLine, "HTTP/1.1 101 %s\r\n", http.StatusText(http.StatusSwitchingProtocols))
	_ = respEnv.Head.Header.Write(&statusLine)
	statusLine.WriteString("\r\n")
	if _, err := clientConn.Write(statusLine.Bytes()); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		logger.Error().Err(err).Msg("failed to write 101 response to client")
		return
	}

	reqEnv.SetUpgrade(&rwc{Reader: clientBuf, Writer: clientConn, Closer: clientConn})
	respEnv.SetUpgrade(&rwc{Reader: upstreamBuf, Writer: upstreamConn, Closer: upstreamConn})

	p.shuttle(id, reqEnv, respEnv, logger)
}

// dialUpstream opens a plain or TLS connection to target depending on
// its scheme, matching the scheme of the original (possibly already
// decrypted) request.
func (p *Proxy) dialUpstream(target *url.URL) (net.Conn, error) {
	addr := target.Host
	if !strings.Contains(addr, ":") {
		if target.Scheme == "https" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}
	if target.Scheme == "https" {
		return tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: p.cfg.UpstreamInsecure}) // nolint:gosec
	}
	return net.Dial("tcp", addr)
}

// shuttle relays raw bytes in both directions once client and upstream
// have both switched protocols, tagging each block with a per-direction
// chunk id and guaranteeing exactly one UpgradeClose event.
func (p *Proxy) shuttle(id uint32, reqEnv *envelope.Request, respEnv *envelope.Response, logger zerolog.Logger) {
	clientConn, _ := reqEnv.Upgrade()
	upstreamConn, _ := respEnv.Upgrade()

	p.bus.Publish(events.Event{ID: id, Kind: events.UpgradeOpen})

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			clientConn.Close()
			upstreamConn.Close()
			p.bus.Publish(events.Event{ID: id, Kind: events.UpgradeClose})
		})
	}
	defer closeBoth()

	txChunkID := atomic.NewUint32(0)
	rxChunkID := atomic.NewUint32(0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		p.relay(id, events.UpgradeTx, clientConn, upstreamConn, txChunkID, logger)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		p.relay(id, events.UpgradeRx, upstreamConn, clientConn, rxChunkID, logger)
	}()
	wg.Wait()
}

// relay copies from src to dst in shuttleBufferSize blocks, publishing
// each block as kind before writing it onward.
func (p *Proxy) relay(id uint32, kind events.Kind, src io.Reader, dst io.Writer, chunkID *atomic.Uint32, logger zerolog.Logger) {
	buf := make([]byte, shuttleBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			block := append([]byte(nil), buf[:n]...)
			cid := chunkID.Inc()
			p.bus.Publish(events.Event{ID: id, Kind: kind, Payload: events.UpgradeChunk{ChunkID: cid, Bytes: block}})
			if _, err := dst.Write(block); err != nil {
				logger.Debug().Err(err).Str("direction", kind.String()).Msg("upgrade relay write failed")
				return
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Debug().Err(readErr).Str("direction", kind.String()).Msg("upgrade relay read failed")
			}
			return
		}
	}
}

// rwc combines an independent Reader, Writer and Closer into a single
// io.ReadWriteCloser, letting the buffered leftover bytes from header
// parsing (bufio.Reader/bufio.ReadWriter) sit in front of the raw
// connection's Write/Close.
type rwc struct {
	io.Reader
	io.Writer
	io.Closer
}
