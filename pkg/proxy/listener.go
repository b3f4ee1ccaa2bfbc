// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"net"
	"net/http"
	"sync"
)

// singleConnListener adapts one already-established net.Conn into a
// net.Listener so it can be driven by an *http.Server — keeping the
// keep-alive and pipelining behaviour of the stdlib server identical
// between plaintext connections and connections decrypted by our own
// TLS termination.
type singleConnListener struct {
	conn   net.Conn
	accept chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{
		conn:   conn,
		accept: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	l.accept <- struct{}{}
	return l
}

// Accept returns the wrapped connection exactly once; every subsequent
// call blocks until Close, then reports http.ErrServerClosed so the
// owning *http.Server winds down cleanly.
func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case <-l.accept:
		return &notifyCloseConn{Conn: l.conn, onClose: func() { _ = l.Close() }}, nil
	case <-l.closed:
		return nil, http.ErrServerClosed
	}
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// notifyCloseConn wraps a net.Conn so the listener learns when the
// *http.Server is done with it, rather than guessing from read errors.
type notifyCloseConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *notifyCloseConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}
