// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy implements the intercepting HTTP/HTTPS proxy: it accepts
// plain HTTP, answers CONNECT by hijacking the connection and terminating
// TLS with a certificate minted on the fly, then re-serves the decrypted
// traffic through the same handler. Every request and response head and
// body chunk is published to an event bus before it continues toward its
// destination, and protocol upgrades are relayed byte-for-byte once both
// sides have switched protocols.
package proxy
