// Package transmit implements the transmission worker: one per TAK
// server destination, owning a long-lived TCP or TLS connection, draining
// batches from its destination queue and writing them as raw XML.
package transmit

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
)

// Dialer abstracts establishing the destination connection, so tests can
// substitute an in-memory pipe without a real socket or certificate.
type Dialer interface {
	DialContext(ctx context.Context, cfg model.ServerConfig) (net.Conn, error)
}

// tcpTLSDialer is the production Dialer.
type tcpTLSDialer struct {
	netDialer net.Dialer
}

func (d *tcpTLSDialer) DialContext(ctx context.Context, cfg model.ServerConfig) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := d.netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if cfg.Protocol != model.ProtocolTLS {
		return conn, nil
	}

	tlsCfg, err := buildTLSConfig(cfg.TLSMaterial)
	if err != nil {
		conn.Close()
		return nil, err
	}
	tlsCfg.ServerName = cfg.Host

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}

// buildTLSConfig turns a destination's TLS material (client cert/key, CA
// bundle, or a pinned fingerprint) into a *tls.Config. A pinned
// fingerprint disables the stdlib chain verification and replaces it with
// an explicit certificate comparison via VerifyPeerCertificate.
func buildTLSConfig(m *model.TLSMaterial) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if m == nil {
		return cfg, nil
	}

	if len(m.ClientCertPEM) > 0 {
		cert, err := tls.X509KeyPair(m.ClientCertPEM, m.ClientKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing client certificate/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch {
	case m.InsecureSkipVerify:
		cfg.InsecureSkipVerify = true
	case m.Fingerprint != "":
		want := strings.ToLower(strings.ReplaceAll(m.Fingerprint, ":", ""))
		cfg.InsecureSkipVerify = true // chain verification replaced below
		cfg.VerifyPeerCertificate = pinnedFingerprintVerifier(want)
	case len(m.CACertPEM) > 0:
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(m.CACertPEM) {
			return nil, errors.New("no certificates found in configured CA bundle")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func pinnedFingerprintVerifier(wantHex string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			sum := sha256.Sum256(raw)
			if hex.EncodeToString(sum[:]) == wantHex {
				return nil
			}
		}
		return fmt.Errorf("transmit: server certificate fingerprint did not match pinned value %s", wantHex)
	}
}

// dialTimeout bounds a single TCP+TLS handshake attempt, independent of the
// reconnect backoff delay between attempts.
const dialTimeout = 15 * time.Second
