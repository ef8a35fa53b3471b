package nimbus

import (
	"context"
	"crypto/tls"
	"net"
)

// SecureTransport is the out-of-scope TLS adapter spec.md §6 describes:
// when Options.TLSConfig is set, dial hands it the freshly dialed plain
// socket (before INFO is read) and gets back a socket
// that satisfies net.Conn, with the handshake already driven according to
// whatever certificate/hostname policy the adapter was configured with.
type SecureTransport interface {
	Upgrade(conn net.Conn, cfg *tls.Config, serverName string) (net.Conn, error)
}

// defaultSecureTransport upgrades with the standard library's tls.Client,
// the same mechanism the teacher's certs.go helpers feed a *tls.Config
// into (pkg/security/certs.go loads/saves the material; this struct only
// performs the handshake).
type defaultSecureTransport struct{}

func (defaultSecureTransport) Upgrade(conn net.Conn, cfg *tls.Config, serverName string) (net.Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" && serverName != "" {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(context.Background()); err != nil {
		return nil, wrapf(ErrTLS, err, "tls handshake failed")
	}
	return tc, nil
}
