//go:build linux || darwin

package asyncsock

import (
	"crypto/x509"
	"errors"
	"io"
	"net"

	"code.hybscloud.com/iox"
	"github.com/bifurcation/mint"
)

// maxHandshakeSteps bounds the state transitions taken by a single
// [Engine.Handshake] call. A TLS 1.3 handshake needs far fewer.
const maxHandshakeSteps = 64

// maxMintWrite is the largest plaintext handed to a single mint write. mint
// rejects records carrying a full 16 KiB fragment once framed.
const maxMintWrite = 1<<14 - 256

// MintClient returns an [EngineFactory] for TLS 1.3 client sessions, using
// github.com/bifurcation/mint. The config is cloned, and switched to
// non-blocking mode. ServerName is required.
//
// Unless InsecureSkipVerify is set, the server's chain is verified against
// RootCAs (the system pool if nil) and ServerName, before any
// VerifyPeerCertificate callback runs. Verification failures are reported
// as [ReasonInvalidCert], or [ReasonExpiredCert] where a certificate is
// outside its validity period.
func MintClient(config *mint.Config) EngineFactory {
	return func(transport net.Conn) (Engine, error) {
		e, cfg := newMintEngine(transport, config)
		if !cfg.InsecureSkipVerify {
			v := &mintVerifier{engine: e, roots: cfg.RootCAs, serverName: cfg.ServerName, next: cfg.VerifyPeerCertificate}
			cfg.InsecureSkipVerify = true
			cfg.VerifyPeerCertificate = v.verify
		}
		e.conn = mint.Client(e.transport, cfg)
		return e, nil
	}
}

// MintServer returns an [EngineFactory] for TLS 1.3 server sessions, using
// github.com/bifurcation/mint. The config is cloned, and switched to
// non-blocking mode. It must carry at least one certificate.
func MintServer(config *mint.Config) EngineFactory {
	return func(transport net.Conn) (Engine, error) {
		e, cfg := newMintEngine(transport, config)
		if len(cfg.Certificates) == 0 {
			return nil, errors.New("asyncsock: mint server config has no certificates")
		}
		e.conn = mint.Server(e.transport, cfg)
		return e, nil
	}
}

func newMintEngine(transport net.Conn, config *mint.Config) (*mintEngine, *mint.Config) {
	var cfg *mint.Config
	if config != nil {
		cfg = config.Clone()
	} else {
		cfg = &mint.Config{}
	}
	cfg.NonBlocking = true
	return &mintEngine{transport: &mintTransport{Conn: transport}}, cfg
}

// mintEngine adapts a non-blocking [mint.Conn] to [Engine].
type mintEngine struct {
	conn      *mint.Conn
	transport *mintTransport
	// the first failure of the certificate verifier
	verifyErr error
}

// Handshake drives the handshake until it completes or blocks. In
// non-blocking mode, mint returns after every state transition.
func (e *mintEngine) Handshake() error {
	for range maxHandshakeSteps {
		switch alert := e.conn.Handshake(); alert {
		case mint.AlertNoAlert, mint.AlertStatelessRetry:
			switch e.conn.ConnectionState().HandshakeState {
			case mint.StateClientConnected, mint.StateServerConnected:
				return nil
			}
		case mint.AlertWouldBlock:
			return iox.ErrWouldBlock
		default:
			return e.handshakeError(alert)
		}
	}
	return &HandshakeError{Reason: ReasonUnknown, Err: errors.New("asyncsock: mint handshake made no progress")}
}

func (e *mintEngine) Read(p []byte) (int, error) {
	n, err := e.conn.Read(p)
	return n, e.mapError(err)
}

// Write feeds p to mint in pieces that each fit a single record, together
// with the record overhead.
func (e *mintEngine) Write(p []byte) (int, error) {
	var n int
	for len(p) != 0 {
		m, err := e.conn.Write(p[:min(len(p), maxMintWrite)])
		n += m
		if err != nil {
			return n, e.mapError(err)
		}
		if m == 0 {
			break
		}
		p = p[m:]
	}
	return n, nil
}

// Close releases the session. mint sends no close notification of its
// own, the peer observes the transport closing.
func (e *mintEngine) Close() error {
	return e.conn.Close()
}

func (e *mintEngine) mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mint.AlertWouldBlock):
		return iox.ErrWouldBlock
	case errors.Is(err, io.EOF), errors.Is(err, mint.AlertCloseNotify):
		return io.EOF
	case e.transport.err != nil:
		return e.transport.err
	default:
		return err
	}
}

func (e *mintEngine) handshakeError(alert mint.Alert) *HandshakeError {
	switch {
	case e.verifyErr != nil:
		return &HandshakeError{Reason: classifyCertError(e.verifyErr), Err: e.verifyErr}
	case e.transport.err != nil:
		return &HandshakeError{Reason: ReasonUnknown, Err: e.transport.err}
	default:
		return &HandshakeError{Reason: alertReason(alert), Err: alert}
	}
}

// mintTransport translates the would-block convention of the channel's
// transport into mint's, a zero length read, and records the first real
// I/O error.
type mintTransport struct {
	net.Conn
	err error
}

func (t *mintTransport) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if err != nil {
		if iox.IsWouldBlock(err) {
			return 0, nil
		}
		t.record(err)
	}
	return n, err
}

func (t *mintTransport) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if err != nil {
		t.record(err)
	}
	return n, err
}

func (t *mintTransport) record(err error) {
	if t.err == nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
}

// mintVerifier verifies the server's chain on behalf of a client engine,
// keeping the x509 error that mint would otherwise reduce to an alert.
type mintVerifier struct {
	engine     *mintEngine
	roots      *x509.CertPool
	next       func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
	serverName string
}

func (v *mintVerifier) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	chains, err := v.verifyChain(rawCerts)
	if err == nil && v.next != nil {
		err = v.next(rawCerts, chains)
	}
	if err != nil && v.engine.verifyErr == nil {
		v.engine.verifyErr = err
	}
	return err
}

func (v *mintVerifier) verifyChain(rawCerts [][]byte) ([][]*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, errors.New("asyncsock: peer presented no certificate")
	}

	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, err
		}
		certs[i] = cert
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		DNSName:       v.serverName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	return certs[0].Verify(opts)
}

// classifyCertError maps a verification error to a [FailureReason].
func classifyCertError(err error) FailureReason {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		return ReasonExpiredCert
	}
	return ReasonInvalidCert
}

// alertReason maps a TLS alert to a [FailureReason].
func alertReason(alert mint.Alert) FailureReason {
	switch alert {
	case mint.AlertCertificateExpired:
		return ReasonExpiredCert
	case mint.AlertBadCertificate,
		mint.AlertUnsupportedCertificate,
		mint.AlertCertificateRevoked,
		mint.AlertCertificateUnknown,
		mint.AlertUnknownCA:
		return ReasonInvalidCert
	default:
		return ReasonUnknown
	}
}
