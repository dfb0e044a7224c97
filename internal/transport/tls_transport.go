package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GMLC-TDC/HELICS-sub006/internal/action"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

// route is one outbound channel: a lazily-(re)dialed TLS connection and
// the address it targets.
type route struct {
	address string
	conn    net.Conn
	mu      sync.Mutex
}

// TLSTransport is a stream transport over mutually-TLS TCP connections,
// grounded on the teacher's protocol/go/transport.go (tls.Listen /
// tls.Dial, bufio framing) and broker/main.go (self-signed certificate
// generation). Frames are length-prefixed Action Messages
// (action.Packetize / action.Depacketize) rather than the teacher's
// newline-delimited JSON envelopes, matching spec §6's stream-transport
// wire frame.
type TLSTransport struct {
	id         ids.GlobalId
	privateKey ed25519.PrivateKey
	tlsConfig  *tls.Config

	mu       sync.RWMutex
	routes   map[ids.RouteId]*route
	callback Callback
	peerKeys map[ids.GlobalId]ed25519.PublicKey

	listener   net.Listener
	log        *logrus.Entry
	retrySched []time.Duration

	closed bool
}

// NewTLSTransport creates a transport identified as id, generating a
// fresh Ed25519 signing key and a self-signed TLS certificate (teacher
// pattern: GenerateSelfSignedCert / generateSelfSignedCert).
func NewTLSTransport(id ids.GlobalId, log *logrus.Entry) (*TLSTransport, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate signing key: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &TLSTransport{
		id:         id,
		privateKey: priv,
		routes:     make(map[ids.RouteId]*route),
		peerKeys:   make(map[ids.GlobalId]ed25519.PublicKey),
		log:        log,
		// Bounded retry schedule for Connect, per spec §4.2.
		retrySched: []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond},
	}
	if err := t.generateSelfSignedCert(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TLSTransport) generateSelfSignedCert() error {
	pub := t.privateKey.Public().(ed25519.PublicKey)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"HELICS node " + t.id.String()}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, t.privateKey)
	if err != nil {
		return fmt.Errorf("transport: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("transport: parse certificate: %w", err)
	}

	t.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  t.privateKey,
			Leaf:        cert,
		}},
		InsecureSkipVerify: true, // self-signed; identity is established by envelope signatures, not the cert chain
		MinVersion:         tls.VersionTLS13,
	}
	return nil
}

// Connect dials remote over TLS with a bounded retry schedule and
// stashes the live connection under ParentRoute, matching spec §4.2's
// "fails with ConnectionFailure after a bounded retry schedule".
func (t *TLSTransport) Connect(local, remote string) error {
	var lastErr error
	for _, d := range append([]time.Duration{0}, t.retrySched...) {
		if d > 0 {
			time.Sleep(d)
		}
		conn, err := tls.Dial("tcp", remote, t.tlsConfig)
		if err == nil {
			t.mu.Lock()
			t.routes[ids.ParentRoute] = &route{address: remote, conn: conn}
			t.mu.Unlock()
			go t.serveConn(conn)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("transport: connect to %s failed after retries: %w", remote, lastErr)
}

// AddRoute installs or replaces routeID's outbound address. The
// underlying connection is dialed lazily on first Transmit.
func (t *TLSTransport) AddRoute(routeID ids.RouteId, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[routeID] = &route{address: address}
	return nil
}

// RemoveRoute uninstalls routeID; this is local-only per spec §4.3.
func (t *TLSTransport) RemoveRoute(routeID ids.RouteId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.routes[routeID]; ok {
		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
		}
		r.mu.Unlock()
	}
	delete(t.routes, routeID)
}

// Transmit signs msg with this transport's Ed25519 key, packetizes it,
// and writes it to routeID's connection, dialing lazily if needed.
func (t *TLSTransport) Transmit(routeID ids.RouteId, msg *action.Message) error {
	t.mu.RLock()
	r, ok := t.routes[routeID]
	t.mu.RUnlock()
	if !ok {
		// Unknown route and no broker fallback at this layer: the
		// routing fabric is responsible for falling back to
		// ParentRoute before calling Transmit (spec §4.3).
		t.log.WithField("route", routeID).Debug("transport: dropping message for unknown route")
		return nil
	}

	signed := msg.Clone()
	if err := action.Sign(signed, t.privateKey); err != nil {
		return fmt.Errorf("transport: sign: %w", err)
	}

	framed, err := action.Packetize(signed)
	if err != nil {
		return fmt.Errorf("transport: packetize: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		conn, dialErr := tls.Dial("tcp", r.address, t.tlsConfig)
		if dialErr != nil {
			t.notifyError(fmt.Sprintf("connect to %s: %v", r.address, dialErr))
			return dialErr
		}
		r.conn = conn
	}
	if _, err := r.conn.Write(framed); err != nil {
		r.conn.Close()
		r.conn = nil
		t.notifyError(fmt.Sprintf("write to %s: %v", r.address, err))
		return err
	}
	return nil
}

// authenticate verifies msg's Ed25519 signature and pins its SignerKey
// to SourceID on first contact (spec §4.2a). A verification failure or
// a signer-key change for an already-pinned SourceID is reported
// through the protocol_error callback path and the message is dropped
// rather than delivered. Messages from a not-yet-registered sender
// (SourceID == UnknownId, e.g. the initial CMD_PROTOCOL/REG_* frames)
// are verified but not pinned, since the sender has no global id yet.
func (t *TLSTransport) authenticate(msg *action.Message) bool {
	if !action.Verify(msg) {
		t.notifyError(fmt.Sprintf("signature verification failed from source %v", msg.SourceID))
		return false
	}
	if msg.SourceID == ids.UnknownId {
		return true
	}

	t.mu.Lock()
	known, seen := t.peerKeys[msg.SourceID]
	changed := seen && !bytes.Equal(known, msg.SignerKey)
	if !seen {
		t.peerKeys[msg.SourceID] = append(ed25519.PublicKey(nil), msg.SignerKey...)
	}
	t.mu.Unlock()

	if changed {
		t.notifyError(fmt.Sprintf("signer key changed for source %v", msg.SourceID))
		return false
	}
	return true
}

func (t *TLSTransport) notifyError(reason string) {
	t.mu.RLock()
	cb := t.callback
	t.mu.RUnlock()
	if cb != nil {
		cb(ErrorAction(reason))
	}
}

// SetCallback installs the dispatch callback used by Listen and by
// inbound connections accepted via Listen.
func (t *TLSTransport) SetCallback(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = cb
}

// Listen accepts inbound TLS connections and decodes framed Action
// Messages from each, serializing delivery to the callback per
// connection but allowing concurrent connections (each gets its own
// receive goroutine, matching "a dedicated receive thread").
func (t *TLSTransport) Listen(address string) error {
	ln, err := tls.Listen("tcp", address, t.tlsConfig)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", address, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return nil
			}
			t.log.WithError(err).Warn("transport: accept failed")
			continue
		}
		go t.serveConn(conn)
	}
}

func (t *TLSTransport) serveConn(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				msg, consumed, decErr := action.Depacketize(buf)
				if decErr != nil {
					break
				}
				buf = buf[consumed:]
				if !t.authenticate(msg) {
					continue
				}
				t.mu.RLock()
				cb := t.callback
				t.mu.RUnlock()
				if cb != nil {
					cb(msg)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Disconnect closes the listener and every outbound route. Idempotent.
func (t *TLSTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	routesToClose := make([]*route, 0, len(t.routes))
	for _, r := range t.routes {
		routesToClose = append(routesToClose, r)
	}
	t.mu.Unlock()

	for _, r := range routesToClose {
		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
		}
		r.mu.Unlock()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// PublicKey exposes the transport's Ed25519 public key, used by peers
// to verify signed control messages during the registration handshake.
func (t *TLSTransport) PublicKey() ed25519.PublicKey {
	return t.privateKey.Public().(ed25519.PublicKey)
}
