package wssip

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a certificate for 127.0.0.1 with the given
// common name into dir and returns the file paths.
func writeSelfSigned(t *testing.T, dir, commonName string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func servedCommonName(r *certReloader) string {
	cert, _ := r.GetCertificate(nil)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return ""
	}
	return leaf.Subject.CommonName
}

func TestCertReloaderReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir, "first")

	r, err := newCertReloader(certFile, keyFile, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "first", servedCommonName(r))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.watch(ctx)
	time.Sleep(100 * time.Millisecond)

	writeSelfSigned(t, dir, "second")
	assert.Eventually(t, func() bool {
		return servedCommonName(r) == "second"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCertReloaderMissingFiles(t *testing.T) {
	_, err := newCertReloader("", "", zerolog.Nop())
	assert.Error(t, err)

	_, err = newCertReloader("/nonexistent/cert.pem", "/nonexistent/key.pem", zerolog.Nop())
	assert.Error(t, err)
}

func TestGatewayTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir(), "wssip")
	backend := startBackend(t, true)
	gw := startGateway(t, testGatewayOption(backend.Port()).WithTLS(certFile, keyFile))

	dialer := websocket.Dialer{
		Subprotocols:    []string{SubprotocolSIP},
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	ws, _, err := dialer.Dial("wss://"+gw.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer ws.Close()

	msg := sipRequest("REGISTER", "sip:alice@127.0.0.1")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msg))
	_, reply := readMessage(t, ws)
	assert.Equal(t, msg, reply)
}

func TestGatewayTLSLoadFailure(t *testing.T) {
	opt := testGatewayOption(DefaultSIPPort).WithTLS("/nonexistent/cert.pem", "/nonexistent/key.pem")
	err := NewGateway(opt).Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load TLS material")
}
