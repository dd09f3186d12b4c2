package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyPair struct {
	cert     *x509.Certificate
	key      *rsa.PrivateKey
	certFile string
	keyFile  string
}

// issue writes a certificate for cn signed by parent, or self-signed when parent is nil.
func issue(t *testing.T, dir, cn string, serial int64, parent *keyPair, usage x509.ExtKeyUsage) *keyPair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	signer, signerKey := template, key
	if parent == nil {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	} else {
		signer, signerKey = parent.cert, parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	kp := &keyPair{
		cert:     cert,
		key:      key,
		certFile: filepath.Join(dir, cn+".crt"),
		keyFile:  filepath.Join(dir, cn+".key"),
	}
	require.NoError(t, os.WriteFile(kp.certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(kp.keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return kp
}

func startTLSServer(t *testing.T, cfg *tls.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = cfg
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func TestServerAndClientWithPrivateCA(t *testing.T) {
	dir := t.TempDir()
	ca := issue(t, dir, "gateway-ca", 1, nil, x509.ExtKeyUsageServerAuth)
	server := issue(t, dir, "customs", 2, ca, x509.ExtKeyUsageServerAuth)

	serverCfg, err := Server(Config{CertFile: server.certFile, KeyFile: server.keyFile})
	require.NoError(t, err)
	assert.Equal(t, tls.NoClientCert, serverCfg.ClientAuth)
	srv := startTLSServer(t, serverCfg)

	clientCfg, err := Client(Config{CAFile: ca.certFile})
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	untrusting := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}}
	_, err = untrusting.Get(srv.URL)
	assert.Error(t, err)
}

func TestServerRequiresClientCertificateWithCA(t *testing.T) {
	dir := t.TempDir()
	ca := issue(t, dir, "gateway-ca", 1, nil, x509.ExtKeyUsageServerAuth)
	server := issue(t, dir, "gateway", 2, ca, x509.ExtKeyUsageServerAuth)
	client := issue(t, dir, "portal", 3, ca, x509.ExtKeyUsageClientAuth)

	serverCfg, err := Server(Config{CertFile: server.certFile, KeyFile: server.keyFile, CAFile: ca.certFile})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)
	srv := startTLSServer(t, serverCfg)

	anonymous, err := Client(Config{CAFile: ca.certFile})
	require.NoError(t, err)
	_, err = (&http.Client{Transport: &http.Transport{TLSClientConfig: anonymous}}).Get(srv.URL)
	assert.Error(t, err)

	mutual, err := Client(Config{CertFile: client.certFile, KeyFile: client.keyFile, CAFile: ca.certFile})
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: &http.Transport{TLSClientConfig: mutual}}).Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigErrors(t *testing.T) {
	dir := t.TempDir()
	ca := issue(t, dir, "gateway-ca", 1, nil, x509.ExtKeyUsageServerAuth)

	_, err := Server(Config{CertFile: ca.certFile})
	assert.ErrorIs(t, err, ErrIncompleteKeyPair)
	_, err = Client(Config{KeyFile: ca.keyFile})
	assert.ErrorIs(t, err, ErrIncompleteKeyPair)

	_, err = Client(Config{CAFile: "relative/ca.pem"})
	assert.ErrorContains(t, err, "must be absolute")

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0o600))
	_, err = Client(Config{CAFile: empty})
	assert.ErrorContains(t, err, "no certificates found")

	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{ServerName: "customs.internal"}.Enabled())
}
