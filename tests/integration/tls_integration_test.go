//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/bootstrap"
	tlsx "github.com/eskka-go/discovery/pkg/security/tlsconfig"
	"github.com/eskka-go/discovery/pkg/transport/httpjson"
)

// TestTLS_ThreeNodes_StatusOverMutualTLS verifies the Status/RPC surface
// works end to end when the transport is secured with mutual TLS.
func TestTLS_ThreeNodes_StatusOverMutualTLS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dir := t.TempDir()
	caCrt, _, srvCrt, srvKey, cliCrt, cliKey := mustMakeTestCerts(t, dir)

	addrs := defaultThreeNodeAddrs(18000)
	seeds := addrs.seedsCSV()
	cfgFor := func(i int, nodeID string) bootstrap.Config {
		return bootstrap.Config{
			NodeID:      nodeID,
			MemBind:     addrs.memBind[i],
			RPCAddr:     addrs.rpcAddr[i],
			RPCProto:    "http",
			SeedKind:    "static",
			SeedsCSV:    seeds,
			EvalDelay:   300 * time.Millisecond,
			PingTimeout: 200 * time.Millisecond,
			TLSEnable:   true,
			TLSCA:       caCrt,
			TLSCert:     srvCrt,
			TLSKey:      srvKey,
		}
	}

	n1, _, err := bootstrap.Run(ctx, cfgFor(0, "n1"))
	if err != nil {
		t.Fatalf("n1: %v", err)
	}
	defer n1.Close()

	n2, _, err := bootstrap.Run(ctx, cfgFor(1, "n2"))
	if err != nil {
		t.Fatalf("n2: %v", err)
	}
	defer n2.Close()

	n3, _, err := bootstrap.Run(ctx, cfgFor(2, "n3"))
	if err != nil {
		t.Fatalf("n3: %v", err)
	}
	defer n3.Close()

	topts := tlsx.Options{Enable: true, CAFile: caCrt, CertFile: cliCrt, KeyFile: cliKey}
	cliTLS, err := topts.Client()
	if err != nil {
		t.Fatalf("tls client: %v", err)
	}
	cli := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)

	waitUntil(t, 30*time.Second, func() error {
		s, err := fetchStatus(ctx, cli, addrs.rpcAddr[0])
		if err != nil {
			return err
		}
		if !s.QuorumAvailable || s.LeaderID != "n1" {
			return errNotYet
		}
		return nil
	})
}

func mustMakeTestCerts(t *testing.T, dir string) (caCrt, caKey, srvCrt, srvKey, cliCrt, cliKey string) {
	t.Helper()
	caPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "eskka-discovery-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
	caDER, _ := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
	caCrt = filepath.Join(dir, "ca.crt")
	caKey = filepath.Join(dir, "ca.key")
	writePEM(t, caCrt, "CERTIFICATE", caDER)
	writePEM(t, caKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caPriv))

	makeLeaf := func(cn, crtName, keyName string, isClient bool) (string, string) {
		priv, _ := rsa.GenerateKey(rand.Reader, 2048)
		tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: cn}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour), KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment}
		if isClient {
			tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		} else {
			tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		}
		tpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
		der, _ := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
		crtPath := filepath.Join(dir, crtName)
		keyPath := filepath.Join(dir, keyName)
		writePEM(t, crtPath, "CERTIFICATE", der)
		writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
		return crtPath, keyPath
	}

	srvCrt, srvKey = makeLeaf("eskka-discovery-server", "server.crt", "server.key", false)
	cliCrt, cliKey = makeLeaf("eskka-discovery-client", "client.crt", "client.key", true)
	return
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		t.Fatalf("pem encode %s: %v", path, err)
	}
}
