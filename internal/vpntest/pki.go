package vpntest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/ooni/vpncore/internal/runtimex"
)

// PKI holds PEM encoded material for a test certificate authority with a
// server and a client certificate.
type PKI struct {
	CA         []byte
	ServerCert []byte
	ServerKey  []byte
	ClientCert []byte
	ClientKey  []byte
}

// NewPKI generates a fresh [PKI]. It panics on failure.
func NewPKI() *PKI {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	runtimex.PanicOnError(err, "cannot generate ca key")
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "vpntest ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	runtimex.PanicOnError(err, "cannot create ca cert")
	caCert, err := x509.ParseCertificate(caDER)
	runtimex.PanicOnError(err, "cannot parse ca cert")

	p := &PKI{CA: pemEncode("CERTIFICATE", caDER)}
	p.ServerCert, p.ServerKey = newLeaf(caCert, caKey, 2, "vpntest server", x509.ExtKeyUsageServerAuth)
	p.ClientCert, p.ClientKey = newLeaf(caCert, caKey, 3, "vpntest client", x509.ExtKeyUsageClientAuth)
	return p
}

func newLeaf(ca *x509.Certificate, caKey *ecdsa.PrivateKey, serial int64, cn string, usage x509.ExtKeyUsage) ([]byte, []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	runtimex.PanicOnError(err, "cannot generate key")
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	runtimex.PanicOnError(err, "cannot create cert")
	keyDER, err := x509.MarshalECPrivateKey(key)
	runtimex.PanicOnError(err, "cannot marshal key")
	return pemEncode("CERTIFICATE", der), pemEncode("EC PRIVATE KEY", keyDER)
}

func pemEncode(kind string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
}
