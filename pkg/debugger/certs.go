package debugger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"vitacore/pkg/errors"
)

// generateCertificate creates a self-signed ed25519 certificate for key.
func generateCertificate(key ed25519.PrivateKey) (tls.Certificate, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "failed to generate serial number")
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "vitacore debugger"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "failed to create certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// verifyServerKey returns a VerifyPeerCertificate hook that accepts only an
// ed25519 certificate for want. A nil want accepts any ed25519 certificate.
func verifyServerKey(want ed25519.PublicKey) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.Errorf("no server certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return errors.Wrap(err, "failed to parse server certificate")
		}
		key, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.Errorf("server certificate key is %T, not ed25519", cert.PublicKey)
		}
		if want != nil && !key.Equal(want) {
			return errors.Errorf("server key %x does not match", []byte(key[:8]))
		}
		return nil
	}
}
