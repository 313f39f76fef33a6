package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"wiogate/pkg/types"

	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"
)

// newTLSConfig loads the PKCS#12 truststore and keystore named in config.
// Either may be omitted.
func newTLSConfig(config *types.KafkaConfig, log *zap.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	ssl := config.Security.SSL

	if ssl.Truststore.Location != "" {
		pool, err := loadTruststore(ssl.Truststore.Location, ssl.Truststore.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to load truststore: %w", err)
		}
		tlsConfig.RootCAs = pool
		log.Info("Loaded truststore", zap.String("path", ssl.Truststore.Location))
	}

	if ssl.Keystore.Location != "" {
		cert, err := loadKeystore(ssl.Keystore.Location, ssl.Keystore.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to load keystore: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		log.Info("Loaded client certificate", zap.String("path", ssl.Keystore.Location))
	}

	return tlsConfig, nil
}

func loadTruststore(filename, password string) (*x509.CertPool, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 truststore (check password): %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("truststore holds no certificates")
	}

	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return pool, nil
}

func loadKeystore(filename, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode PKCS#12 keystore (check password): %w", err)
	}
	if key == nil || cert == nil {
		return tls.Certificate{}, errors.New("no private key or certificate found in keystore")
	}

	chain := [][]byte{cert.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
