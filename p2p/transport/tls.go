package transport

import (
	"crypto/tls"

	"github.com/drep-project/overlay/config"
)

// LoadTLSConfig builds a *tls.Config from the network.tls.* certificate
// and key paths, in the form ListenWSS takes to wrap its TCP listener for
// WSS connections.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertificatePath, cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
