// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package security

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/pingcap/trainflow/pkg/errors"
)

// Credential holds the TLS bundle a worker uses to reach the master and
// its peers.
type Credential struct {
	CAPath        string   `toml:"ca-path" json:"ca-path"`
	CertPath      string   `toml:"cert-path" json:"cert-path"`
	KeyPath       string   `toml:"key-path" json:"key-path"`
	CertAllowedCN []string `toml:"cert-allowed-cn" json:"cert-allowed-cn"`
	// ServerName overrides the name used to verify the master certificate,
	// needed when the master is reached through an IP address.
	ServerName string `toml:"server-name" json:"server-name"`
}

// IsTLSEnabled checks whether TLS is enabled or not.
func (s *Credential) IsTLSEnabled() bool {
	return s != nil && len(s.CAPath) != 0
}

// IsEmpty checks whether Credential is empty or not.
func (s *Credential) IsEmpty() bool {
	return s == nil || (len(s.CAPath) == 0 && len(s.CertPath) == 0 && len(s.KeyPath) == 0)
}

// ToTLSConfig generates tls's config from *Credential, it returns nil if
// TLS is not enabled.
func (s *Credential) ToTLSConfig() (*tls.Config, error) {
	if s == nil {
		return nil, nil
	}
	cfg, err := ToTLSConfigWithVerify(s.CAPath, s.CertPath, s.KeyPath, s.CertAllowedCN)
	if err != nil {
		return nil, errors.WrapError(errors.ErrToTLSConfigFailed, err)
	}
	if cfg != nil && s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	return cfg, nil
}

// ToTLSConfigWithVerify constructs a `*tls.Config` from the CA, certification and key
// paths, and add verify for CN.
//
// If the CA path is empty, returns nil.
func ToTLSConfigWithVerify(
	caPath, certPath, keyPath string, verifyCN []string,
) (*tls.Config, error) {
	if len(caPath) == 0 {
		return nil, nil
	}

	certPool := x509.NewCertPool()
	ca, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Annotate(err, "could not read ca certificate")
	}
	if !certPool.AppendCertsFromPEM(ca) {
		return nil, errors.New("failed to append ca certs")
	}

	tlsCfg := &tls.Config{
		RootCAs:    certPool,
		ClientCAs:  certPool,
		MinVersion: tls.VersionTLS12,
	}

	if len(certPath) != 0 && len(keyPath) != 0 {
		loadCert := func() (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, errors.Annotate(err, "could not load client key pair")
			}
			return &cert, nil
		}
		tlsCfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return loadCert()
		}
		tlsCfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return loadCert()
		}
	}

	addVerifyPeerCertificate(tlsCfg, verifyCN)
	return tlsCfg, nil
}

func addVerifyPeerCertificate(tlsCfg *tls.Config, verifyCN []string) {
	if len(verifyCN) == 0 {
		return
	}
	checkCN := make(map[string]struct{})
	for _, cn := range verifyCN {
		checkCN[strings.TrimSpace(cn)] = struct{}{}
	}
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	tlsCfg.VerifyPeerCertificate = func(
		rawCerts [][]byte, verifiedChains [][]*x509.Certificate,
	) error {
		cns := make([]string, 0, len(verifiedChains))
		for _, chains := range verifiedChains {
			for _, chain := range chains {
				cns = append(cns, chain.Subject.CommonName)
				if _, match := checkCN[chain.Subject.CommonName]; match {
					return nil
				}
			}
		}
		return errors.Errorf("peer certificate authentication failed. "+
			"The Common Name from the peer certificate %v was not found "+
			"in the configuration cert-allowed-cn with value: %s", cns, verifyCN)
	}
}
