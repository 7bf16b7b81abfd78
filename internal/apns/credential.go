package apns

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// Credential is the client certificate presented to the gateway.
type Credential struct {
	Certificate tls.Certificate
}

// LoadCredentialFile reads a PEM bundle or a PKCS#12 (.p12) file.
func LoadCredentialFile(path, passphrase string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("apns: read credential: %w", err)
	}
	return LoadCredential(data, passphrase)
}

// LoadCredential parses a certificate and private key. PEM input may hold a
// passphrase protected key; anything else is decoded as PKCS#12.
func LoadCredential(data []byte, passphrase string) (*Credential, error) {
	var blocks []*pem.Block
	if bytes.Contains(data, []byte("-----BEGIN")) {
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			blocks = append(blocks, block)
		}
	} else {
		var err error
		if blocks, err = pkcs12.ToPEM(data, passphrase); err != nil {
			return nil, fmt.Errorf("apns: decode pkcs12 credential: %w", err)
		}
	}

	var certPEM, keyPEM []byte
	for _, block := range blocks {
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			key, err := decryptKeyBlock(block, passphrase)
			if err != nil {
				return nil, err
			}
			keyPEM = pem.EncodeToMemory(key)
		}
	}
	if len(certPEM) == 0 {
		return nil, errors.New("apns: credential has no certificate")
	}
	if len(keyPEM) == 0 {
		return nil, errors.New("apns: credential has no private key")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("apns: load key pair: %w", err)
	}
	return &Credential{Certificate: cert}, nil
}

func decryptKeyBlock(block *pem.Block, passphrase string) (*pem.Block, error) {
	//lint:ignore SA1019 legacy encrypted PEM keys are what certificate exports produce
	if !x509.IsEncryptedPEMBlock(block) {
		return block, nil
	}
	if passphrase == "" {
		return nil, errors.New("apns: private key is encrypted but no passphrase was given")
	}
	//lint:ignore SA1019 see above
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("apns: decrypt private key: %w", err)
	}
	return &pem.Block{Type: block.Type, Bytes: der}, nil
}
