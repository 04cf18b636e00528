// Package sshkeys manages the control host's login key and host key
// verification for non-interactive SSH sessions to cluster hosts.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/sensorctl/internal/logging"
)

const (
	privateKeyFile = "id_sensorctl"
	publicKeyFile  = "id_sensorctl.pub"
)

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH-format
// public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// EnsureKeyPair loads the key pair from dir, generating and saving a new one
// if none exists. The public key is returned in authorized_keys format so an
// operator can install it on cluster hosts.
func EnsureKeyPair(dir string) (ssh.Signer, string, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	privPEM, err := os.ReadFile(privPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		pub, priv, genErr := GenerateKeyPair()
		if genErr != nil {
			return nil, "", genErr
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, "", fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(privPath, priv, 0600); err != nil {
			return nil, "", fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, pub, 0644); err != nil {
			return nil, "", fmt.Errorf("write public key: %w", err)
		}
		log := logging.WithComponent("sshkeys")
		log.Info().Str("dir", dir).Msg("generated new SSH key pair")
		privPEM = priv
	default:
		return nil, "", fmt.Errorf("read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(privPEM)
	if err != nil {
		return nil, "", fmt.Errorf("parse private key: %w", err)
	}
	return signer, string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// HostKeyCallback returns the host key check for outgoing sessions. With
// insecure set every host key is accepted; otherwise keys are verified
// against the known_hosts file at path.
func HostKeyCallback(path string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// Fingerprint returns the SHA256 fingerprint of a signer's public key.
func Fingerprint(signer ssh.Signer) string {
	return ssh.FingerprintSHA256(signer.PublicKey())
}
