// Package sshutil holds the SSH connection configuration shared by the slurm
// scheduler runner and the sftp filesystem, and dials clients from it.
package sshutil

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config describes how to reach a remote host over SSH.
type Config struct {
	Hostname   string `yaml:"hostname"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	PrivateKey string `yaml:"private_key"` // path to a PEM private key file
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Hostname, fmt.Sprintf("%d", port))
}

// Dial opens an SSH client connection. The caller owns the returned client.
func Dial(cfg Config) (*ssh.Client, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		pem, err := os.ReadFile(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", cfg.PrivateKey, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", cfg.PrivateKey, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh config for %s has neither password nor private key", cfg.Hostname)
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: methods,
		// Job destinations are operator-configured hosts, not user input.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         15 * time.Second,
	}
	client, err := ssh.Dial("tcp", cfg.Addr(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// IsAuthError reports whether err is an SSH authentication failure. Auth
// failures against a remote are permanent, not retriable.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"unable to authenticate",
		"permission denied",
		"no supported methods remain",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
