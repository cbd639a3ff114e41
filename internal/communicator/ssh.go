package communicator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/usb-quartermaster/quartermaster/internal/model"
	"github.com/usb-quartermaster/quartermaster/internal/qmerrors"
)

// Identifier is the registered plugin identifier for the SSH Communicator.
const Identifier = "SSH"

// PrivateKeyType enumerates the private key algorithms spec §4.A names.
type PrivateKeyType string

const (
	PrivateKeyDSS     PrivateKeyType = "DSS"
	PrivateKeyRSA     PrivateKeyType = "RSA"
	PrivateKeyECDSA   PrivateKeyType = "ECDSA"
	PrivateKeyEd25519 PrivateKeyType = "Ed25519"
)

// sshKeyAlgorithm maps the spec's PrivateKeyType vocabulary onto the wire
// algorithm name golang.org/x/crypto/ssh reports for a parsed signer/key, so
// a declared type that doesn't match the key material itself is caught at
// configuration time rather than at the first failed handshake.
func sshKeyAlgorithm(t PrivateKeyType) string {
	switch t {
	case PrivateKeyDSS:
		return ssh.KeyAlgoDSA
	case PrivateKeyRSA:
		return ssh.KeyAlgoRSA
	case PrivateKeyECDSA:
		// ECDSA covers three curve-specific algorithm names; matched loosely
		// in validateKeyType below.
		return "ecdsa"
	case PrivateKeyEd25519:
		return ssh.KeyAlgoED25519
	default:
		return ""
	}
}

func validateKeyType(declared PrivateKeyType, actualAlgo string) bool {
	want := sshKeyAlgorithm(declared)
	if declared == PrivateKeyECDSA {
		return actualAlgo == ssh.KeyAlgoECDSA256 || actualAlgo == ssh.KeyAlgoECDSA384 || actualAlgo == ssh.KeyAlgoECDSA521
	}
	return want == actualAlgo
}

// Config is the JSON shape of RemoteHost.Config consumed by the SSH
// Communicator (spec §4.A).
type Config struct {
	Port                 int            `json:"port"`
	Username             string         `json:"username"`
	PrivateKey           string         `json:"private_key"`
	PrivateKeyType       PrivateKeyType `json:"private_key_type"`
	HostKey              string         `json:"host_key"`
	HostKeyType          string         `json:"host_key_type"`
	ConnectTimeoutSeconds int           `json:"connect_timeout_seconds"`
	ExecTimeoutSeconds    int           `json:"exec_timeout_seconds"`
}

// SSH is the SSH Communicator variant: it constructs a client per Execute
// call (no connection pooling required for correctness — spec §4.A), pins
// the server host key rather than auto-adding it, and authenticates with
// the per-host private key.
type SSH struct {
	host        string
	port        int
	clientConf  *ssh.ClientConfig
	execTimeout time.Duration
}

// New builds the SSH Communicator for one RemoteHost from its address and
// opaque JSON configuration blob.
func New(address string, rawConfig []byte) (Communicator, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, &qmerrors.ConfigurationError{Subject: address, Reasons: []string{fmt.Sprintf("invalid SSH config JSON: %v", err)}}
	}

	var reasons []string
	if cfg.Username == "" {
		reasons = append(reasons, "username is required")
	}
	if cfg.PrivateKey == "" {
		reasons = append(reasons, "private_key is required")
	}
	if cfg.HostKey == "" {
		reasons = append(reasons, "host_key is required")
	}
	if len(reasons) > 0 {
		return nil, &qmerrors.ConfigurationError{Subject: address, Reasons: reasons}
	}

	signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, &qmerrors.ConfigurationError{Subject: address, Reasons: []string{fmt.Sprintf("private_key: %v", err)}}
	}
	if cfg.PrivateKeyType != "" && !validateKeyType(cfg.PrivateKeyType, signer.PublicKey().Type()) {
		return nil, &qmerrors.ConfigurationError{Subject: address, Reasons: []string{
			fmt.Sprintf("private_key_type %q does not match key algorithm %q", cfg.PrivateKeyType, signer.PublicKey().Type()),
		}}
	}

	hostKey, err := parseHostKey(cfg.HostKey, cfg.HostKeyType)
	if err != nil {
		return nil, &qmerrors.ConfigurationError{Subject: address, Reasons: []string{fmt.Sprintf("host_key: %v", err)}}
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	connectTimeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	execTimeout := time.Duration(cfg.ExecTimeoutSeconds) * time.Second
	if execTimeout == 0 {
		execTimeout = 30 * time.Second
	}

	return &SSH{
		host: address,
		port: port,
		clientConf: &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.FixedHostKey(hostKey),
			Timeout:         connectTimeout,
		},
		execTimeout: execTimeout,
	}, nil
}

func parseHostKey(encoded, keyType string) (ssh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("host_key is not valid base64: %w", err)
	}
	key, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("host_key is not a valid public key: %w", err)
	}
	if keyType != "" && key.Type() != keyType {
		return nil, fmt.Errorf("host_key_type %q does not match key algorithm %q", keyType, key.Type())
	}
	return key, nil
}

// dialContext is adapted from golang.org/x/crypto's proposed ssh.DialContext
// (https://github.com/golang/crypto/pull/280): it makes the TCP dial and SSH
// handshake cancellable by ctx without requiring a pooled/shared client.
func dialContext(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		var client *ssh.Client
		if err == nil {
			client = ssh.NewClient(c, chans, reqs)
		}
		select {
		case ch <- result{client, err}:
		case <-ctx.Done():
			if client != nil {
				client.Close()
			}
		}
	}()
	select {
	case res := <-ch:
		return res.client, res.err
	case <-ctx.Done():
		conn.Close()
		return nil, context.Cause(ctx)
	}
}

// Execute opens a fresh SSH client and session, runs command, and captures
// its exit code, stdout, and stderr.
func (s *SSH) Execute(ctx context.Context, command string) (Result, error) {
	client, err := dialContext(ctx, "tcp", fmt.Sprintf("%s:%d", s.host, s.port), s.clientConf)
	if err != nil {
		return Result{}, &qmerrors.CommunicatorError{Host: s.host, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, &qmerrors.CommunicatorError{Host: s.host, Err: fmt.Errorf("opening session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	execCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(command) }()

	select {
	case err := <-runErr:
		returnCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if asExitError(err, &exitErr) {
				returnCode = exitErr.ExitStatus()
			} else {
				return Result{}, &qmerrors.CommunicatorError{Host: s.host, Err: fmt.Errorf("running %q: %w", command, err)}
			}
		}
		return Result{ReturnCode: returnCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	case <-execCtx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		return Result{}, &qmerrors.CommunicatorError{Host: s.host, Err: fmt.Errorf("command %q timed out: %w", command, execCtx.Err())}
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// IsReachable runs the POSIX liveness probe "true" whatever the host's
// platform; IsReachableHostType runs "date /t" for Windows hosts.
func (s *SSH) IsReachable(ctx context.Context) bool {
	_, err := s.Execute(ctx, "true")
	return err == nil
}

// IsReachableHostType runs the liveness probe appropriate to hostType,
// distinct from IsReachable (which always uses the POSIX probe) because the
// Host Driver layer knows the RemoteHost's declared host_type while the bare
// Communicator does not.
func (s *SSH) IsReachableHostType(ctx context.Context, hostType model.HostType) bool {
	cmd := "true"
	if hostType == model.HostTypeWindows {
		cmd = "date /t"
	}
	_, err := s.Execute(ctx, cmd)
	return err == nil
}
