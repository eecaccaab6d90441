package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes a jump host through which a LAN instrument that is
// not routable from here can be reached.
type SSHConfig struct {
	Host     string        `yaml:"host"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	KeyPath  string        `yaml:"key_path"`
	Port     int           `yaml:"port"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SSHTunnel forwards TCP connections over one SSH client connection,
// established on first use.
type SSHTunnel struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHTunnel validates cfg and fills defaults. It does not connect.
func NewSSHTunnel(cfg SSHConfig) (*SSHTunnel, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for a tunnelled connection")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Password == "" && cfg.KeyPath == "" {
		return nil, fmt.Errorf("no ssh password or key configured")
	}
	return &SSHTunnel{cfg: cfg}, nil
}

// DialContext opens addr from the jump host. It satisfies DialContextFunc.
func (t *SSHTunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("ssh forward to %s: %w", addr, err)
	}
	return conn, nil
}

func (t *SSHTunnel) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.Timeout,
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}
	t.client = ssh.NewClient(clientConn, chans, reqs)
	return t.client, nil
}

func (t *SSHTunnel) authMethods() ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if t.cfg.Password != "" {
		auth = append(auth, ssh.Password(t.cfg.Password))
	}
	if t.cfg.KeyPath != "" {
		key, err := os.ReadFile(t.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	return auth, nil
}

// Close tears down the SSH connection and every channel forwarded over it.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
