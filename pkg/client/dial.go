package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/chatterbox/pkg/protocol"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

const (
	dialTimeout               = 10 * time.Second
	defaultSSHPort            = "2222"
	chatterboxSSHBannerPrefix = "SSH-2.0-Chatterbox"
)

var defaultTCPPort = strconv.Itoa(protocol.DefaultPort)

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
	warning string
}

// parseServerAddress turns host[:port], tcp://, ssh://, ws:// or wss://
// addresses into a dialer
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, "")
		if err != nil {
			return nil, err
		}
		address := host
		if port != "" {
			address = net.JoinHostPort(host, port)
		}
		useTLS := scheme == "wss"
		return &dialConfig{
			display: fmt.Sprintf("%s://%s", scheme, address),
			dial: func() (net.Conn, error) {
				return DialWebSocket(address, useTLS)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}
		verifier := newHostKeyVerifier(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, net.JoinHostPort(host, port)),
			dial: func() (net.Conn, error) {
				return dialSSH(user, host, port, verifier)
			},
			warning: verifier.warning,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

// splitHostPortWithDefault splits hostPort, using defaultPort when it has none.
// An empty defaultPort leaves the port empty.
func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}

func defaultSSHUser() string {
	for _, env := range []string{"CHATTERBOX_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

// hostKeyVerifier checks SSH host keys against known_hosts and asks the
// user to trust unknown keys when running on a terminal
type hostKeyVerifier struct {
	host         string
	port         string
	paths        []string
	callbacks    []ssh.HostKeyCallback
	acceptedKeys map[string]ssh.PublicKey
	warning      string
	prompt       func(hostname, fingerprint string) (bool, error)
}

var errUserRejectedHostKey = errors.New("user rejected ssh host key")

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	paths := knownHostPaths()
	var callbacks []ssh.HostKeyCallback
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	warning := ""
	if len(callbacks) == 0 {
		warning = "no known_hosts file found; the server's SSH host key cannot be verified against a saved copy"
	}

	return &hostKeyVerifier{
		host:         host,
		port:         port,
		paths:        paths,
		callbacks:    callbacks,
		acceptedKeys: make(map[string]ssh.PublicKey),
		warning:      warning,
		prompt:       promptAcceptHostKey,
	}
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		return v.handleUnknownHostKey(hostname, key)
	}

	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			return v.handleUnknownHostKey(hostname, key)
		}
		expected := ssh.FingerprintSHA256(keyErr.Want[0].Key)
		return fmt.Errorf("ssh host key mismatch for %s: server presented %s but known_hosts expects %s", hostname, ssh.FingerprintSHA256(key), expected)
	}
	return lastErr
}

func (v *hostKeyVerifier) handleUnknownHostKey(hostname string, key ssh.PublicKey) error {
	if _, ok := v.acceptedKeys[hostname]; ok {
		return nil
	}

	fingerprint := ssh.FingerprintSHA256(key)
	if !isInteractive() {
		return fmt.Errorf("ssh host key %s for %s is not trusted and cannot be confirmed without a terminal; add it with `ssh-keyscan -p %s %s >> %s`", fingerprint, hostname, v.port, v.host, v.preferredKnownHostsPath())
	}

	accepted, err := v.prompt(hostname, fingerprint)
	if err != nil {
		return err
	}
	if !accepted {
		return errUserRejectedHostKey
	}

	v.acceptedKeys[hostname] = key
	return nil
}

func (v *hostKeyVerifier) preferredKnownHostsPath() string {
	if len(v.paths) > 0 {
		return v.paths[0]
	}
	return filepath.Join(userHomeDir(), ".ssh", "known_hosts")
}

// persistAccepted saves keys the user trusted during this connection
func (v *hostKeyVerifier) persistAccepted(serverVersion string) {
	for host, key := range v.acceptedKeys {
		if err := appendKnownHost(v.preferredKnownHostsPath(), host, serverVersion, key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save SSH host key for %s: %v\n", host, err)
		}
	}
	v.acceptedKeys = make(map[string]ssh.PublicKey)
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home := userHomeDir()
	if home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func promptAcceptHostKey(hostname, fingerprint string) (bool, error) {
	fmt.Printf("\nThe authenticity of host '%s' can't be established.\n", hostname)
	fmt.Printf("SSH key fingerprint is %s.\n", fingerprint)
	fmt.Print("Do you trust this host? (yes/no) [no]: ")

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "yes" || answer == "y", nil
}

func appendKnownHost(path, hostname, serverVersion string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{hostname}, key)
	_, err = fmt.Fprintf(f, "%s Chatterbox server banner=%s added=%s\n", line, serverVersion, time.Now().Format(time.RFC3339))
	return err
}

// dialSSH opens an anonymous session channel on a Chatterbox SSH listener
func dialSSH(user, host, port string, verifier *hostKeyVerifier) (net.Conn, error) {
	address := net.JoinHostPort(host, port)
	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		if errors.Is(err, errUserRejectedHostKey) {
			return nil, fmt.Errorf("connection aborted: rejected SSH host key for %s", address)
		}
		return nil, err
	}

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, chatterboxSSHBannerPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a Chatterbox server (banner prefix %q)", banner, chatterboxSSHBannerPrefix)
	}
	verifier.persistAccepted(banner)

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	if _, err := channel.SendRequest("shell", true, nil); err != nil {
		channel.Close()
		client.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

// sshClientConn adapts an SSH session channel to net.Conn
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshClientConn) CloseWrite() error           { return c.channel.CloseWrite() }
func (c *sshClientConn) LocalAddr() net.Addr         { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr        { return c.remoteAddr }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
