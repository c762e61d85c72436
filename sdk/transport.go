package sdk

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"time"
)

// unixTransport routes every request to the daemon's unix socket.
func unixTransport(socketPath string) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "unix", socketPath)
			if err != nil {
				return nil, fmt.Errorf("dial unix %s: %w", socketPath, err)
			}
			return conn, nil
		},
	}
}

// sshTransport tunnels every request through "runwayd dial-stdio" on the
// remote host. Keep-alives are off so each ssh process lives exactly as
// long as the request it carries.
func sshTransport(target string, cfg dialConfig) *http.Transport {
	return &http.Transport{
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return startSSH(ctx, target, cfg)
		},
	}
}

func startSSH(ctx context.Context, target string, cfg dialConfig) (net.Conn, error) {
	args := []string{target}
	if cfg.sshPort != 0 {
		args = append(args, "-p", strconv.Itoa(cfg.sshPort))
	}

	remoteCmd := "runwayd dial-stdio"
	if cfg.remoteSocketPath != "" {
		remoteCmd += " --socket " + cfg.remoteSocketPath
	}
	args = append(args, remoteCmd)

	cmd := exec.CommandContext(ctx, "ssh", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ssh: %w", err)
	}

	return &sshConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// sshConn wraps an SSH subprocess's stdin/stdout as a net.Conn. Closing
// the pipes ends the remote dial-stdio session, which lets ssh exit.
type sshConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *sshConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *sshConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *sshConn) Close() error {
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	return c.cmd.Wait()
}

func (c *sshConn) LocalAddr() net.Addr                { return sshAddr{} }
func (c *sshConn) RemoteAddr() net.Addr               { return sshAddr{} }
func (c *sshConn) SetDeadline(_ time.Time) error      { return nil }
func (c *sshConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *sshConn) SetWriteDeadline(_ time.Time) error { return nil }

type sshAddr struct{}

func (sshAddr) Network() string { return "ssh" }
func (sshAddr) String() string  { return "ssh" }
