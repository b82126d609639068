// Package sftp stores archives in a directory on a host reachable over SSH.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/storage"
	"github.com/lei/fletch-ci/pkg/logger"
)

const backend = "sftp"

// Store implements storage.Store over an SFTP session
type Store struct {
	client *sftp.Client
	conn   io.Closer
	root   string
	logger *logger.Logger
}

// Dial opens an SSH connection and starts an SFTP session on it
func Dial(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.SFTP.Addr == "" {
		return nil, fmt.Errorf("sftp addr is required")
	}

	auth, err := authMethods(cfg.SFTP)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg.SFTP, log)
	if err != nil {
		return nil, err
	}
	clientConfig := &ssh.ClientConfig{
		User:            cfg.SFTP.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.SFTP.Timeout,
	}

	dialer := &net.Dialer{Timeout: cfg.SFTP.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.SFTP.Addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, cfg.SFTP.Addr, clientConfig)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			err = fmt.Errorf("%w: %v", storage.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp session: %w", err)
	}

	s := NewWithClient(client, path.Join(cfg.SFTP.Dir, cfg.Bucket), log)
	s.conn = sshClient
	return s, nil
}

// NewWithClient wraps an existing SFTP client. Keys resolve under root.
func NewWithClient(client *sftp.Client, root string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{client: client, root: root, logger: log}
}

// Close ends the SFTP session and its SSH connection
func (s *Store) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		if closeErr := s.conn.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (s *Store) remotePath(key string) string {
	return path.Join(s.root, key)
}

// Upload implements storage.Store
func (s *Store) Upload(ctx context.Context, src, key string) error {
	remote := s.remotePath(key)
	s.logger.Info("uploading object", "url", storage.URL(backend, s.root, key))

	if err := s.client.MkdirAll(path.Dir(remote)); err != nil {
		return s.wrap("upload", key, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return s.wrap("upload", key, err)
	}
	defer in.Close()

	out, err := s.client.Create(remote)
	if err != nil {
		return s.wrap("upload", key, err)
	}
	if _, err := io.Copy(out, contextReader{ctx, in}); err != nil {
		out.Close()
		s.client.Remove(remote)
		return s.wrap("upload", key, err)
	}
	if err := out.Close(); err != nil {
		return s.wrap("upload", key, err)
	}
	return nil
}

// Download implements storage.Store
func (s *Store) Download(ctx context.Context, key, dst string) error {
	s.logger.Info("downloading object", "url", storage.URL(backend, s.root, key))

	in, err := s.client.Open(s.remotePath(key))
	if err != nil {
		return s.wrap("download", key, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return s.wrap("download", key, err)
	}
	if _, err := io.Copy(out, contextReader{ctx, in}); err != nil {
		out.Close()
		os.Remove(dst)
		return s.wrap("download", key, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return s.wrap("download", key, err)
	}
	return nil
}

// MakePublic makes the file world readable
func (s *Store) MakePublic(ctx context.Context, key string) error {
	if err := s.client.Chmod(s.remotePath(key), 0o644); err != nil {
		return s.wrap("make public", key, err)
	}
	return nil
}

// Exists implements storage.Store
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Stat(s.remotePath(key))
	if err == nil {
		return true, nil
	}
	err = s.wrap("exists", key, err)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) wrap(op, key string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		err = fmt.Errorf("%w: %v", storage.ErrObjectNotFound, err)
	case errors.Is(err, os.ErrPermission):
		err = fmt.Errorf("%w: %v", storage.ErrUnauthorized, err)
	}
	return &storage.StoreError{Op: op, Backend: backend, Key: key, Err: err}
}

func authMethods(cfg config.SFTPConfig) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh authentication method configured")
	}
	return methods, nil
}

func hostKeyCallback(cfg config.SFTPConfig, log *logger.Logger) (ssh.HostKeyCallback, error) {
	if cfg.KnownHosts == "" {
		log.Warn("sftp host key not verified, set storage.sftp.known_hosts")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
