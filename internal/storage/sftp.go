package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTP stores objects on a remote host over SFTP, rooted at Base.
type SFTP struct {
	client *sftp.Client
	conn   *ssh.Client
	Base   string
}

func NewSFTP(host string, port int, username, password, privateKeyPath, base string, connectTimeout time.Duration) (*SFTP, error) {
	var auth []ssh.AuthMethod
	if privateKeyPath != "" {
		key, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp requires a password or a private key")
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
	conn, err := ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), cfg)
	if err != nil {
		return nil, fmt.Errorf("sftp dial %s: %w", host, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return &SFTP{client: client, conn: conn, Base: base}, nil
}

func (s *SFTP) Close() error {
	if err := s.client.Close(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

func (s *SFTP) remote(key string) string {
	return path.Join(s.Base, key)
}

func (s *SFTP) Put(ctx context.Context, key string, reader io.Reader, _ int64, _ map[string]string) error {
	select {
	case <-ctx.Done():
		return asTimeout(ctx.Err())
	default:
	}
	target := s.remote(key)
	if err := s.client.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	file, err := s.client.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		return asTimeout(err)
	}
	return nil
}

func (s *SFTP) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, asTimeout(ctx.Err())
	default:
	}
	return s.client.Open(s.remote(key))
}

func (s *SFTP) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return ObjectInfo{}, asTimeout(ctx.Err())
	default:
	}
	info, err := s.client.Stat(s.remote(key))
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, Size: info.Size(), Modified: info.ModTime()}, nil
}

func (s *SFTP) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root := s.remote(prefix)
	infos := []ObjectInfo{}
	walker := s.client.Walk(root)
	for walker.Step() {
		select {
		case <-ctx.Done():
			return nil, asTimeout(ctx.Err())
		default:
		}
		if walker.Err() != nil {
			continue
		}
		info := walker.Stat()
		if info.IsDir() {
			continue
		}
		rel, err := relKey(s.Base, walker.Path())
		if err != nil {
			continue
		}
		infos = append(infos, ObjectInfo{Key: rel, Size: info.Size(), Modified: info.ModTime()})
	}
	return infos, nil
}

func (s *SFTP) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return asTimeout(ctx.Err())
	default:
	}
	return s.client.Remove(s.remote(key))
}

func (s *SFTP) Exists(ctx context.Context, key string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, asTimeout(ctx.Err())
	default:
	}
	_, err := s.client.Stat(s.remote(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Publish claims dst with an exclusive create, then renames the payload onto
// the claim. Of two racing writers exactly one wins the O_EXCL open; the
// loser gets ErrAlreadyExists.
func (s *SFTP) Publish(ctx context.Context, src, dst string) error {
	select {
	case <-ctx.Done():
		return asTimeout(ctx.Err())
	default:
	}
	dstPath := s.remote(dst)
	if err := s.client.MkdirAll(path.Dir(dstPath)); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	claim, err := s.client.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		// Servers report an O_EXCL conflict as a generic failure; a stat
		// tells the cases apart.
		if exists, serr := s.Exists(ctx, dst); serr == nil && exists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, dst)
		}
		return err
	}
	if err := claim.Close(); err != nil {
		return err
	}

	if err := s.client.PosixRename(s.remote(src), dstPath); err != nil {
		_ = s.client.Remove(dstPath)
		return s.client.Rename(s.remote(src), dstPath)
	}
	return nil
}

func relKey(base, full string) (string, error) {
	base = path.Clean(base)
	full = path.Clean(full)
	if base == "." || base == "/" {
		return full, nil
	}
	if full == base {
		return "", fmt.Errorf("path equals base")
	}
	if len(full) > len(base) && full[:len(base)] == base && full[len(base)] == '/' {
		return full[len(base)+1:], nil
	}
	return "", fmt.Errorf("path %s is outside base %s", full, base)
}
