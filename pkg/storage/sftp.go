package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig configures the SFTP artifact store used by self-hosted deploys
// that have no S3-compatible endpoint.
type SFTPConfig struct {
	Addr       string `mapstructure:"addr"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	Root       string `mapstructure:"root"`
}

// SFTPStore persists objects on a remote host over SFTP.
type SFTPStore struct {
	conn   *ssh.Client
	client *sftp.Client
	root   string
}

func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" || strings.TrimSpace(cfg.Username) == "" {
		return nil, errors.New("sftp config: addr and username are required")
	}
	auth, err := sftpAuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	root := cfg.Root
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	return &SFTPStore{conn: conn, client: client, root: root}, nil
}

func sftpAuthMethods(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(cfg.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, errors.New("sftp config: password or private key is required")
	}
	return methods, nil
}

func (s *SFTPStore) Close() error {
	if err := s.client.Close(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

func (s *SFTPStore) path(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.root, clean), nil
}

func (s *SFTPStore) EnsurePrefix(ctx context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	return s.client.MkdirAll(p)
}

func (s *SFTPStore) WriteBytes(ctx context.Context, key string, data []byte) (WriteResult, error) {
	p, err := s.path(key)
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.client.MkdirAll(path.Dir(p)); err != nil {
		return WriteResult{}, fmt.Errorf("mkdir %s: %w", path.Dir(p), err)
	}
	f, err := s.client.Create(p)
	if err != nil {
		return WriteResult{}, fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return WriteResult{}, fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Size: int64(len(data)), Checksum: Checksum(data)}, nil
}

func (s *SFTPStore) ReadBytes(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := s.client.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *SFTPStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SFTPStore) List(ctx context.Context, prefix string) ([]string, error) {
	p, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	walker := s.client.Walk(p)
	var keys []string
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(walker.Path(), s.root+"/")
		keys = append(keys, rel)
	}
	return keys, nil
}

func (s *SFTPStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := s.client.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", p, err)
	}
	clean, _ := cleanKey(key)
	return ObjectInfo{Key: clean, Size: info.Size(), ModTime: info.ModTime()}, nil
}
