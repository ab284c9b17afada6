package flow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// CredentialStore keeps per-node secrets outside the flow file.
// Get returns an empty map for a node without credentials.
type CredentialStore interface {
	Get(ctx context.Context, nodeID string) (map[string]string, error)
	Set(ctx context.Context, nodeID string, creds map[string]string) error
	Delete(ctx context.Context, nodeID string) error
}

// OpenStore returns the store cfg selects. The returned close func releases
// connections and is never nil.
func OpenStore(ctx context.Context, cfg CredentialsConfig) (CredentialStore, func() error, error) {
	switch cfg.Store {
	case "", "file":
		path := cfg.Path
		if path == "" {
			path = "credentials.yaml"
		}
		return NewFileStore(path), func() error { return nil }, nil
	case "redis":
		client, err := ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, func() error { return nil }, err
		}
		return NewRedisStore(client, cfg.Prefix), client.Close, nil
	default:
		return nil, func() error { return nil }, fmt.Errorf("flow: unknown credential store %q", cfg.Store)
	}
}

// FileStore keeps credentials in a YAML file readable only by its owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on the
// first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flow: read credentials: %w", err)
	}
	all := map[string]map[string]string{}
	if err := yaml.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("flow: parse credentials %s: %w", s.path, err)
	}
	return all, nil
}

func (s *FileStore) write(all map[string]map[string]string) error {
	data, err := yaml.Marshal(all)
	if err != nil {
		return fmt.Errorf("flow: encode credentials: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("flow: write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("flow: write credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("flow: write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flow: write credentials: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) Get(_ context.Context, nodeID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return nil, err
	}
	return expandCreds(all[nodeID]), nil
}

func (s *FileStore) Set(_ context.Context, nodeID string, creds map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	all[nodeID] = maps.Clone(creds)
	return s.write(all)
}

func (s *FileStore) Delete(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := all[nodeID]; !ok {
		return nil
	}
	delete(all, nodeID)
	return s.write(all)
}

// RedisStore keeps each node's credentials in one hash, <prefix><nodeID>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix defaults to
// "pttflow:credentials:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pttflow:credentials:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// ConnectRedis builds a client from a redis:// URL or host:port and pings it.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("flow: redis ping: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(nodeID string) string { return s.prefix + nodeID }

func (s *RedisStore) Get(ctx context.Context, nodeID string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, s.key(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("flow: redis get credentials %s: %w", nodeID, err)
	}
	return expandCreds(vals), nil
}

// Set replaces the node's credentials atomically.
func (s *RedisStore) Set(ctx context.Context, nodeID string, creds map[string]string) error {
	key := s.key(nodeID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(creds) > 0 {
			fields := make(map[string]any, len(creds))
			for k, v := range creds {
				fields[k] = v
			}
			p.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flow: redis set credentials %s: %w", nodeID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, nodeID string) error {
	if err := s.client.Del(ctx, s.key(nodeID)).Err(); err != nil {
		return fmt.Errorf("flow: redis delete credentials %s: %w", nodeID, err)
	}
	return nil
}

// MemoryStore is an in-process store, mainly for embedding and tests.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]map[string]string
}

// NewMemoryStore returns a store preloaded with creds.
func NewMemoryStore(creds map[string]map[string]string) *MemoryStore {
	s := &MemoryStore{creds: make(map[string]map[string]string, len(creds))}
	for id, c := range creds {
		s.creds[id] = maps.Clone(c)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, nodeID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expandCreds(s.creds[nodeID]), nil
}

func (s *MemoryStore) Set(_ context.Context, nodeID string, creds map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[nodeID] = maps.Clone(creds)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, nodeID)
	return nil
}

func expandCreds(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = ExpandEnv(v)
	}
	return out
}
