package rulestate

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend persists the serialized ledger document. Load returns nil when
// nothing has been stored yet.
type Backend interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

type backendLocker interface {
	Lock() (func(), error)
}

type backendCloser interface {
	Close() error
}

func CloseBackend(b Backend) error {
	if closer, ok := b.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

func lockBackend(b Backend) (func(), error) {
	if locker, ok := b.(backendLocker); ok {
		return locker.Lock()
	}
	return func() {}, nil
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() ([]byte, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileBackend) Save(data []byte) error {
	if b == nil || b.Path == "" {
		return nil
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

// Lock takes an advisory lock on a sibling ".lock" file so separate tsctl
// processes sharing a state root do not interleave ledger writes.
func (b *JSONFileBackend) Lock() (func(), error) {
	if b == nil || b.Path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return nil, err
	}
	return lockFile(b.Path + ".lock")
}

type InMemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

func (b *InMemoryBackend) Save(data []byte) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	return nil
}

type BackendFactory func(dsn string) (Backend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	factory, ok := backendRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN resolves a ledger backend. A bare path is treated as a
// JSON file.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty ledger dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" {
		path = strings.TrimSpace(parsed.Host) + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
