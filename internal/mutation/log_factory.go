package mutation

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type LogFactory func(dsn string) (Log, error)

var logFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LogFactory
}{
	factories: map[string]LogFactory{},
}

// RegisterLogFactory lets callers plug an additional backend in under a DSN
// scheme. Registered factories take precedence over the built-in ones.
func RegisterLogFactory(scheme string, factory LogFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	logFactoryRegistry.mu.Lock()
	defer logFactoryRegistry.mu.Unlock()
	logFactoryRegistry.factories[scheme] = factory
}

func lookupLogFactory(scheme string) (LogFactory, bool) {
	scheme = normalizeScheme(scheme)
	logFactoryRegistry.mu.RLock()
	defer logFactoryRegistry.mu.RUnlock()
	factory, ok := logFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildLogFromDSN opens the Log a DSN names. Options apply to the built-in
// backends that use them.
func BuildLogFromDSN(dsn string, opts ...LogOption) (Log, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLog(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupLogFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLog(path, opts...)
	case "memory", "mem", "inmem":
		return NewMemoryLog(), nil
	case "sqlite", "sqlite3":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteLog(path)
	case "postgres", "postgresql":
		return NewPostgresLog(dsn)
	case "redis", "rediss", "indexeddb":
		return nil, fmt.Errorf("%w: queue log backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue log scheme: %s", scheme)
	}
}

// DSNPath extracts a filesystem path from a file-like DSN. A bare path with
// no scheme is returned unchanged.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
