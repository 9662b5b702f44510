// Package provider abstracts configuration sources for sentryscan.
//
// Providers load raw configuration bytes from a source (local file,
// Consul KV, etcd, ZooKeeper) and optionally watch that source for
// changes. Exactly one provider backs a given Loader.
package provider

import "context"

// Type identifies the config source kind.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// ParseType converts a string into a Type. Empty defaults to file.
func ParseType(s string) (Type, error) {
	switch s {
	case "file", "":
		return TypeFile, nil
	case "consul":
		return TypeConsul, nil
	case "etcd":
		return TypeEtcd, nil
	case "zookeeper", "zk":
		return TypeZookeeper, nil
	default:
		return "", &UnknownTypeError{Type: s}
	}
}

// UnknownTypeError reports an unrecognized provider type string.
type UnknownTypeError struct{ Type string }

func (e *UnknownTypeError) Error() string { return "config: unknown provider type: " + e.Type }

// Provider abstracts a configuration source. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Type reports the provider kind for logging/diagnostics.
	Type() Type

	// Load reads the raw configuration bytes from the source.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives a value whenever the source
	// changes. Returns a nil channel if the backend does not support
	// watching. Cancel ctx to stop watching.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases resources held by the provider (connections, watchers).
	Close() error
}

// Options configures provider construction.
type Options struct {
	Type      Type
	Path      string
	Endpoints []string
}

// New builds a Provider from Options.
func New(opts Options) (Provider, error) {
	switch opts.Type {
	case TypeFile, "":
		return NewFileProvider(opts.Path)
	case TypeConsul:
		return NewConsulProvider(opts.Endpoints, opts.Path)
	case TypeEtcd:
		return NewEtcdProvider(opts.Endpoints, opts.Path)
	case TypeZookeeper:
		return NewZookeeperProvider(opts.Endpoints, opts.Path)
	default:
		return nil, &UnknownTypeError{Type: string(opts.Type)}
	}
}
