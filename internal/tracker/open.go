package tracker

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendHTTP     = "http"
	BackendBolt     = "bolt"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and configures a tracker backend.
type Options struct {
	Backend   string   `yaml:"backend"`
	URL       string   `yaml:"url,omitempty"`
	Endpoints []string `yaml:"endpoints,omitempty"`
	DSN       string   `yaml:"dsn,omitempty"`
	Path      string   `yaml:"path,omitempty"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the Tracker described by opts. The returned Closer releases
// any store it opened.
func Open(ctx context.Context, opts Options, log *zap.Logger) (Tracker, io.Closer, error) {
	store, err := OpenStore(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return NewClient(opts.URL, nil), nopCloser{}, nil
	}
	return NewLocal(store, log), store, nil
}

// OpenStore opens the Store for opts. The http backend has no local store
// and yields (nil, nil).
func OpenStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendHTTP, "":
		if opts.URL == "" {
			return nil, fmt.Errorf("tracker: http backend needs a url")
		}
		return nil, nil
	case BackendBolt:
		if opts.Path == "" {
			return nil, fmt.Errorf("tracker: bolt backend needs a path")
		}
		return OpenBolt(opts.Path)
	case BackendEtcd:
		if len(opts.Endpoints) == 0 {
			return nil, fmt.Errorf("tracker: etcd backend needs endpoints")
		}
		return OpenEtcd(opts.Endpoints)
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("tracker: postgres backend needs a dsn")
		}
		return OpenPostgres(ctx, opts.DSN)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("tracker: unknown backend %q", opts.Backend)
	}
}
