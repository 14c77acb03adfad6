package store

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Options selects and configures a store backend.
type Options struct {
	Backend      string
	ValkeyAddr   string
	ValkeyPrefix string
	PostgresDSN  string
}

// Open builds the configured backend and checks that it is reachable.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendValkey:
		clientOpts, err := ValkeyOptions(opts.ValkeyAddr)
		if err != nil {
			return nil, err
		}
		client, err := valkey.NewClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("valkey connect: %w", err)
		}
		s := NewValkeyStore(client, opts.ValkeyPrefix)
		if err := s.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("valkey ping: %w", err)
		}
		return s, nil
	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		return OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
