package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of memory, file, nats, redis.
	Backend string

	// FileDir is the root directory of the file backend.
	FileDir string

	// Redis configures the redis backend.
	Redis RedisOptions
}

// Open creates the configured backend. js is only required for the nats
// backend; passing nil with any other backend is fine.
func Open(ctx context.Context, opts Options, js jetstream.JetStream, logger *slog.Logger) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemStore(), nil
	case BackendFile:
		if opts.FileDir == "" {
			return nil, fmt.Errorf("file backend requires store.file.dir")
		}
		return NewFileStore(opts.FileDir, logger)
	case BackendNATS:
		if js == nil {
			return nil, fmt.Errorf("nats backend requires a JetStream connection")
		}
		return NewNATSStore(ctx, js, logger)
	case BackendRedis:
		if opts.Redis.Addr == "" {
			return nil, fmt.Errorf("redis backend requires store.redis.addr")
		}
		return NewRedisStore(ctx, opts.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
