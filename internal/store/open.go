package store

import "fmt"

// Config selects and configures a backend.
type Config struct {
	Backend    Backend
	Dir        string
	SQLitePath string
	RedisURL   string
}

// Open creates the Store named by cfg.Backend.
func Open(cfg Config, opts Options) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		s, err := NewFileStore(cfg.Dir, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(cfg.SQLitePath, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := NewRedisStore(cfg.RedisURL, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
}
