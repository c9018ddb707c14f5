package lock

import "github.com/redis/go-redis/v9"

// DefaultBackends returns the production order: the Redis lock when client
// is non-nil, then the lock directory. Without Redis the native backend is
// kept but reports ErrNotConfigured, so every request falls through.
func DefaultBackends(client redis.UniversalClient, file FileConfig) ([]Backend, error) {
	var native NativeLocker
	if client != nil {
		native = NewRedisLocker(client, DefaultRedisPrefix)
	}
	fileBackend, err := NewFileBackend(file)
	if err != nil {
		return nil, err
	}
	return []Backend{NewNativeBackend(native), fileBackend}, nil
}
