package wmsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/zalando/go-keyring"
)

// durable string key-value storage for the session identity
type Storage interface {
	// ok is false when the key is not set
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key string, value string) error
	// deleting a key that is not set is not an error
	Delete(ctx context.Context, key string) error
}

// process lifetime only
type MemoryStorage struct {
	stateLock sync.Mutex
	values    map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[string]string{},
	}
}

func (self *MemoryStorage) Get(ctx context.Context, key string) (string, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.values[key]
	return value, ok, nil
}

func (self *MemoryStorage) Set(ctx context.Context, key string, value string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.values[key] = value
	return nil
}

func (self *MemoryStorage) Delete(ctx context.Context, key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.values, key)
	return nil
}

// the os keyring, one service per installation
// keyring calls do not take a context
type KeyringStorage struct {
	service string
}

func NewKeyringStorage(service string) *KeyringStorage {
	return &KeyringStorage{
		service: service,
	}
}

func (self *KeyringStorage) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := keyring.Get(self.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "keyring get %s", key)
	}
	return value, true, nil
}

func (self *KeyringStorage) Set(ctx context.Context, key string, value string) error {
	if err := keyring.Set(self.service, key, value); err != nil {
		return errors.Wrapf(err, "keyring set %s", key)
	}
	return nil
}

func (self *KeyringStorage) Delete(ctx context.Context, key string) error {
	err := keyring.Delete(self.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return errors.Wrapf(err, "keyring delete %s", key)
	}
	return nil
}

type RedisStorageSettings struct {
	Addr     string
	Password string
	Db       int
	// prepended to every key
	KeyPrefix string
	// 0 means keys do not expire
	Expiration  time.Duration
	DialTimeout time.Duration
}

func DefaultRedisStorageSettings() *RedisStorageSettings {
	return &RedisStorageSettings{
		Addr:        "localhost:6379",
		KeyPrefix:   "wmsync:",
		DialTimeout: 5 * time.Second,
	}
}

// shares one identity between processes that use the same redis
type RedisStorage struct {
	client   *redis.Client
	settings *RedisStorageSettings
}

func NewRedisStorage(ctx context.Context, settings *RedisStorageSettings) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        settings.Addr,
		Password:    settings.Password,
		DB:          settings.Db,
		DialTimeout: settings.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", settings.Addr)
	}
	return &RedisStorage{
		client:   client,
		settings: settings,
	}, nil
}

func (self *RedisStorage) key(key string) string {
	return self.settings.KeyPrefix + key
}

func (self *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := self.client.Get(ctx, self.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis get %s", key)
	}
	return value, true, nil
}

func (self *RedisStorage) Set(ctx context.Context, key string, value string) error {
	if err := self.client.Set(ctx, self.key(key), value, self.settings.Expiration).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (self *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := self.client.Del(ctx, self.key(key)).Err(); err != nil {
		return errors.Wrapf(err, "redis delete %s", key)
	}
	return nil
}

func (self *RedisStorage) Close() error {
	return self.client.Close()
}
