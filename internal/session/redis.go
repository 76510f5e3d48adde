package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix     = "stamprally:session:"
	redisChangeChannel = "stamprally:session:changes"
)

// RedisStore хранит токены в Redis и рассылает изменения через pub/sub.
// Несколько киосков одного заведения разделяют одну сессию: вход и выход
// в любом из них виден остальным.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore создаёт хранилище поверх Redis по указанному адресу.
func NewRedisStore(addr string, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// Ping проверяет доступность Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get возвращает значение ключа, пустую строку для отсутствующего.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Set сохраняет значение и публикует изменение для остальных процессов.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return s.publish(ctx, Change{Key: key, Value: value})
}

// Clear удаляет ключ и публикует изменение для остальных процессов.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return s.publish(ctx, Change{Key: key})
}

func (s *RedisStore) publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := s.client.Publish(ctx, redisChangeChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Watch подписывается на изменения сессии во всех процессах. При обрыве
// соединения подписка восстанавливается с нарастающей задержкой. Канал
// закрывается при отмене контекста.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Change, error) {
	out := make(chan Change, 16)

	go func() {
		defer close(out)
		for {
			err := s.consume(ctx, out)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("session watch interrupted, reconnecting", zap.Error(err))

			backoff := retry.WithCappedDuration(10*time.Second, retry.NewFibonacci(500*time.Millisecond))
			err = retry.Do(ctx, backoff, func(ctx context.Context) error {
				if err := s.client.Ping(ctx).Err(); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				return
			}
		}
	}()

	return out, nil
}

func (s *RedisStore) consume(ctx context.Context, out chan<- Change) error {
	pubsub := s.client.Subscribe(ctx, redisChangeChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}

		var change Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			s.logger.Warn("malformed session change", zap.Error(err))
			continue
		}

		select {
		case out <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
