package prefs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps one JSON value per user under <prefix>user:<id> and the
// bot voice under <prefix>bot, without expiry.
type redisStore struct {
	client redis.UniversalClient
	prefix string
	def    Voice
}

func (s *redisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *redisStore) botKey() string {
	return s.prefix + "bot"
}

func (s *redisStore) get(ctx context.Context, key string) (Voice, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Voice{}, false, nil
	}
	if err != nil {
		return Voice{}, false, err
	}
	var v Voice
	if err := json.Unmarshal(val, &v); err != nil {
		return Voice{}, false, err
	}
	return v, true, nil
}

func (s *redisStore) set(ctx context.Context, key string, v Voice) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, val, 0).Err()
}

func (s *redisStore) UserVoice(ctx context.Context, userID string) (Voice, bool, error) {
	return s.get(ctx, s.userKey(userID))
}

func (s *redisStore) SetUserVoice(ctx context.Context, userID string, v Voice) error {
	return s.set(ctx, s.userKey(userID), v)
}

func (s *redisStore) BotVoice(ctx context.Context) (Voice, error) {
	v, ok, err := s.get(ctx, s.botKey())
	if err != nil {
		return s.def, err
	}
	if !ok {
		return s.def, nil
	}
	return v, nil
}

func (s *redisStore) SetBotVoice(ctx context.Context, v Voice) error {
	return s.set(ctx, s.botKey(), v)
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
