package prefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_Validation(t *testing.T) {
	tests := []struct {
		name      string
		storeType StoreType
		opts      []StoreOption
		wantErr   error
	}{
		{"unknown driver", StoreType("sqlite"), nil, ErrInvalidStoreType},
		{"file without paths", StoreTypeFile, nil, ErrInvalidConfig},
		{"redis without client", StoreTypeRedis, nil, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.storeType, tt.opts...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// exercise runs the shared contract against any driver
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.UserVoice(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	bot, err := s.BotVoice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, bot.SpeakerID, "default speaker before any choice")

	id, err := SpeakerFor(ctx, s, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	require.NoError(t, s.SetUserVoice(ctx, "u1", Voice{SpeakerID: 2, Name: "四国めたん / ノーマル"}))
	require.NoError(t, s.SetBotVoice(ctx, Voice{SpeakerID: 3, Name: "ずんだもん / ノーマル"}))

	v, ok, err := s.UserVoice(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v.SpeakerID)

	id, err = SpeakerFor(ctx, s, "u2")
	require.NoError(t, err)
	assert.Equal(t, 3, id)
}

func TestMemoryStore(t *testing.T) {
	s, err := NewStore(StoreTypeMemory, WithDefaultSpeaker(7))
	require.NoError(t, err)
	defer s.Close()
	exercise(t, s)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	users := filepath.Join(dir, "user_voices.json")
	bot := filepath.Join(dir, "bot_config.json")

	s, err := NewStore(StoreTypeFile, WithFiles(users, bot), WithDefaultSpeaker(7))
	require.NoError(t, err)
	exercise(t, s)
	require.NoError(t, s.Close())

	// reload from disk
	reloaded, err := NewStore(StoreTypeFile, WithFiles(users, bot), WithDefaultSpeaker(7))
	require.NoError(t, err)

	v, ok, err := reloaded.UserVoice(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "四国めたん / ノーマル", v.Name)

	b, err := reloaded.BotVoice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, b.SpeakerID)
}

func TestFileStore_ReadsExistingShapes(t *testing.T) {
	dir := t.TempDir()
	users := filepath.Join(dir, "user_voices.json")
	bot := filepath.Join(dir, "bot_config.json")
	require.NoError(t, os.WriteFile(users, []byte(`{"123": {"speaker_id": 8, "name": "春日部つむぎ / ノーマル"}}`), 0o644))
	require.NoError(t, os.WriteFile(bot, []byte(`{"speaker_id": 1, "name": "ずんだもん / あまあま"}`), 0o644))

	s, err := NewStore(StoreTypeFile, WithFiles(users, bot))
	require.NoError(t, err)

	id, err := SpeakerFor(context.Background(), s, "123")
	require.NoError(t, err)
	assert.Equal(t, 8, id)

	b, err := s.BotVoice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ずんだもん / あまあま", b.Name)
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	users := filepath.Join(dir, "user_voices.json")
	require.NoError(t, os.WriteFile(users, []byte(`{not json`), 0o644))

	_, err := NewStore(StoreTypeFile, WithFiles(users, filepath.Join(dir, "bot.json")))
	assert.Error(t, err)
}

// TestRedisStore requires a running Redis at REDIS_ADDR
func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "mochigami-test:" + t.Name() + ":"
	t.Cleanup(func() {
		c := redis.NewClient(&redis.Options{Addr: addr})
		defer c.Close()
		keys, _ := c.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			c.Del(context.Background(), keys...)
		}
	})

	s, err := NewStore(StoreTypeRedis, WithRedisClient(client), WithKeyPrefix(prefix), WithDefaultSpeaker(7))
	require.NoError(t, err)
	defer s.Close()
	exercise(t, s)
}
