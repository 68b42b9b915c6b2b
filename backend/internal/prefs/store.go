package prefs

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Voice is a chosen VOICEVOX style
type Voice struct {
	SpeakerID int    `json:"speaker_id"`
	Name      string `json:"name"`
}

// Store persists which voice each user and the bot speak with
type Store interface {
	// UserVoice returns the user's voice; ok is false when none was chosen
	UserVoice(ctx context.Context, userID string) (v Voice, ok bool, err error)
	SetUserVoice(ctx context.Context, userID string, v Voice) error
	// BotVoice returns the bot's voice, falling back to the configured default
	BotVoice(ctx context.Context) (Voice, error)
	SetBotVoice(ctx context.Context, v Voice) error
	Close() error
}

// StoreType selects a Store driver
type StoreType string

const (
	StoreTypeFile   StoreType = "file"
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

var (
	ErrInvalidStoreType = errors.New("prefs: invalid store type")
	ErrInvalidConfig    = errors.New("prefs: invalid store configuration")
)

type storeConfig struct {
	userVoicesFile   string
	botConfigFile    string
	defaultSpeakerID int
	redisClient      redis.UniversalClient
	keyPrefix        string
}

// StoreOption configures NewStore
type StoreOption func(*storeConfig)

// WithFiles sets the JSON files used by the file driver
func WithFiles(userVoicesFile, botConfigFile string) StoreOption {
	return func(c *storeConfig) {
		c.userVoicesFile = userVoicesFile
		c.botConfigFile = botConfigFile
	}
}

// WithDefaultSpeaker sets the bot voice used until one is chosen
func WithDefaultSpeaker(id int) StoreOption {
	return func(c *storeConfig) {
		c.defaultSpeakerID = id
	}
}

// WithRedisClient sets the client used by the redis driver
func WithRedisClient(client redis.UniversalClient) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithKeyPrefix overrides the redis key prefix
func WithKeyPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.keyPrefix = prefix
	}
}

// NewStore creates a Store of the given type. The file driver requires
// WithFiles and the redis driver requires WithRedisClient.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{defaultSpeakerID: 3, keyPrefix: "mochigami:voice:"}
	for _, opt := range opts {
		opt(cfg)
	}
	def := Voice{SpeakerID: cfg.defaultSpeakerID}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(def), nil

	case StoreTypeFile:
		if cfg.userVoicesFile == "" || cfg.botConfigFile == "" {
			return nil, ErrInvalidConfig
		}
		return newFileStore(cfg.userVoicesFile, cfg.botConfigFile, def)

	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return &redisStore{client: cfg.redisClient, prefix: cfg.keyPrefix, def: def}, nil

	default:
		return nil, ErrInvalidStoreType
	}
}

// SpeakerFor returns the user's chosen speaker, or the bot's when the user
// has none.
func SpeakerFor(ctx context.Context, s Store, userID string) (int, error) {
	if v, ok, err := s.UserVoice(ctx, userID); err != nil {
		return 0, err
	} else if ok {
		return v.SpeakerID, nil
	}
	bot, err := s.BotVoice(ctx)
	if err != nil {
		return 0, err
	}
	return bot.SpeakerID, nil
}
