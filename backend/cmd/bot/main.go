package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mochigami/backend/internal/adapter"
	"mochigami/backend/internal/audio"
	"mochigami/backend/internal/capture"
	"mochigami/backend/internal/chores"
	"mochigami/backend/internal/discord"
	"mochigami/backend/internal/httpapi"
	"mochigami/backend/internal/monitor"
	"mochigami/backend/internal/music"
	"mochigami/backend/internal/playback"
	"mochigami/backend/internal/prefs"
	"mochigami/backend/internal/question"
	"mochigami/backend/internal/reaction"
	"mochigami/backend/internal/session"
	"mochigami/backend/internal/status"
	"mochigami/backend/internal/voice"
	"mochigami/backend/pkg/config"
	"mochigami/backend/pkg/logger"
)

// Required intents:
// - IntentsGuilds: channels and guild state
// - IntentsGuildMessages + IntentsMessageContent: text triggers and read-aloud
// - IntentsGuildVoiceStates: voice connections and member tracking
// - IntentsGuildMembers: display names for greetings
const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMembers

func main() {
	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}
	if err := logger.Init(env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting mochigami...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.DiscordBotToken == "" {
		log.Fatal("DISCORD_BOT_TOKEN is required")
	}

	store, err := newPrefsStore(cfg)
	if err != nil {
		log.Fatal("Failed to open voice preferences", zap.String("driver", cfg.PrefsDriver), zap.Error(err))
	}
	defer store.Close()

	dg, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		log.Fatal("Failed to create Discord session", zap.Error(err))
	}
	dg.Identify.Intents = intents
	log.Info("Discord bot intents configured",
		zap.Bool("guilds", (dg.Identify.Intents&discordgo.IntentsGuilds) != 0),
		zap.Bool("guild_messages", (dg.Identify.Intents&discordgo.IntentsGuildMessages) != 0),
		zap.Bool("message_content", (dg.Identify.Intents&discordgo.IntentsMessageContent) != 0),
		zap.Bool("guild_voice_states", (dg.Identify.Intents&discordgo.IntentsGuildVoiceStates) != 0),
		zap.Bool("guild_members", (dg.Identify.Intents&discordgo.IntentsGuildMembers) != 0),
	)

	// Adapters
	llm := adapter.NewLLMAdapter(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.STTBaseURL, cfg.STTAPIKey, cfg.STTModel)
	voicevox := adapter.NewVoicevoxClient(cfg.VoicevoxURL)
	converter := audio.NewConverter(cfg.FfmpegPath)

	// Sessions and the components that act on them
	registry := session.NewRegistry(audio.BufferConfig{
		Window:       cfg.BufferWindow,
		GapThreshold: cfg.GapThreshold,
		SilenceBurst: cfg.SilenceBurst,
		Format:       audio.DiscordFormat,
	}, 0)
	captureCtl := capture.NewController(log)
	pipeline := reaction.NewPipeline(llm, llm, voicevox, dg, store, log)
	player := music.NewPlayer(music.NewYtdlp(cfg.YtdlpPath), converter, log)
	listener := question.NewListener(captureCtl, llm, llm, pipeline, question.DefaultConfig(), log)

	teardown := func(st *session.State) {
		if _, ok := registry.Remove(st.GuildID); !ok {
			return
		}
		player.Forget(st.GuildID)
		if err := st.Close(); err != nil {
			log.Warn("Failed to close session", zap.String("guild_id", st.GuildID), zap.Error(err))
		}
	}
	scheduler := chores.NewScheduler(registry, llm, pipeline, chores.DefaultConfig(), log, chores.WithLeave(teardown))

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.SilentThreshold = cfg.SilentThreshold
	monitorCfg.Cooldown = cfg.Cooldown
	monitorCfg.RestartAfter = cfg.RestartAfter
	statusWriter := status.NewWriter(cfg.StatusFile, monitorCfg.Interval)
	mon := monitor.NewMonitor(registry, captureCtl, pipeline, monitorCfg, log,
		monitor.WithChannelCheck(func(channelID string) bool {
			if _, err := dg.State.Channel(channelID); err == nil {
				return true
			}
			_, err := dg.Channel(channelID)
			return err == nil
		}),
		monitor.WithTickHook(func(now time.Time) {
			if err := statusWriter.Mark(now); err != nil {
				log.Warn("Failed to write status file", zap.String("path", cfg.StatusFile), zap.Error(err))
			}
		}),
	)
	dispatcher := playback.NewDispatcher(registry, 0, log)

	handler := discord.NewHandler(discord.Deps{
		Registry:  registry,
		LLM:       llm,
		Speech:    pipeline,
		Voices:    voicevox,
		Prefs:     store,
		Capture:   captureCtl,
		Music:     player,
		Questions: listener,
		Chores:    scheduler,
		Join: func(guildID, channelID string) (session.Transport, error) {
			conn, err := voice.Join(dg, guildID, channelID, converter, log)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Leave: teardown,
	}, log)
	handler.Register(dg)

	router := httpapi.NewRouter(registry, statusWriter, mon, log)
	server := httpapi.NewServer(net.JoinHostPort("", cfg.HTTPPort), router, log)

	if err := dg.Open(); err != nil {
		log.Fatal("Failed to open Discord connection", zap.Error(err))
	}
	log.Info("Discord bot is running. Press CTRL-C to exit.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return scheduler.RunMonologue(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error("Background task failed", zap.Error(err))
	}

	log.Info("Shutting down mochigami...")
	if err := statusWriter.Shutdown(time.Now()); err != nil {
		log.Warn("Failed to write final status", zap.Error(err))
	}
	if err := registry.CloseAll(); err != nil {
		log.Warn("Failed to close sessions", zap.Error(err))
	}
	if err := dg.Close(); err != nil {
		log.Warn("Failed to close Discord connection", zap.Error(err))
	}
}

// newPrefsStore opens the voice preference store selected by PREFS_DRIVER
func newPrefsStore(cfg *config.Config) (prefs.Store, error) {
	opts := []prefs.StoreOption{prefs.WithDefaultSpeaker(cfg.DefaultSpeakerID)}
	switch prefs.StoreType(cfg.PrefsDriver) {
	case prefs.StoreTypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts = append(opts, prefs.WithRedisClient(client))
	case prefs.StoreTypeFile:
		opts = append(opts, prefs.WithFiles(cfg.UserVoicesFile, cfg.BotConfigFile))
	}
	return prefs.NewStore(prefs.StoreType(cfg.PrefsDriver), opts...)
}
