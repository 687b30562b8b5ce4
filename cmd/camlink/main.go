package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/camlink/media"
	"github.com/adwski/camlink/model"
	"github.com/adwski/camlink/orchestrator"
	"github.com/adwski/camlink/relay"
	relaymem "github.com/adwski/camlink/relay/memory"
	relayredis "github.com/adwski/camlink/relay/redis"
	relayws "github.com/adwski/camlink/relay/websocket"
)

const defaultCredentialTTL = time.Hour

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	_ = godotenv.Load()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		role         = fs.StringP("role", "r", "VIEWER", "peer role: PRODUCER or VIEWER")
		deviceID     = fs.StringP("device-id", "d", "", "shared device identifier")
		relayKind    = fs.StringP("relay", "k", "ws", "relay transport: ws, redis or memory")
		relayURL     = fs.StringP("relay-url", "u", "ws://localhost:8888", "websocket relay base url")
		redisAddr    = fs.StringP("redis-addr", "e", "localhost:6379", "redis relay address")
		iceConfigURL = fs.StringP("ice-config-url", "i", "", "http api base url for ice configuration")
		jwtSecret    = fs.StringP("jwt-secret", "s", os.Getenv("CAMLINK_JWT_SECRET"), "channel credential signing secret")
		streamKind   = fs.StringP("stream-kind", "m", string(model.StreamAudioVideo), "stream kind: audio or audio-video")
		logLevel     = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *deviceID == "" {
		logger.Fatal().Msg("device id is required")
	}
	if *jwtSecret == "" {
		logger.Fatal().Msg("jwt secret is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *relayKind == "memory" {
		// In-process loopback: both roles on one hub, no server needed.
		runLoopback(ctx, &logger, []byte(*jwtSecret), *deviceID, model.StreamKind(*streamKind))
		return
	}

	var channel relay.Channel
	switch *relayKind {
	case "ws":
		channel = relayws.NewChannel(relayws.Config{Logger: &logger, URL: *relayURL})
	case "redis":
		channel = relayredis.NewChannel(relayredis.Config{Logger: &logger, Addr: *redisAddr})
	default:
		logger.Fatal().Str("relay", *relayKind).Msg("unknown relay transport")
	}

	orc := newOrchestrator(&logger, channel, model.Role(*role), model.StreamKind(*streamKind), *iceConfigURL)
	cred, err := relay.MintCredential([]byte(*jwtSecret), *deviceID, model.Role(*role), defaultCredentialTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to mint channel credential")
	}

	if err = orc.Start(ctx, cred, *deviceID); err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	watch(ctx, &logger, orc)

	stCtx, stCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stCancel()
	_ = orc.Stop(stCtx)
}

func newOrchestrator(
	logger *zerolog.Logger,
	channel relay.Channel,
	role model.Role,
	kind model.StreamKind,
	iceConfigURL string,
) *orchestrator.Orchestrator {
	cfg := orchestrator.Config{
		Logger:       logger,
		Role:         role,
		Channel:      channel,
		StreamKind:   kind,
		ICEConfigURL: iceConfigURL,
		Reconnect:    relay.DefaultReconnectPolicy(),
	}
	if role == model.RoleProducer {
		cfg.Engine = newSyntheticEngine(logger)
		cfg.Camera = media.NewCameraState()
	} else {
		cfg.Renderer = &logRenderer{logger: logger}
	}
	return orchestrator.New(cfg)
}

func runLoopback(ctx context.Context, logger *zerolog.Logger, secret []byte, deviceID string, kind model.StreamKind) {
	hub := relaymem.NewHub()

	producer := newOrchestrator(logger, hub.NewChannel(logger), model.RoleProducer, kind, "")
	viewer := newOrchestrator(logger, hub.NewChannel(logger), model.RoleViewer, kind, "")

	prodCred, err := relay.MintCredential(secret, deviceID, model.RoleProducer, defaultCredentialTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to mint producer credential")
	}
	viewCred, err := relay.MintCredential(secret, deviceID, model.RoleViewer, defaultCredentialTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to mint viewer credential")
	}

	if err = producer.Start(ctx, prodCred, deviceID); err != nil {
		logger.Fatal().Err(err).Msg("failed to start producer")
	}
	if err = viewer.Start(ctx, viewCred, deviceID); err != nil {
		logger.Fatal().Err(err).Msg("failed to start viewer")
	}
	watch(ctx, logger, viewer)

	stCtx, stCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stCancel()
	_ = viewer.Stop(stCtx)
	_ = producer.Stop(stCtx)
}

func watch(ctx context.Context, logger *zerolog.Logger, orc *orchestrator.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			return
		case st := <-orc.States():
			logger.Info().Str("state", st.String()).Msg("session state changed")
		case conf := <-orc.Confirmations():
			logger.Info().
				Str("name", conf.Name).
				Str("status", string(conf.Status)).
				Str("detail", conf.Detail).
				Msg("command confirmed")
		}
	}
}
