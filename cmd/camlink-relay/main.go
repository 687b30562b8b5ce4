package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/camlink/relayserver/hub"
	httpServer "github.com/adwski/camlink/relayserver/server/http"
	websocketServer "github.com/adwski/camlink/relayserver/server/websocket"
	"github.com/adwski/camlink/relayserver/service"
	store "github.com/adwski/camlink/relayserver/storage/memory"
	"github.com/adwski/camlink/session/icecfg"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	_ = godotenv.Load()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		jwtSecret     = fs.StringP("jwt-secret", "s", os.Getenv("CAMLINK_JWT_SECRET"), "channel credential signing secret")
		stunServers   = fs.StringP("stun-servers", "t", "stun:stun.l.google.com:19302", "comma separated stun/turn urls served via ice-config")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *jwtSecret == "" {
		logger.Fatal().Msg("jwt secret is required")
	}

	svc := service.NewService(service.Config{
		ChannelStore: store.NewMemStore(),
		Hub:          hub.NewHub(&logger),
		Logger:       &logger,
		Secret:       []byte(*jwtSecret),
		ICEServers: []icecfg.ICEServer{
			{URLs: strings.Split(*stunServers, ",")},
		},
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
