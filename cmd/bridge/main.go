package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/remote-serial-bridge/bridge/api/handlers"
	"github.com/remote-serial-bridge/bridge/internal/bridge"
	"github.com/remote-serial-bridge/bridge/internal/capture"
	"github.com/remote-serial-bridge/bridge/internal/channel"
	"github.com/remote-serial-bridge/bridge/internal/cloud"
	"github.com/remote-serial-bridge/bridge/internal/config"
	"github.com/remote-serial-bridge/bridge/internal/db"
	"github.com/remote-serial-bridge/bridge/internal/model"
	"github.com/remote-serial-bridge/bridge/internal/repository"
)

const usage = `Usage:
  bridge connect --session <id> [flags]   relay a support session
  bridge direct --device <id> [flags]     talk to an online device

Flags:
      --session string      support session ID (connect)
      --device string       device UUID or serial number (direct)
      --port int            local TCP port for the serial server (default 4000)
      --relay-url string    relay base URL (or SUPABASE_URL)
      --anon-key string     relay API key (or SUPABASE_ANON_KEY)
      --email string        login email (or SUPABASE_ADMIN_EMAIL)
      --password string     login password (or SUPABASE_ADMIN_PASSWORD)
      --token string        pre-existing access token, skips login
      --config string       optional TOML config file
      --history-db string   optional SQLite session history database
      --capture string      optional traffic capture file (JSON lines)
      --status-port int     optional local status HTTP port (0 = disabled)
  -v, --verbose             debug logging
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var mode model.Mode
	switch os.Args[1] {
	case "connect":
		mode = model.ModeSessionRelay
	case "direct":
		mode = model.ModeDirectDevice
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	flags := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	sessionID := flags.String("session", "", "support session ID")
	deviceID := flags.String("device", "", "device UUID or serial number")
	port := flags.Int("port", config.DefaultPort, "local TCP port")
	relayURL := flags.String("relay-url", "", "relay base URL")
	anonKey := flags.String("anon-key", "", "relay API key")
	email := flags.String("email", "", "login email")
	password := flags.String("password", "", "login password")
	token := flags.String("token", "", "pre-existing access token")
	configFile := flags.String("config", "", "TOML config file")
	historyDB := flags.String("history-db", "", "SQLite session history database")
	capturePath := flags.String("capture", "", "traffic capture file")
	statusPort := flags.Int("status-port", 0, "local status HTTP port")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	flags.Parse(os.Args[2:])

	cfg := config.Default()
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()
	cfg.Mode = mode
	cfg.SessionID = *sessionID
	cfg.DeviceID = *deviceID
	overlayFlag(flags, "port", func() { cfg.Port = *port })
	overlayFlag(flags, "relay-url", func() { cfg.RelayURL = *relayURL })
	overlayFlag(flags, "anon-key", func() { cfg.AnonKey = *anonKey })
	overlayFlag(flags, "email", func() { cfg.Email = *email })
	overlayFlag(flags, "password", func() { cfg.Password = *password })
	overlayFlag(flags, "token", func() { cfg.Token = *token })
	overlayFlag(flags, "history-db", func() { cfg.HistoryDB = *historyDB })
	overlayFlag(flags, "capture", func() { cfg.Capture = *capturePath })
	overlayFlag(flags, "status-port", func() { cfg.StatusPort = *statusPort })
	overlayFlag(flags, "verbose", func() { cfg.Verbose = *verbose })

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n%s", err, usage)
		os.Exit(1)
	}

	log := newLogger(cfg.Verbose)

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("bridge failed")
		os.Exit(1)
	}
}

func overlayFlag(flags *flag.FlagSet, name string, apply func()) {
	if flags.Changed(name) {
		apply()
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	platform := cloud.NewClient(cfg.RelayURL, cfg.AnonKey, log)

	token := cfg.Token
	if token == "" {
		var err error
		token, err = platform.Authenticate(ctx, cfg.Email, cfg.Password)
		if err != nil {
			return err
		}
		log.Info().Msg("authenticated")
	}

	bridgeCfg := bridge.Config{
		Port:   cfg.Port,
		Mode:   cfg.Mode,
		Logger: log,
	}

	var topic string
	switch cfg.Mode {
	case model.ModeSessionRelay:
		topic = "realtime:support:" + cfg.SessionID
		bridgeCfg.SessionID = cfg.SessionID
	case model.ModeDirectDevice:
		deviceUUID, ownerUUID, err := platform.LookupDevice(ctx, cfg.DeviceID)
		if err != nil {
			return err
		}
		log.Info().Str("device", deviceUUID).Str("owner", ownerUUID).Msg("device resolved")
		topic = "realtime:user:" + ownerUUID
		bridgeCfg.DeviceUUID = deviceUUID
		bridgeCfg.OwnerUUID = ownerUUID
	}

	var history *repository.SessionRepository
	if cfg.HistoryDB != "" {
		database, err := db.InitDB(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer db.CloseDB()
		history = repository.NewSessionRepository(database)
		bridgeCfg.History = history
	}

	if cfg.Capture != "" {
		recorder, err := capture.NewRecorder(cfg.Capture, string(cfg.Mode), topic)
		if err != nil {
			return err
		}
		defer recorder.Close()
		bridgeCfg.Capture = recorder
	}

	client := channel.NewClient(cfg.RelayURL, cfg.AnonKey, token, topic, log)
	defer client.Close()

	b := bridge.New(bridgeCfg, client)

	if cfg.StatusPort > 0 {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		var lister handlers.SessionLister
		if history != nil {
			lister = history
		}
		handlers.NewStatusHandler(b, lister).RegisterRoutes(router)
		go func() {
			addr := fmt.Sprintf("localhost:%d", cfg.StatusPort)
			log.Info().Str("addr", addr).Msg("status server listening")
			if err := router.Run(addr); err != nil {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("topic", topic).
		Int("port", cfg.Port).
		Msg("starting bridge")

	return b.Run(ctx)
}
