package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/workspacemrqz/crmportilho-sub001/internal/buffer"
	"github.com/workspacemrqz/crmportilho-sub001/internal/genai"
	"github.com/workspacemrqz/crmportilho-sub001/internal/handoff"
	"github.com/workspacemrqz/crmportilho-sub001/internal/router"
	"github.com/workspacemrqz/crmportilho-sub001/internal/scheduler"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
	"github.com/workspacemrqz/crmportilho-sub001/internal/util"
	"github.com/workspacemrqz/crmportilho-sub001/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for engine state data
	DefaultStateDir = "/var/lib/crmportilho"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "crmportilho.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAMQPExchange is the topic exchange domain events are published to
	DefaultAMQPExchange = "crm.events"
)

// Messaging transports.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportMock     = "mock"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	// Initialize structured logger
	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping crmportilho with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"transport", *flags.transport,
		"redis", *flags.redisURL != "",
		"amqp", *flags.amqpURL != "")
	if err := run(ctx, flags); err != nil {
		slog.Error("crmportilho failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("crmportilho exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel          string
	StateDir          string
	DatabaseURL       string
	WhatsAppDSN       string
	Transport         string
	APIAddr           string
	FlowFile          string
	OpenAIKey         string
	OpenAIModel       string
	OpenAIBaseURL     string
	GenAIDebug        bool
	RedisURL          string
	AMQPURL           string
	AMQPExchange      string
	HandoffKeywords   string
	HandoffCategories string
	HandoffMessage    string
	FollowupSweep     string
	BufferDefault     time.Duration
	BufferFirst       time.Duration
	BufferMaxWait     time.Duration
	AITimeout         time.Duration
}

// Flags holds command line flag values
type Flags struct {
	logLevel          *string
	qrOutput          *string
	numeric           *bool
	stateDir          *string
	dbDSN             *string
	whatsappDSN       *string
	transport         *string
	apiAddr           *string
	flowFile          *string
	openaiKey         *string
	openaiModel       *string
	openaiBaseURL     *string
	genaiDebug        *bool
	redisURL          *string
	amqpURL           *string
	amqpExchange      *string
	handoffKeywords   *string
	handoffCategories *string
	handoffMessage    *string
	followupSweep     *string
	bufferDefault     *time.Duration
	bufferFirst       *time.Duration
	bufferMaxWait     *time.Duration
	aiTimeout         *time.Duration
}

// initializeLogger sets up structured logging; debug unless level says otherwise
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil || level == "" {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:          os.Getenv("LOG_LEVEL"),
		StateDir:          os.Getenv("CRM_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		Transport:         os.Getenv("MESSAGING_TRANSPORT"),
		APIAddr:           os.Getenv("API_ADDR"),
		FlowFile:          os.Getenv("FLOW_FILE"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		GenAIDebug:        util.ParseBoolEnv("GENAI_DEBUG", false),
		RedisURL:          os.Getenv("REDIS_URL"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		AMQPExchange:      os.Getenv("AMQP_EXCHANGE"),
		HandoffKeywords:   os.Getenv("HANDOFF_KEYWORDS"),
		HandoffCategories: os.Getenv("HANDOFF_CATEGORIES"),
		HandoffMessage:    os.Getenv("HANDOFF_MESSAGE"),
		FollowupSweep:     os.Getenv("FOLLOWUP_SWEEP"),
		BufferDefault:     util.ParseSecondsEnv("BUFFER_DEFAULT_SECONDS", buffer.DefaultWindow),
		BufferFirst:       util.ParseSecondsEnv("BUFFER_FIRST_MESSAGE_SECONDS", buffer.DefaultFirstMessageWindow),
		BufferMaxWait:     util.ParseSecondsEnv("BUFFER_MAX_WAIT_SECONDS", buffer.DefaultMaxWait),
		AITimeout:         util.ParseSecondsEnv("AI_TIMEOUT_SECONDS", router.DefaultTimeout),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CRM_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsApp
		if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
			config.Transport = TransportTwilio
		}
	}
	if config.AMQPExchange == "" {
		config.AMQPExchange = DefaultAMQPExchange
	}
	if config.FollowupSweep == "" {
		config.FollowupSweep = scheduler.DefaultSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"CRM_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"MESSAGING_TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"FLOW_FILE", config.FlowFile,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"AMQP_URL_SET", config.AMQPURL != "",
		"FOLLOWUP_SWEEP", config.FollowupSweep)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		logLevel:          fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
		qrOutput:          fs.String("qr-output", "", "path to write login QR code"),
		numeric:           fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for engine data (overrides $CRM_STATE_DIR)"),
		dbDSN:             fs.String("db-dsn", config.DatabaseURL, "engine database DSN, SQLite under the state dir when empty (overrides $DATABASE_URL)"),
		whatsappDSN:       fs.String("whatsapp-dsn", config.WhatsAppDSN, "whatsmeow device store DSN, derived from the engine DSN when empty (overrides $WHATSAPP_DB_DSN)"),
		transport:         fs.String("transport", config.Transport, "messaging transport: whatsapp, twilio or mock (overrides $MESSAGING_TRANSPORT)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		flowFile:          fs.String("flow-file", config.FlowFile, "YAML or JSON flow definition to seed at startup (overrides $FLOW_FILE)"),
		openaiKey:         fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:       fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)"),
		openaiBaseURL:     fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI compatible base URL (overrides $OPENAI_BASE_URL)"),
		genaiDebug:        fs.Bool("genai-debug", config.GenAIDebug, "write LLM requests and responses under the state dir (overrides $GENAI_DEBUG)"),
		redisURL:          fs.String("redis-url", config.RedisURL, "Redis URL for distributed conversation locks (overrides $REDIS_URL)"),
		amqpURL:           fs.String("amqp-url", config.AMQPURL, "RabbitMQ URL for domain events (overrides $AMQP_URL)"),
		amqpExchange:      fs.String("amqp-exchange", config.AMQPExchange, "RabbitMQ exchange for domain events (overrides $AMQP_EXCHANGE)"),
		handoffKeywords:   fs.String("handoff-keywords", config.HandoffKeywords, "comma separated hand-off keywords (overrides $HANDOFF_KEYWORDS)"),
		handoffCategories: fs.String("handoff-categories", config.HandoffCategories, "comma separated step categories that require a human (overrides $HANDOFF_CATEGORIES)"),
		handoffMessage:    fs.String("handoff-message", config.HandoffMessage, "message sent to the lead on hand-off (overrides $HANDOFF_MESSAGE)"),
		followupSweep:     fs.String("followup-sweep", config.FollowupSweep, "follow-up sweep schedule (overrides $FOLLOWUP_SWEEP)"),
		bufferDefault:     fs.Duration("buffer-window", config.BufferDefault, "default buffer window (overrides $BUFFER_DEFAULT_SECONDS)"),
		bufferFirst:       fs.Duration("buffer-first-window", config.BufferFirst, "first message buffer window (overrides $BUFFER_FIRST_MESSAGE_SECONDS)"),
		bufferMaxWait:     fs.Duration("buffer-max-wait", config.BufferMaxWait, "longest a burst can keep extending its window (overrides $BUFFER_MAX_WAIT_SECONDS)"),
		aiTimeout:         fs.Duration("ai-timeout", config.AITimeout, "AI routing call timeout (overrides $AI_TIMEOUT_SECONDS)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}
	if *flags.whatsappDSN == "" {
		if usesSQLite(flags) {
			*flags.whatsappDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		} else {
			*flags.whatsappDSN = *flags.dbDSN
		}
	}
	*flags.transport = strings.ToLower(strings.TrimSpace(*flags.transport))

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"apiAddr", *flags.apiAddr,
		"flowFile", *flags.flowFile,
		"openaiKeySet", *flags.openaiKey != "",
		"bufferWindow", *flags.bufferDefault,
		"aiTimeout", *flags.aiTimeout)

	return flags
}

// usesSQLite reports whether the engine store is file backed.
func usesSQLite(flags Flags) bool {
	return store.DetectDSNType(*flags.dbDSN) != "postgres"
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	if usesSQLite(flags) {
		dir := filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:"))
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if usesSQLite(flags) {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
		return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
	return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.openaiBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.genaiDebug {
		opts = append(opts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return opts
}

// buildHandoffOptions constructs hand-off controller options
func buildHandoffOptions(flags Flags) []handoff.Option {
	var opts []handoff.Option
	if kw := util.SplitList(*flags.handoffKeywords); len(kw) > 0 {
		opts = append(opts, handoff.WithKeywords(kw))
	}
	if cats := util.SplitList(*flags.handoffCategories); len(cats) > 0 {
		opts = append(opts, handoff.WithCategories(cats))
	}
	if msg := strings.TrimSpace(*flags.handoffMessage); msg != "" {
		opts = append(opts, handoff.WithMessage(msg))
	}
	return opts
}

// buildBufferOptions constructs buffer window options
func buildBufferOptions(flags Flags) []buffer.Option {
	return []buffer.Option{
		buffer.WithWindow(*flags.bufferDefault),
		buffer.WithFirstMessageWindow(*flags.bufferFirst),
		buffer.WithMaxWait(*flags.bufferMaxWait),
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var opts []whatsapp.Option
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return opts
}
