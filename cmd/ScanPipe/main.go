package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/api"
	"github.com/BTreeMap/ScanPipe/internal/conversation"
	"github.com/BTreeMap/ScanPipe/internal/flow"
	"github.com/BTreeMap/ScanPipe/internal/genai"
	"github.com/BTreeMap/ScanPipe/internal/lockfile"
	"github.com/BTreeMap/ScanPipe/internal/messaging"
	"github.com/BTreeMap/ScanPipe/internal/metrics"
	"github.com/BTreeMap/ScanPipe/internal/store"
	"github.com/BTreeMap/ScanPipe/internal/twiliosms"
	"github.com/BTreeMap/ScanPipe/internal/util"
	"github.com/BTreeMap/ScanPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ScanPipe state data
	DefaultStateDir = "/var/lib/scanpipe"
	// DefaultAppDBFileName is the default SQLite conversation database filename
	DefaultAppDBFileName = "scanpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	ProviderTwilio   = "twilio"
	ProviderWhatsApp = "whatsapp"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ScanPipe", "provider", *flags.provider, "genai", *flags.genaiProvider)
	if err := run(ctx, flags); err != nil {
		slog.Error("ScanPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ScanPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	RedisURL           string
	WhatsAppDSN        string
	APIAddr            string
	MessagingProvider  string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	ValidateSignatures bool
	WebhookPublicURL   string
	GenAIProvider      string
	OpenAIKey          string
	AnthropicKey       string
	GenAIModel         string
	GenAITimeout       time.Duration
	ProviderName       string
	ScanType           string
	LeadDays           int
	ConversationTTL    time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir           *string
	dbDSN              *string
	redisURL           *string
	waDSN              *string
	qrOutput           *string
	numeric            *bool
	apiAddr            *string
	provider           *string
	twilioSID          *string
	twilioToken        *string
	twilioFrom         *string
	validateSignatures *bool
	webhookURL         *string
	genaiProvider      *string
	openaiKey          *string
	anthropicKey       *string
	genaiModel         *string
	genaiTimeout       *time.Duration
	providerName       *string
	scanType           *string
	leadDays           *int
	conversationTTL    *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:           util.GetEnv("SCANPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:        util.GetEnv("DATABASE_URL", ""),
		RedisURL:           util.GetEnv("REDIS_URL", ""),
		WhatsAppDSN:        util.GetEnv("WHATSAPP_DB_DSN", ""),
		APIAddr:            util.GetEnv("API_ADDR", api.DefaultAddr),
		MessagingProvider:  strings.ToLower(util.GetEnv("MESSAGING_PROVIDER", ProviderTwilio)),
		TwilioAccountSID:   util.GetEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    util.GetEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:   util.GetEnv("TWILIO_FROM_NUMBER", ""),
		ValidateSignatures: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURES", false),
		WebhookPublicURL:   util.GetEnv("WEBHOOK_PUBLIC_URL", ""),
		GenAIProvider:      strings.ToLower(util.GetEnv("GENAI_PROVIDER", genai.ProviderOpenAI)),
		OpenAIKey:          util.GetEnv("OPENAI_API_KEY", ""),
		AnthropicKey:       util.GetEnv("ANTHROPIC_API_KEY", ""),
		GenAIModel:         util.GetEnv("GENAI_MODEL", ""),
		GenAITimeout:       util.ParseDurationEnv("GENAI_TIMEOUT", genai.DefaultTimeout),
		ProviderName:       util.GetEnv("PROVIDER_NAME", flow.DefaultProviderName),
		ScanType:           util.GetEnv("SCAN_TYPE", flow.DefaultScanType),
		LeadDays:           util.ParseIntEnv("REMINDER_LEAD_DAYS", flow.DefaultLeadDays),
		ConversationTTL:    util.ParseDurationEnv("CONVERSATION_TTL", 0),
	}

	slog.Debug("environment variables loaded",
		"SCANPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_PROVIDER", config.MessagingProvider,
		"TWILIO_VALIDATE_SIGNATURES", config.ValidateSignatures,
		"GENAI_PROVIDER", config.GenAIProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ANTHROPIC_API_KEY_SET", config.AnthropicKey != "",
		"SCAN_TYPE", config.ScanType,
		"REMINDER_LEAD_DAYS", config.LeadDays)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:           fs.String("state-dir", config.StateDir, "state directory for ScanPipe data (overrides $SCANPIPE_STATE_DIR)"),
		dbDSN:              fs.String("db-dsn", config.DatabaseURL, "conversation store DSN, SQLite path or Postgres URL; defaults to SQLite in the state dir (overrides $DATABASE_URL)"),
		redisURL:           fs.String("redis-url", config.RedisURL, "Redis URL; when set conversations live in Redis and locks are shared (overrides $REDIS_URL)"),
		waDSN:              fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:           fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:            fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		apiAddr:            fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		provider:           fs.String("provider", config.MessagingProvider, "messaging provider: twilio or whatsapp (overrides $MESSAGING_PROVIDER)"),
		twilioSID:          fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:        fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:         fs.String("twilio-from", config.TwilioFromNumber, "Twilio sending number (overrides $TWILIO_FROM_NUMBER)"),
		validateSignatures: fs.Bool("validate-signatures", config.ValidateSignatures, "verify X-Twilio-Signature on inbound webhooks (overrides $TWILIO_VALIDATE_SIGNATURES)"),
		webhookURL:         fs.String("webhook-public-url", config.WebhookPublicURL, "public URL of /webhook/twilio used for signature checks (overrides $WEBHOOK_PUBLIC_URL)"),
		genaiProvider:      fs.String("genai-provider", config.GenAIProvider, "classifier backend: openai or anthropic (overrides $GENAI_PROVIDER)"),
		openaiKey:          fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		anthropicKey:       fs.String("anthropic-api-key", config.AnthropicKey, "Anthropic API key (overrides $ANTHROPIC_API_KEY)"),
		genaiModel:         fs.String("genai-model", config.GenAIModel, "classifier model (overrides $GENAI_MODEL)"),
		genaiTimeout:       fs.Duration("genai-timeout", config.GenAITimeout, "per-call classifier timeout (overrides $GENAI_TIMEOUT)"),
		providerName:       fs.String("provider-name", config.ProviderName, "clinician named in the reminder (overrides $PROVIDER_NAME)"),
		scanType:           fs.String("scan-type", config.ScanType, "scan named in the reminder (overrides $SCAN_TYPE)"),
		leadDays:           fs.Int("lead-days", config.LeadDays, "days before the visit stated in the reminder (overrides $REMINDER_LEAD_DAYS)"),
		conversationTTL:    fs.Duration("conversation-ttl", config.ConversationTTL, "Redis expiry for idle conversations, 0 keeps them (overrides $CONVERSATION_TTL)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Default file-backed stores live in the (possibly overridden) state directory.
	if *flags.dbDSN == "" && *flags.redisURL == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}
	if *flags.waDSN == "" {
		*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisURL_set", *flags.redisURL != "",
		"apiAddr", *flags.apiAddr,
		"provider", *flags.provider,
		"validateSignatures", *flags.validateSignatures,
		"genaiProvider", *flags.genaiProvider)

	return flags, nil
}

// usesLocalState reports whether any configured database is a file in the state directory.
func usesLocalState(flags Flags) bool {
	if *flags.redisURL == "" && store.DetectDSNType(*flags.dbDSN) == store.DSNTypeSQLite {
		return true
	}
	return *flags.provider == ProviderWhatsApp && store.DetectDSNType(*flags.waDSN) == store.DSNTypeSQLite
}

// buildStoreOptions constructs store configuration options. Redis wins over a SQL DSN.
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	switch {
	case *flags.redisURL != "":
		slog.Debug("Configuring Redis store", "ttl", *flags.conversationTTL)
		storeOpts = append(storeOpts, store.WithRedisURL(*flags.redisURL), store.WithTTL(*flags.conversationTTL))
	case store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	case *flags.dbDSN != "":
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	default:
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	genaiOpts := []genai.Option{genai.WithProvider(*flags.genaiProvider), genai.WithTimeout(*flags.genaiTimeout)}
	key := *flags.openaiKey
	if *flags.genaiProvider == genai.ProviderAnthropic {
		key = *flags.anthropicKey
	}
	if key != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(key))
	}
	if *flags.genaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.genaiModel))
	}
	return genaiOpts
}

// buildTwilioOptions constructs Twilio client options; unset values fall back to the environment.
func buildTwilioOptions(flags Flags) []twiliosms.Option {
	var opts []twiliosms.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliosms.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliosms.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliosms.WithFromNumber(*flags.twilioFrom))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildScript fills the reminder wording from configuration.
func buildScript(flags Flags) flow.Script {
	return flow.Script{
		ProviderName: *flags.providerName,
		ScanType:     *flags.scanType,
		LeadDays:     *flags.leadDays,
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.webhookURL != "" {
		apiOpts = append(apiOpts, api.WithPublicWebhookURL(*flags.webhookURL))
	}
	if *flags.validateSignatures && *flags.provider == ProviderTwilio {
		token := *flags.twilioToken
		if token == "" {
			slog.Warn("Signature validation requested without a Twilio auth token; every webhook will be rejected")
		}
		apiOpts = append(apiOpts, api.WithSignatureValidator(twiliosms.NewSignatureValidator(token)))
	}
	return apiOpts
}

// buildMessagingService connects the configured provider.
func buildMessagingService(ctx context.Context, flags Flags) (messaging.Service, error) {
	switch *flags.provider {
	case ProviderTwilio:
		client, err := twiliosms.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case ProviderWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown messaging provider %q", *flags.provider)
	}
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) (err error) {
	if usesLocalState(flags) {
		lock, lockErr := lockfile.Acquire(*flags.stateDir)
		if lockErr != nil {
			return lockErr
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", closeErr))
		}
	}()

	classifier, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}

	msgService, err := buildMessagingService(ctx, flags)
	if err != nil {
		return err
	}
	defer msgService.Stop()

	dialogueMetrics := metrics.NewDialogueMetrics(nil)
	orchOpts := []conversation.Option{
		conversation.WithScript(buildScript(flags)),
		conversation.WithMetrics(dialogueMetrics),
		conversation.WithDedup(st),
	}
	if rs, ok := st.(*store.RedisStore); ok {
		slog.Debug("Using Redis locks so replicas serialize per patient")
		orchOpts = append(orchOpts, conversation.WithLocker(conversation.NewRedisLocker(rs.Client(), 0, 0)))
	}
	orch := conversation.NewOrchestrator(st, classifier, msgService, orchOpts...)

	server := api.NewServer(orch, buildAPIOptions(flags)...)
	if wa, ok := msgService.(*messaging.WhatsAppService); ok {
		wa.SetInboundHandler(server.HandleInboundEvent)
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("start messaging: %w", err)
	}

	return server.Run(ctx)
}
