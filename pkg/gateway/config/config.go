package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/codec"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/session"
	"github.com/vani-protocol/vani-gateway/pkg/gateway/live/sessions"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// Capability names accepted by VANI_CAPABILITIES. They match the negotiation wire names.
const (
	CapCodeSwitch      = "code_switch_detection"
	CapDialectRouting  = "dialect_routing"
	CapActionExecution = "action_execution"
	CapBargeIn         = "barge_in"
	CapTransliteration = "transliteration_output"
	CapStreamingTTS    = "streaming_tts"
	CapDiarization     = "speaker_diarization"
)

const defaultCapabilities = "code_switch_detection,dialect_routing,action_execution,barge_in,transliteration_output,streaming_tts"

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MaxBodyBytes int64

	CatalogFile string
	AuditDBPath string // empty => anomalies are only logged
	LogLevel    string
	LogFormat   string

	// Negotiation
	SupportedProfiles []types.AudioProfile
	Capabilities      types.Capabilities
	DefaultResidency  types.DataResidency
	DefaultScript     types.ScriptPreference
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	MaxSessions       int

	// Live WebSocket mode (/v1/live).
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveHandshakeTimeout       time.Duration
	LiveOutboundQueueSize      int

	// Turn taking
	VADOnsetConfidence float64
	BargeInConfidence  float64
	TrailingSilence    time.Duration
	EnergyFloor        float64
	EnergyCeil         float64
	CorruptChunkLimit  int
	MaxHeldChunks      int
	DialectContinuous  bool
	SystemPrompt       string

	// Backend and action deadlines
	STTFinalTimeout time.Duration
	LLMTimeout      time.Duration
	TTSTimeout      time.Duration
	ActionTimeout   time.Duration
	MaxToolRounds   int
	MaxHistoryTurns int

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxConcurrentSessions int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
	ProbeInterval       time.Duration
	AuditFlushInterval  time.Duration
	AuditBufferSize     int

	// Backend HTTP client defaults
	BackendConnectTimeout        time.Duration
	BackendResponseHeaderTimeout time.Duration
}

// LoadDotEnv loads path into the process environment without overriding variables that are
// already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                         envOr("VANI_ADDR", ":8080"),
		AuthMode:                     AuthMode(envOr("VANI_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                      make(map[string]struct{}),
		TrustProxyHeaders:            envBoolOr("VANI_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:           make(map[string]struct{}),
		MaxBodyBytes:                 envInt64Or("VANI_MAX_BODY_BYTES", 64<<10),
		CatalogFile:                  envOr("VANI_CATALOG_FILE", "configs/catalog.yaml"),
		AuditDBPath:                  envOr("VANI_AUDIT_DB", ""),
		LogLevel:                     strings.ToLower(envOr("VANI_LOG_LEVEL", "info")),
		LogFormat:                    strings.ToLower(envOr("VANI_LOG_FORMAT", "text")),
		DefaultResidency:             types.DataResidency(strings.ToUpper(envOr("VANI_DEFAULT_RESIDENCY", string(types.ResidencyIndiaOnly)))),
		DefaultScript:                types.ScriptPreference(strings.ToUpper(envOr("VANI_DEFAULT_SCRIPT", string(types.ScriptNative)))),
		IdleTimeout:                  envDurationOr("VANI_SESSION_IDLE_TIMEOUT", 2*time.Minute),
		ReapInterval:                 envDurationOr("VANI_SESSION_REAP_INTERVAL", 10*time.Second),
		MaxSessions:                  envIntOr("VANI_MAX_SESSIONS", 0),
		LiveMaxAudioFrameBytes:       envIntOr("VANI_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:      envInt64Or("VANI_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:              envIntOr("VANI_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond:   envInt64Or("VANI_LIVE_MAX_AUDIO_BPS", 64*1024),
		LiveInboundBurstSeconds:      envIntOr("VANI_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:           envDurationOr("VANI_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:           envDurationOr("VANI_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:            envDurationOr("VANI_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:         envDurationOr("VANI_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveOutboundQueueSize:        envIntOr("VANI_LIVE_OUTBOUND_QUEUE_SIZE", 256),
		VADOnsetConfidence:           envFloat64Or("VANI_VAD_ONSET_CONFIDENCE", 0.5),
		BargeInConfidence:            envFloat64Or("VANI_BARGE_IN_CONFIDENCE", 0.6),
		TrailingSilence:              envDurationOr("VANI_VAD_TRAILING_SILENCE", 700*time.Millisecond),
		EnergyFloor:                  envFloat64Or("VANI_VAD_ENERGY_FLOOR", 0.01),
		EnergyCeil:                   envFloat64Or("VANI_VAD_ENERGY_CEIL", 0.06),
		CorruptChunkLimit:            envIntOr("VANI_CORRUPT_CHUNK_LIMIT", 3),
		MaxHeldChunks:                envIntOr("VANI_MAX_HELD_CHUNKS", 500),
		DialectContinuous:            envBoolOr("VANI_DIALECT_CONTINUOUS", false),
		SystemPrompt:                 envOr("VANI_SYSTEM_PROMPT", ""),
		STTFinalTimeout:              envDurationOr("VANI_STT_FINAL_TIMEOUT", 3*time.Second),
		LLMTimeout:                   envDurationOr("VANI_LLM_TIMEOUT", 15*time.Second),
		TTSTimeout:                   envDurationOr("VANI_TTS_TIMEOUT", 30*time.Second),
		ActionTimeout:                envDurationOr("VANI_ACTION_TIMEOUT", 5*time.Second),
		MaxToolRounds:                envIntOr("VANI_MAX_TOOL_ROUNDS", 3),
		MaxHistoryTurns:              envIntOr("VANI_MAX_HISTORY_TURNS", 10),
		LimitRPS:                     envFloat64Or("VANI_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                   envIntOr("VANI_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests:   envIntOr("VANI_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxConcurrentSessions:   envIntOr("VANI_MAX_SESSIONS_PER_PRINCIPAL", 4),
		ReadHeaderTimeout:            envDurationOr("VANI_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                  envDurationOr("VANI_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:               envDurationOr("VANI_HANDLER_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:          envDurationOr("VANI_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		ProbeInterval:                envDurationOr("VANI_PROBE_INTERVAL", 30*time.Second),
		AuditFlushInterval:           envDurationOr("VANI_AUDIT_FLUSH_INTERVAL", time.Second),
		AuditBufferSize:              envIntOr("VANI_AUDIT_BUFFER_SIZE", 1024),
		BackendConnectTimeout:        envDurationOr("VANI_BACKEND_CONNECT_TIMEOUT", 5*time.Second),
		BackendResponseHeaderTimeout: envDurationOr("VANI_BACKEND_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VANI_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VANI_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("VANI_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	codecs := splitCSV(envOr("VANI_SUPPORTED_CODECS", "PCM_16K_16,OPUS_16K,AMR_NB_8K"))
	cfg.SupportedProfiles = codec.ParseSupported(codecs)
	if len(cfg.SupportedProfiles) != len(codecs) {
		return Config{}, fmt.Errorf("VANI_SUPPORTED_CODECS must list distinct codecs from PCM_16K_16|OPUS_16K|AMR_NB_8K")
	}

	caps, err := parseCapabilities(envOr("VANI_CAPABILITIES", defaultCapabilities))
	if err != nil {
		return Config{}, fmt.Errorf("VANI_CAPABILITIES: %w", err)
	}
	cfg.Capabilities = caps

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VANI_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("VANI_LOG_FORMAT must be one of text|json")
	}
	if !cfg.DefaultResidency.Valid() {
		return Config{}, fmt.Errorf("VANI_DEFAULT_RESIDENCY must be one of INDIA_ONLY|ANY|ON_PREM")
	}
	if !cfg.DefaultScript.Valid() {
		return Config{}, fmt.Errorf("VANI_DEFAULT_SCRIPT must be one of NATIVE|ROMAN|BOTH")
	}
	if strings.TrimSpace(cfg.CatalogFile) == "" {
		return Config{}, fmt.Errorf("VANI_CATALOG_FILE must not be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VANI_MAX_BODY_BYTES must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.ReapInterval <= 0 {
		return Config{}, fmt.Errorf("VANI_SESSION_REAP_INTERVAL must be > 0")
	}
	if cfg.MaxSessions < 0 {
		return Config{}, fmt.Errorf("VANI_MAX_SESSIONS must be >= 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VANI_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VANI_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.VADOnsetConfidence <= 0 || cfg.VADOnsetConfidence > 1 {
		return Config{}, fmt.Errorf("VANI_VAD_ONSET_CONFIDENCE must be in (0,1]")
	}
	if cfg.BargeInConfidence <= 0 || cfg.BargeInConfidence > 1 {
		return Config{}, fmt.Errorf("VANI_BARGE_IN_CONFIDENCE must be in (0,1]")
	}
	if cfg.TrailingSilence <= 0 {
		return Config{}, fmt.Errorf("VANI_VAD_TRAILING_SILENCE must be > 0")
	}
	if cfg.EnergyFloor < 0 || cfg.EnergyCeil <= cfg.EnergyFloor {
		return Config{}, fmt.Errorf("VANI_VAD_ENERGY_CEIL must be > VANI_VAD_ENERGY_FLOOR >= 0")
	}
	if cfg.CorruptChunkLimit <= 0 {
		return Config{}, fmt.Errorf("VANI_CORRUPT_CHUNK_LIMIT must be > 0")
	}
	if cfg.MaxHeldChunks <= 0 {
		return Config{}, fmt.Errorf("VANI_MAX_HELD_CHUNKS must be > 0")
	}
	if cfg.STTFinalTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_STT_FINAL_TIMEOUT must be > 0")
	}
	if cfg.LLMTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_LLM_TIMEOUT must be > 0")
	}
	if cfg.TTSTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_TTS_TIMEOUT must be > 0")
	}
	if cfg.ActionTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_ACTION_TIMEOUT must be > 0")
	}
	if cfg.MaxToolRounds <= 0 {
		return Config{}, fmt.Errorf("VANI_MAX_TOOL_ROUNDS must be > 0")
	}
	if cfg.MaxHistoryTurns <= 0 {
		return Config{}, fmt.Errorf("VANI_MAX_HISTORY_TURNS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VANI_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.ProbeInterval <= 0 {
		return Config{}, fmt.Errorf("VANI_PROBE_INTERVAL must be > 0")
	}
	if cfg.AuditFlushInterval <= 0 {
		return Config{}, fmt.Errorf("VANI_AUDIT_FLUSH_INTERVAL must be > 0")
	}
	if cfg.AuditBufferSize <= 0 {
		return Config{}, fmt.Errorf("VANI_AUDIT_BUFFER_SIZE must be > 0")
	}
	if cfg.BackendConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_BACKEND_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.BackendResponseHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VANI_BACKEND_RESPONSE_HEADER_TIMEOUT must be > 0")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VANI_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VANI_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VANI_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxConcurrentSessions < 0 {
		return Config{}, fmt.Errorf("VANI_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VANI_API_KEYS must be set when VANI_AUTH_MODE=required")
	}

	return cfg, nil
}

// Session is the per-session driver configuration.
func (c Config) Session() session.Config {
	return session.Config{
		MaxAudioFrameBytes:  c.LiveMaxAudioFrameBytes,
		MaxJSONMessageBytes: c.LiveMaxJSONMessageBytes,
		MaxAudioFPS:         c.LiveMaxAudioFPS,
		MaxAudioBPS:         c.LiveMaxAudioBytesPerSecond,
		InboundBurstSeconds: c.LiveInboundBurstSeconds,
		PingInterval:        c.LiveWSPingInterval,
		WriteTimeout:        c.LiveWSWriteTimeout,
		ReadTimeout:         c.LiveWSReadTimeout,
		OutboundQueueSize:   c.LiveOutboundQueueSize,
		VADOnsetConfidence:  c.VADOnsetConfidence,
		BargeInConfidence:   c.BargeInConfidence,
		TrailingSilence:     c.TrailingSilence,
		EnergyFloor:         c.EnergyFloor,
		EnergyCeil:          c.EnergyCeil,
		CorruptChunkLimit:   c.CorruptChunkLimit,
		MaxHeldChunks:       c.MaxHeldChunks,
		STTFinalTimeout:     c.STTFinalTimeout,
		LLMTimeout:          c.LLMTimeout,
		TTSTimeout:          c.TTSTimeout,
		ActionTimeout:       c.ActionTimeout,
		MaxToolRounds:       c.MaxToolRounds,
		MaxHistoryTurns:     c.MaxHistoryTurns,
		DialectContinuous:   c.DialectContinuous,
		SystemPrompt:        c.SystemPrompt,
	}
}

// Manager is the session table configuration.
func (c Config) Manager() sessions.ManagerConfig {
	return sessions.ManagerConfig{
		SupportedProfiles: c.SupportedProfiles,
		Enabled:           c.Capabilities,
		DefaultResidency:  c.DefaultResidency,
		DefaultScript:     c.DefaultScript,
		IdleTimeout:       c.IdleTimeout,
		MaxSessions:       c.MaxSessions,
	}
}

func parseCapabilities(raw string) (types.Capabilities, error) {
	var caps types.Capabilities
	for _, name := range splitCSV(raw) {
		switch strings.ToLower(name) {
		case CapCodeSwitch:
			caps.CodeSwitch = true
		case CapDialectRouting:
			caps.DialectRouting = true
		case CapActionExecution:
			caps.ActionExecution = true
		case CapBargeIn:
			caps.BargeIn = true
		case CapTransliteration:
			caps.Transliteration = true
		case CapStreamingTTS:
			caps.StreamingTTS = true
		case CapDiarization:
			caps.Diarization = true
		case "none":
		default:
			return types.Capabilities{}, fmt.Errorf("unknown capability %q", name)
		}
	}
	return caps, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
