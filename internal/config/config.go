package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"voxrelay/internal/session"
	"voxrelay/internal/tts"
	"voxrelay/pkg/stt"
)

const (
	GeneratorGemini = "gemini"
	GeneratorOpenAI = "openai"

	SynthGoogle = "google"
	SynthTone   = "tone"
)

var (
	ErrMissingAPIKey = errors.New("missing api key")
	ErrInvalid       = errors.New("invalid config")
)

type Config struct {
	Addr      string
	LogLevel  string
	Proxy     string
	PublicDir string

	Generator      string
	GeneratorModel string
	GeminiAPIKey   string
	OpenAIAPIKey   string
	PersonaFile    string

	Recognition stt.Options

	SynthBackend string
	Voice        tts.Voice

	HistoryTurns int

	RedisAddr    string
	RedisChannel string

	AdminSocket string
}

// Load parses args (without the program name), loads the env file they
// point at and fills the rest from the environment.
func Load(args []string) (Config, error) {
	fs := cli.NewFlagSet("voxrelay", cli.ContinueOnError)
	envFile := fs.StringP("env", "e", ".env", "Env file path")
	addr := fs.StringP("addr", "a", "", "Listen address (default :$PORT or :8080)")
	logLevel := fs.StringP("log", "l", "info", "Log level")
	proxyAddr := fs.StringP("proxy", "p", "", "Socks proxy address for generator calls")
	public := fs.String("public", "", "Directory served at /")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// A missing env file is fine; the environment may already be set.
	if err := godotenv.Load(*envFile); err != nil && fs.Changed("env") {
		return Config{}, fmt.Errorf("load env %s: %w", *envFile, err)
	}

	cfg := Config{
		Addr:      *addr,
		LogLevel:  strings.ToLower(*logLevel),
		Proxy:     or(*proxyAddr, os.Getenv("SOCKS_PROXY")),
		PublicDir: or(*public, os.Getenv("PUBLIC_DIR")),

		Generator:      strings.ToLower(env("GENERATOR", GeneratorGemini)),
		GeneratorModel: os.Getenv("GENERATOR_MODEL"),
		GeminiAPIKey:   or(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		PersonaFile:    os.Getenv("PERSONA_FILE"),

		Recognition: stt.Options{
			Encoding:       env("STT_ENCODING", "WEBM_OPUS"),
			LanguageCode:   env("STT_LANGUAGE", "es-CO"),
			InterimResults: true,
		},

		SynthBackend: strings.ToLower(env("TTS_BACKEND", SynthGoogle)),
		Voice: tts.Voice{
			LanguageCode: env("TTS_LANGUAGE", tts.DefaultVoice.LanguageCode),
			Name:         env("TTS_VOICE", tts.DefaultVoice.Name),
			Gender:       strings.ToUpper(env("TTS_GENDER", tts.DefaultVoice.Gender)),
			Encoding:     strings.ToUpper(env("TTS_ENCODING", tts.DefaultVoice.Encoding)),
		},

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisChannel: os.Getenv("REDIS_CHANNEL"),
		AdminSocket:  env("ADMIN_SOCKET", "/tmp/voxrelay.sock"),
	}

	if cfg.Addr == "" {
		cfg.Addr = ":" + env("PORT", "8080")
	}

	var err error
	if cfg.Recognition.SampleRateHertz, err = envInt("STT_SAMPLE_RATE", 48000); err != nil {
		return Config{}, err
	}
	if cfg.HistoryTurns, err = envInt("HISTORY_TURNS", session.DefaultHistoryTurns); err != nil {
		return Config{}, err
	}
	if cfg.Voice.SpeakingRate, err = envFloat("TTS_SPEAKING_RATE", tts.DefaultVoice.SpeakingRate); err != nil {
		return Config{}, err
	}
	if cfg.Voice.Pitch, err = envFloat("TTS_PITCH", tts.DefaultVoice.Pitch); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Generator {
	case GeneratorGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY not set", ErrMissingAPIKey)
		}
	case GeneratorOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY not set", ErrMissingAPIKey)
		}
	default:
		return fmt.Errorf("%w: unknown generator %q", ErrInvalid, c.Generator)
	}

	switch c.SynthBackend {
	case SynthGoogle, SynthTone:
	default:
		return fmt.Errorf("%w: unknown tts backend %q", ErrInvalid, c.SynthBackend)
	}

	if _, err := stt.ParseEncoding(c.Recognition.Encoding); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Recognition.SampleRateHertz <= 0 {
		return fmt.Errorf("%w: STT_SAMPLE_RATE must be positive", ErrInvalid)
	}
	if c.HistoryTurns <= 0 {
		return fmt.Errorf("%w: HISTORY_TURNS must be positive", ErrInvalid)
	}
	if c.Voice.SpeakingRate < 0.25 || c.Voice.SpeakingRate > 4 {
		return fmt.Errorf("%w: TTS_SPEAKING_RATE out of range [0.25, 4]", ErrInvalid)
	}
	if c.Voice.Pitch < -20 || c.Voice.Pitch > 20 {
		return fmt.Errorf("%w: TTS_PITCH out of range [-20, 20]", ErrInvalid)
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return f, nil
}

func or(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
