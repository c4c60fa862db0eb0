package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the relay needs, assembled once at
// startup and passed down explicitly. Components never read viper
// themselves.
type Config struct {
	HTTPPort int

	// ASR backend endpoint.
	ASRHost       string
	ASRPort       int
	ASRUseTLS     bool
	ASRSkipVerify bool

	// Pool bounds. UseConnectionPool false means every session dials
	// its own dedicated connection.
	UseConnectionPool bool
	PoolMin           int
	PoolMax           int
	PoolMaxIdle       time.Duration

	// LLM completion service (OpenAI-compatible).
	LLMAPIBase string
	LLMAPIKey  string
	LLMModel   string

	// Audio pipeline.
	TargetSampleRate int

	// Conversation history.
	HistoryLimit int
	DatabasePath string
}

func Load() *Config {
	return &Config{
		HTTPPort: viper.GetInt("http_port"),

		ASRHost:       viper.GetString("asr_host"),
		ASRPort:       viper.GetInt("asr_port"),
		ASRUseTLS:     viper.GetBool("asr_use_tls"),
		ASRSkipVerify: viper.GetBool("asr_skip_verify"),

		UseConnectionPool: viper.GetBool("use_connection_pool"),
		PoolMin:           viper.GetInt("pool_min_connections"),
		PoolMax:           viper.GetInt("pool_max_connections"),
		PoolMaxIdle: time.Duration(
			viper.GetInt("pool_max_idle_seconds"),
		) * time.Second,

		LLMAPIBase: viper.GetString("llm_api_base"),
		LLMAPIKey:  viper.GetString("llm_api_key"),
		LLMModel:   viper.GetString("llm_model"),

		TargetSampleRate: viper.GetInt("target_sample_rate"),

		HistoryLimit: viper.GetInt("history_limit"),
		DatabasePath: viper.GetString("database_path"),
	}
}

// ASRURL builds the websocket URL for the recognition backend.
func (c *Config) ASRURL() string {
	scheme := "ws"
	if c.ASRUseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.ASRHost, c.ASRPort)
}

func SetDefaults() {
	viper.SetDefault("http_port", 8080)
	viper.SetDefault("asr_host", "localhost")
	viper.SetDefault("asr_port", 10095)
	viper.SetDefault("asr_use_tls", false)
	viper.SetDefault("asr_skip_verify", true)
	viper.SetDefault("use_connection_pool", true)
	viper.SetDefault("pool_min_connections", 2)
	viper.SetDefault("pool_max_connections", 10)
	viper.SetDefault("pool_max_idle_seconds", 300)
	viper.SetDefault("llm_api_base", "http://localhost:11434/v1")
	viper.SetDefault("llm_model", "qwen3:8b")
	viper.SetDefault("target_sample_rate", 16000)
	viper.SetDefault("history_limit", 10)
	viper.SetDefault("database_path", "voicerelay.db")
}
