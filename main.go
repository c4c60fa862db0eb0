package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Packeting1/voicerelay/asr"
	"github.com/Packeting1/voicerelay/config"
	"github.com/Packeting1/voicerelay/db"
	"github.com/Packeting1/voicerelay/llm"
	"github.com/Packeting1/voicerelay/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)

	rootCmd.PersistentFlags().Int("http-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().String("asr-host", "localhost", "Recognition backend host")
	rootCmd.PersistentFlags().Int("asr-port", 10095, "Recognition backend port")
	rootCmd.PersistentFlags().String("llm-api-base", "", "OpenAI-compatible API base URL")
	rootCmd.PersistentFlags().String("llm-api-key", "", "API key for the completion service")
	rootCmd.PersistentFlags().String("llm-model", "", "Completion model name")
	rootCmd.PersistentFlags().String("database-path", "", "SQLite database path")

	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("asr_host", rootCmd.PersistentFlags().Lookup("asr-host"))
	viper.BindPFlag("asr_port", rootCmd.PersistentFlags().Lookup("asr-port"))
	viper.BindPFlag("llm_api_base", rootCmd.PersistentFlags().Lookup("llm-api-base"))
	viper.BindPFlag("llm_api_key", rootCmd.PersistentFlags().Lookup("llm-api-key"))
	viper.BindPFlag("llm_model", rootCmd.PersistentFlags().Lookup("llm-model"))
	viper.BindPFlag("database_path", rootCmd.PersistentFlags().Lookup("database-path"))

	statsCmd.Flags().String("url", "http://localhost:8080", "Base URL of a running relay")
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	config.SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "voicerelay",
	Short: "Voicerelay bridges browser audio to speech recognition and a language model",
	Long:  `Voicerelay is a websocket relay: it streams browser audio into a FunASR-style recognition backend, turns finalized transcripts into language model completions, and streams the filtered replies back.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Run:   runServe,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show connection pool statistics from a running relay",
	Run:   runStats,
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, hearLogger, mindLogger, dataLogger, httpLogger := createLoggers()
	cfg := config.Load()

	store, err := db.Open(cfg.DatabasePath, dataLogger)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	model := llm.NewOpenAIModel(cfg.LLMAPIKey, cfg.LLMAPIBase, cfg.LLMModel)
	mindLogger.Info("completion service", "base", cfg.LLMAPIBase, "model", cfg.LLMModel)

	var pool *asr.Pool
	if cfg.UseConnectionPool {
		dial := func(ctx context.Context) (*asr.Client, error) {
			client := asr.NewClient(cfg.ASRURL(), cfg.ASRSkipVerify, hearLogger)
			if err := client.Connect(ctx); err != nil {
				return nil, err
			}
			if err := client.SendConfig(asr.StreamConfig()); err != nil {
				client.Disconnect()
				return nil, err
			}
			return client, nil
		}
		pool = asr.NewPool(asr.PoolConfig{
			Min:     cfg.PoolMin,
			Max:     cfg.PoolMax,
			MaxIdle: cfg.PoolMaxIdle,
		}, dial, logger.With().WithPrefix("pool"))
		pool.Initialize(context.Background())
		defer pool.Shutdown()
	} else {
		mainLogger.Info("connection pool disabled, sessions dial directly")
	}

	handler := web.NewHandler(cfg, pool, model, store, httpLogger, hearLogger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler.Router(),
	}

	go func() {
		mainLogger.Info("listening", "url", fmt.Sprintf("http://localhost:%d", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Fatal("http server", "error", err.Error())
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	mainLogger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		mainLogger.Error("http shutdown", "error", err.Error())
	}
}

func runStats(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, _ := createLoggers()

	base, _ := cmd.Flags().GetString("url")
	resp, err := http.Get(strings.TrimRight(base, "/") + "/api/pool/stats")
	if err != nil {
		mainLogger.Fatal("fetch pool stats", "error", err.Error())
	}
	defer resp.Body.Close()

	var stats asr.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		mainLogger.Fatal("decode pool stats", "error", err.Error())
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Total", "Active", "Idle", "Users", "Min", "Max"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	table.Append([]string{
		strconv.Itoa(stats.Total),
		strconv.Itoa(stats.Active),
		strconv.Itoa(stats.Idle),
		strconv.Itoa(stats.ActiveOwners),
		strconv.Itoa(stats.Min),
		strconv.Itoa(stats.Max),
	})

	table.Render()
}

func createLoggers() (mainLogger, hearLogger, mindLogger, dataLogger, httpLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	hearLogger = logger.With().WithPrefix("hear")
	mindLogger = logger.With().WithPrefix("mind")
	dataLogger = logger.With().WithPrefix("data")
	httpLogger = logger.With().WithPrefix("http")

	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
