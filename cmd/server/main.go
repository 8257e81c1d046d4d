package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/14-realtime-quiz/internal"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（yaml，省略時使用預設值）")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	// 載入配置
	cfg := internal.DefaultConfig()
	if *configPath != "" {
		loaded, err := internal.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// 命令行覆蓋
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	// 題目來源：有金鑰走遠端生成服務，否則只用靜態題庫
	var source internal.QuestionSource
	if apiKey := os.Getenv(cfg.Questions.APIKeyEnv); apiKey != "" {
		genaiCfg := cfg.Questions.GenAI
		genaiCfg.APIKey = apiKey
		genaiCfg.Timeout = time.Duration(cfg.Questions.FetchTimeout)
		source = internal.NewGenAIClient(genaiCfg, logger)
		logger.Info("題目來源：遠端生成服務", "base_url", genaiCfg.BaseURL, "model", genaiCfg.Model)
	} else {
		logger.Info("題目來源：靜態題庫（未設置 " + cfg.Questions.APIKeyEnv + "）")
	}

	// 創建房間註冊表
	manager := internal.NewManager(cfg, source, logger)

	// 創建 WebSocket Hub（同時安裝為廣播器）
	hub := internal.NewHub(manager, logger)

	// 創建 HTTP 處理器
	handler := internal.NewHandler(manager, logger)

	// 設置路由
	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("/ws", hub.ServeWS)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout),
	}

	// 啟動服務器
	go func() {
		logger.Info("問答比賽服務器啟動",
			"port", cfg.Server.Port,
			"default_capacity", cfg.Room.DefaultCapacity,
			"log_level", cfg.Log.Level)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 停止房間註冊表
	manager.Stop()

	// 停止 WebSocket Hub
	hub.Stop()

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
