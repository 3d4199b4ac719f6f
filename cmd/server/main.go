package main

import (
	"fmt"
	"os"
	"strings"

	"aigateway/internal/config"
	"aigateway/internal/database"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "aigateway",
		Short:         "LLM generation gateway with fallback dispatch and prepaid credits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newGrantCommand(), newTokenCommand(), newResetPeriodsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置、初始化日志和数据库；所有子命令共用
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := database.Init(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("database init: %w", err)
	}
	return cfg, nil
}

func setupLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("main: unknown LOG_LEVEL %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if lvl >= log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}
