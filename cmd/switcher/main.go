package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"proxyswitch/internal/app"
	"proxyswitch/internal/shared/config"
	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "switcher.ini")

	// 1. 加载 .ini 配置
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// logger 尚未初始化
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 2. 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 3. 装配并运行
	appServer, err := app.New(cfg, *configDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Server bootstrap failed")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")
		appServer.Stop()
	}()

	if err := appServer.Run(); err != nil {
		appServer.Stop()
		logger.Fatal().Err(err).Msg("Server failed to start")
	}
}
