package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/cmd"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/logging"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.Parse()

	logging.SetupBaseLogger()

	// .env feeds the environment overrides applied during config load.
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using process environment")
	}

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	util.SetLogLevel(cfg)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Warnf("failed to configure log output: %v", err)
	}

	cmd.StartService(cfg, configPath)
}
