package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"SamLink/internal/app"
	"SamLink/internal/config"
)

func main() {
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded environment from .env")
	}

	var configPath string
	var scopes string
	cfg := config.Default()

	flag.StringVar(&configPath, "config", "", "Path to TOML config file")
	flag.StringVar(&cfg.GatewayURL, "gateway", cfg.GatewayURL, "WebSocket URL of the conversational gateway")
	flag.StringVar(&cfg.SpeechURL, "speech", cfg.SpeechURL, "Base URL of the TTS/transcription service")
	flag.StringVar(&cfg.Locale, "locale", cfg.Locale, "Locale sent in the handshake")
	flag.StringVar(&cfg.Voice, "voice", cfg.Voice, "TTS voice name")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the local SQLite store")
	flag.StringVar(&scopes, "scopes", "", "Comma-separated capability scopes")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&cfg.Speak, "speak", cfg.Speak, "Speak assistant replies through the TTS service")
	flag.Parse()

	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = fileCfg
		// Flags still win over the file for values set explicitly.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "gateway":
				cfg.GatewayURL = f.Value.String()
			case "speech":
				cfg.SpeechURL = f.Value.String()
			case "locale":
				cfg.Locale = f.Value.String()
			case "voice":
				cfg.Voice = f.Value.String()
			case "db":
				cfg.DBPath = f.Value.String()
			case "debug":
				cfg.Debug = f.Value.String() == "true"
			case "speak":
				cfg.Speak = f.Value.String() == "true"
			}
		})
	}

	if scopes != "" {
		cfg.Scopes = strings.Split(scopes, ",")
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
