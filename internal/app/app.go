// Package app wires the session client to its collaborators and drives the
// interactive REPL.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"SamLink/internal/config"
	"SamLink/internal/gateway"
	"SamLink/internal/identity"
	"SamLink/internal/session"
	"SamLink/internal/speech"
	"SamLink/internal/store"
	"SamLink/internal/telemetry"
)

// App represents the main application
type App struct {
	config  config.Config
	store   *store.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	cleanup func()

	gw      *gateway.Client
	speech  *speech.Client
	session session.Session
}

// New creates an App instance with the full collaborator graph wired in.
func New(cfg config.Config) (*App, error) {
	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// A bearer token from the environment seeds the credential store; the
	// gateway replaces it with a device token after the first handshake.
	if bearer := os.Getenv("SAMLINK_BEARER_TOKEN"); bearer != "" {
		if err := st.Set(store.KeyBearerToken, bearer); err != nil {
			logger.Warn("failed to store bearer token", "error", err)
		}
	}

	device, err := identity.Load(st)
	if err != nil {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		Config:      cfg,
		Device:      device,
		Credentials: st,
		Logger:      logger,
		Tracer:      tracer,
		Meter:       meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	sp, err := speech.NewClient(cfg.SpeechURL, logger, meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}
	logger.Info("created application", "device_id", device.ID, "gateway", cfg.GatewayURL)

	return &App{
		config:  cfg,
		store:   st,
		logger:  logger,
		tracer:  tracer,
		meter:   meter,
		cleanup: cleanup,
		gw:      gw,
		speech:  sp,
		session: session.Session{ID: "session_" + uuid.NewString(), StartTime: time.Now()},
	}, nil
}

// Run drives the interactive loop until /quit or EOF.
func (a *App) Run() error {
	defer a.close()

	fmt.Println("=== SamLink ===")
	fmt.Printf("Session: %s\n", a.session.ID)
	fmt.Printf("Gateway: %s\n", a.config.GatewayURL)
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	if err := a.connect(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := a.handleCommand(input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				a.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.config.ChatTimeout+a.config.RequestTimeout)
		reply, err := a.gw.SendMessage(ctx, input)
		cancel()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			a.logger.Error("failed to send message", "error", err)
			continue
		}

		fmt.Printf("Sam: %s\n\n", reply)
		if a.config.Speak {
			a.speak(reply)
		}
	}

	if err := a.saveSession(); err != nil {
		a.logger.Error("failed to save session on exit", "error", err)
	}

	fmt.Println("Goodbye!")
	return nil
}

func (a *App) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	fmt.Println(gateway.StateConnecting.String())
	if err := a.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("%s\n\n", a.gw.Status())
	return nil
}

func (a *App) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /connect     - connect to the gateway")
		fmt.Println("  /disconnect  - disconnect from the gateway")
		fmt.Println("  /status      - show connection status")
		fmt.Println("  /abort       - abort the in-flight reply")
		fmt.Println("  /history [n] - show the last n turns")
		fmt.Println("  /image <path> [question] - send an image message")
		fmt.Println("  /speak       - toggle spoken replies")
		fmt.Println("  /quit        - exit")
		return false, nil

	case "/connect":
		return false, a.connect()

	case "/disconnect":
		a.gw.Disconnect()
		fmt.Println(a.gw.Status())
		return false, nil

	case "/status":
		fmt.Println(a.gw.Status())
		return false, nil

	case "/abort":
		a.gw.Abort()
		return false, nil

	case "/history":
		limit := 10
		if len(parts) > 1 {
			fmt.Sscanf(parts[1], "%d", &limit)
		}
		for _, msg := range a.gw.HistoryWindow(limit) {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.Role, msg.Content)
		}
		fmt.Println()
		return false, nil

	case "/image":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /image <path> [question]")
		}
		question := "What is in this image?"
		if len(parts) > 2 {
			question = strings.Join(parts[2:], " ")
		}
		return false, a.sendImage(parts[1], question)

	case "/speak":
		a.config.Speak = !a.config.Speak
		fmt.Printf("Spoken replies: %v\n", a.config.Speak)
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (a *App) sendImage(path, question string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	mimeType := "image/jpeg"
	if strings.HasSuffix(strings.ToLower(path), ".png") {
		mimeType = "image/png"
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.config.ChatTimeout+a.config.RequestTimeout)
	defer cancel()
	reply, err := a.gw.SendImageMessage(ctx, question, data, mimeType)
	if err != nil {
		return err
	}

	fmt.Printf("Sam: %s\n\n", reply)
	if a.config.Speak {
		a.speak(reply)
	}
	return nil
}

// speak renders the reply through the TTS collaborator, best effort.
func (a *App) speak(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.speech.Synthesize(ctx, text, a.config.Voice); err != nil {
		a.logger.Warn("failed to synthesize reply", "error", err)
	}
}

// saveSession archives the in-memory conversation log locally.
func (a *App) saveSession() error {
	history := a.gw.History()
	if len(history) == 0 {
		return nil
	}
	if err := a.store.SaveSession(a.session, history); err != nil {
		return err
	}
	a.logger.Info("session saved", "session_id", a.session.ID, "message_count", len(history))
	return nil
}

func (a *App) close() {
	a.gw.Disconnect()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
	if a.cleanup != nil {
		a.cleanup()
	}
}
