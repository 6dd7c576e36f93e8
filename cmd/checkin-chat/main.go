package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/loqalabs/loqa-checkin/internal/cards"
	"github.com/loqalabs/loqa-checkin/internal/config"
	"github.com/loqalabs/loqa-checkin/internal/conversation"
	"github.com/loqalabs/loqa-checkin/internal/permission"
	"github.com/loqalabs/loqa-checkin/internal/runtime"
)

const helpText = `commands:
  /start   start an agent session
  /end     end the agent session
  /clear   clear the transcript and backend session
  /voice   start voice input
  /mute    stop voice input
  /quit    exit
anything else is sent as a message`

func main() {
	var (
		configPath string
		envPath    string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Optional .env file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", envPath, err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      runtime.LogLevel(cfg.Telemetry.LogLevel),
		TimeFormat: time.Kitchen,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := runtime.StartServices(ctx, cfg, permission.Allow, logger)
	if err != nil {
		logger.Error("failed to start services", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := services.Close(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	cancel := services.Engine.SubscribeAppended(func(a conversation.Appended) {
		printMessage(os.Stdout, a.Message)
	})
	defer cancel()

	fmt.Println(helpText)
	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, services.Engine, line, logger); quit {
				return
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleLine(ctx context.Context, engine *conversation.Engine, line string, logger *slog.Logger) bool {
	line = strings.TrimSpace(line)
	var err error
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(helpText)
	case "/start":
		err = engine.StartSession(ctx)
	case "/end":
		err = engine.EndSession(ctx)
	case "/clear":
		err = engine.ClearSession(ctx)
	case "/voice":
		err = engine.StartVoice(ctx)
	case "/mute":
		err = engine.EndVoice(ctx)
	default:
		err = engine.SendUserText(ctx, line)
	}
	if err != nil {
		logger.Warn("command failed", slog.String("input", line), slog.String("error", err.Error()))
	}
	return false
}

func printMessage(w io.Writer, m conversation.Message) {
	switch card := m.Data.(type) {
	case nil:
		fmt.Fprintf(w, "\n[%s] %s\n", m.Role, m.Text)
	case cards.Journey:
		fmt.Fprintf(w, "\n[journey] %s\n", card.Summary())
	case cards.PassengerList:
		fmt.Fprintf(w, "\n[passengers]\n")
		for _, p := range card.Passengers {
			fmt.Fprintf(w, "  %s %s (%s)\n", p.FirstName, p.LastName, p.TravelerID)
		}
	case cards.BoardingPass:
		fmt.Fprintf(w, "\n[boarding passes]\n")
		for _, leg := range card.Passes {
			fmt.Fprintf(w, "  %s %s %s-%s seat %s gate %s\n",
				leg.TravelerName, leg.FlightNumber, leg.Origin, leg.Destination, leg.Seat, leg.Gate)
		}
	default:
		fmt.Fprintf(w, "\n[%s] %s card\n", m.Role, m.Type)
	}
}
