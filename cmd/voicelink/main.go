// Command voicelink runs a live tutoring session from the terminal: it
// streams the microphone to the speech backend, plays spoken answers, and
// prints the rolling transcript.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/voicelink-app/voicelink/audiocapture"
	"github.com/voicelink-app/voicelink/config"
	"github.com/voicelink-app/voicelink/history"
	"github.com/voicelink-app/voicelink/internal/types"
	"github.com/voicelink-app/voicelink/livetutor"
	"github.com/voicelink-app/voicelink/livetutor/realtime"
	"github.com/voicelink-app/voicelink/playback"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel(),
		TimeFormat: time.Kitchen,
	})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.Info("starting voicelink", "version", version, "commit", commit)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dial, err := buildDialer(cfg)
	if err != nil {
		return err
	}

	histDir, err := cfg.HistoryPath()
	if err != nil {
		return fmt.Errorf("history path: %w", err)
	}
	hist, err := history.Open(histDir)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()

	svc := livetutor.NewService(livetutor.Config{
		Dial: dial,
		Session: realtime.Config{
			Voice:                   cfg.Voice,
			Mode:                    cfg.Mode,
			Instructions:            cfg.Instructions,
			Temperature:             cfg.Temperature,
			MaxResponseOutputTokens: cfg.MaxTokens,
			TranscriptionModel:      cfg.TranscriptionModel,
			Language:                cfg.Language,
		},
		Device:         audiocapture.NewDevice(0),
		Player:         &playback.FFPlayer{},
		History:        hist,
		ConversationID: time.Now().Format("2006-01-02T15-04-05"),
	})
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go printTranscript(ctx, svc)

	fmt.Println("voicelink ready. Speak, or type a message. Commands: /voice <name>, /mode <voice|sign_text>, /mute, /unmute, /status, /quit")
	readCommands(ctx, svc)

	svc.Disconnect()
	return nil
}

// buildDialer picks the transport: a relay when configured, otherwise a
// direct backend connection with per-session ephemeral secrets.
func buildDialer(cfg *config.Config) (realtime.DialFunc, error) {
	if url := firstNonEmpty(os.Getenv("VOICELINK_RELAY_URL"), cfg.RelayURL); url != "" {
		slog.Info("using relay", "url", url)
		return realtime.Dialer(realtime.ClientConfig{URL: url}), nil
	}

	apiKey := firstNonEmpty(os.Getenv("OPENAI_API_KEY"), cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("no relay URL and no API key configured; set VOICELINK_RELAY_URL or OPENAI_API_KEY")
	}
	slog.Info("using direct backend connection")
	return realtime.NewSecretsManager(apiKey, "").DirectDialer(), nil
}

func readCommands(ctx context.Context, svc *livetutor.Service) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := svc.SendText(ctx, line); err != nil {
				slog.Error("send text", "error", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return
		case "/mute":
			if err := svc.StopRecording(); err != nil {
				slog.Error("mute", "error", err)
			}
		case "/unmute":
			if err := svc.StartRecording(); err != nil {
				slog.Error("unmute", "error", err)
			}
		case "/voice":
			if err := svc.ChangeVoice(ctx, arg); err != nil {
				slog.Error("change voice", "error", err)
			}
		case "/mode":
			if err := svc.SetResponseMode(ctx, types.ResponseMode(arg)); err != nil {
				slog.Error("set mode", "error", err)
			}
		case "/status":
			st := svc.Status()
			fmt.Printf("state=%s voice=%s mode=%s recording=%v level=%d turns=%d\n",
				st.State, st.Voice, st.Mode, st.Recording, st.AudioLevel, st.TranscriptCount)
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

// printTranscript polls the transcript and prints entries as they finalize.
func printTranscript(ctx context.Context, svc *livetutor.Service) {
	seen := 0
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries := svc.Transcript()
			for ; seen < len(entries); seen++ {
				e := entries[seen]
				if !e.Final {
					break
				}
				fmt.Printf("[%s] %s\n", e.Role, e.Text)
			}
		}
	}
}

func logLevel() slog.Level {
	if os.Getenv("VOICELINK_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
