// Command agent keeps a headless mirror of a room: it joins over the
// websocket, prints chat and tree changes as they arrive, and relays
// lines typed on stdin as chat messages.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/codesathi/backend/internal/agent"
)

func main() {
	serverURL := flag.String("server", envOrDefault("CODESATHI_WS_URL", "ws://localhost:8080/ws"), "websocket endpoint")
	user := flag.String("user", envOrDefault("CODESATHI_USER", "agent"), "display name")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: agent [flags] <room-id>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	roomID := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*serverURL, roomID, *user, logger); err != nil {
		logger.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run(serverURL, roomID, user string, logger *slog.Logger) error {
	transport, err := agent.Dial(context.Background(), serverURL)
	if err != nil {
		return err
	}
	defer transport.Close()

	a := agent.New(transport, agent.Options{
		OnChat: func(userName, text string) {
			fmt.Printf("[%s] %s\n", userName, text)
		},
		Logger: logger,
	})
	defer a.Close()

	if err := a.Join(roomID, user); err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- transport.Listen(func(data []byte) {
			before := a.Folder()
			a.HandleMessage(data)
			after := a.Folder()
			if before == nil && after != nil {
				fmt.Printf("synced: %d files\n", len(after.Files()))
			} else if before != nil && after != nil && !before.Equal(after) {
				fmt.Printf("tree updated: %d files\n", len(after.Files()))
			}
		})
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/files" {
				for _, f := range a.Folder().Files() {
					fmt.Println(" ", f)
				}
				continue
			}
			if err := a.SendChat(line); err != nil {
				logger.Error("send chat", "error", err)
			}
		}
	}()

	return <-listenErr
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
