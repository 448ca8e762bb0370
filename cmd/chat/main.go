// Command chat is a terminal client: it runs conversation sessions against the
// configured store and exchanges live events through a relay.
package main

import (
	"bufio"
	"chat-engine/attachment"
	"chat-engine/contract"
	"chat-engine/internal"
	"chat-engine/runtime"
	"chat-engine/search"
	"chat-engine/session"
	"chat-engine/transport/ws"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Chat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	userID := flag.String("user", os.Getenv("CHAT_USER"), "user id")
	accessKey := flag.String("key", os.Getenv("CHAT_ACCESS_KEY"), "access key registered on the relay")
	name := flag.String("name", "", "display name, saved in the profile store")
	plain := flag.Bool("plain", false, "disable colours")
	flag.Parse()

	// 1. Configuration & Logger
	config, err := internal.Load(".env")
	if err != nil {
		return exitConfig, err
	}
	if *userID == "" || *accessKey == "" {
		return exitConfig, errors.New("-user and -key are required")
	}
	charReplacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return exitConfig, err
	}
	maxAttachment, err := config.AttachmentLimit()
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Stores
	st, err := openStores(ctx, config, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer st.close()
	if *name != "" {
		if err := st.saveProfile(ctx, *userID, *name); err != nil {
			return exitRuntime, fmt.Errorf("save profile: %w", err)
		}
	}

	blugeWriter, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	defer func() {
		logger.Info("Closing Bluge...")
		_ = blugeWriter.Close()
	}()

	var storage contract.ObjectStorage
	if config.MongoURI != "" {
		gridfs, err := attachment.ConnectGridFS(ctx, config.MongoURI, config.MongoDatabase, config.MongoBucket, config.AttachmentBaseURL)
		if err != nil {
			return exitRuntime, err
		}
		defer func() { _ = gridfs.Close(context.Background()) }()
		storage = gridfs
	}

	// 3. Relay
	token, err := fetchToken(ctx, &http.Client{Timeout: 10 * time.Second}, config.RelayURL, *userID, *accessKey)
	if err != nil {
		return exitRuntime, err
	}
	relay, err := ws.Dial(ctx, config.RelayURL, token, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer func() { _ = relay.Close() }()

	// 4. Orchestrator
	deps := runtime.Dependencies{
		Messages:      st.messages,
		Conversations: st.conversations,
		PubSub:        relay,
		Index:         search.NewIndex(blugeWriter, logger),
		Profiles:      st.profiles,
		Storage:       storage,
	}
	if st.blocklist != nil {
		deps.Blocklist = st.blocklist
	}
	orchestrator, err := runtime.NewOrchestrator(logger, deps, runtime.Config{
		CharReplacement: charReplacement,
		ProfileTTL:      config.ProfileTTL,
		MaxAttachment:   maxAttachment,
		Session:         session.Config{HistoryLimit: 50},
	})
	if err != nil {
		return exitRuntime, err
	}
	if err := orchestrator.Prepare(ctx); err != nil {
		return exitRuntime, err
	}
	defer orchestrator.Stop()

	// 5. Shell
	sh := newShell(orchestrator, *userID, os.Stdout, !*plain && color.SupportColor())
	sh.blocklist = st.blocklist
	defer sh.close(context.Background())
	sh.printf("connected to %s as %s, /help lists the commands", config.RelayURL, *userID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		case <-relay.Done():
			return exitRuntime, errors.New("relay connection lost")
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			err := sh.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return exitOK, nil
			}
			if err != nil {
				sh.printf("%s", sh.paint(color.Style{color.FgRed}, err.Error()))
			}
		}
	}
}
