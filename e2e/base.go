package e2e

import (
	"chat-engine/auth"
	"chat-engine/repositories"
	"chat-engine/runtime"
	"chat-engine/runtime/workers"
	"chat-engine/search"
	"chat-engine/session"
	"chat-engine/transport"
	"chat-engine/transport/ws"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
)

// BaseRelaySuite runs participants that share one store and talk through a relay.
type BaseRelaySuite struct {
	suite.Suite
	Config Config

	log      *slog.Logger
	tokens   auth.TokenManager
	relayURL string
	server   *httptest.Server
	wsServer *ws.Server
	sup      *workers.Supervisor
	dir      string
	db       *badger.DB
	writer   *bluge.Writer
	clock    *repositories.Clock
	cleanups []func()
}

// SetupSuite loads the environment configuration and the shared stores before running tests
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)

	level := slog.LevelWarn
	if s.Config.Debug {
		level = slog.LevelDebug
	}
	s.log = logs.GetLoggerFromLevel(level)
	s.tokens = auth.NewTokenManager(s.Config.RelaySecret, time.Hour)

	s.dir, err = os.MkdirTemp("", "chat-e2e-*")
	s.Require().NoError(err)
	s.db, err = badger.Open(badger.DefaultOptions(s.dir + "/badger").WithLoggingLevel(badger.ERROR))
	s.Require().NoError(err)
	s.writer, err = bluge.OpenWriter(bluge.DefaultConfig(s.dir + "/bluge"))
	s.Require().NoError(err)
	s.clock = repositories.NewClock(nil)

	s.relayURL = s.Config.RelayURL
	if s.relayURL == "" {
		s.sup = workers.NewSupervisor(s.log)
		hub := transport.NewHub(s.sup, s.log, nil, 0)
		s.wsServer = ws.NewServer(hub, s.log, ws.ServerConfig{})
		s.server = httptest.NewServer(auth.Middleware(s.tokens, s.wsServer))
		s.relayURL = "ws" + strings.TrimPrefix(s.server.URL, "http")
	}
}

func (s *BaseRelaySuite) TearDownTest() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}

func (s *BaseRelaySuite) TearDownSuite() {
	if s.server != nil {
		s.wsServer.Shutdown()
		s.server.Close()
		s.sup.Stop()
	}
	_ = s.writer.Close()
	_ = s.db.Close()
	_ = os.RemoveAll(s.dir)
}

// Step prints a colorized header then runs fn as a subtest
func (s *BaseRelaySuite) Step(name string, fn func()) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
	s.Run(name, fn)
}

// Participant connects userID to the relay and returns its orchestrator.
// The connection closes when the test ends.
func (s *BaseRelaySuite) Participant(userID string) (*runtime.Orchestrator, *ws.Client) {
	token, err := s.tokens.Generate(userID)
	s.Require().NoError(err)
	client, err := ws.Dial(context.Background(), s.relayURL, token, s.log.With("user_id", userID))
	s.Require().NoError(err, "Failed to connect to relay at "+s.relayURL)

	o, err := runtime.NewOrchestrator(s.log, runtime.Dependencies{
		Messages:      repositories.NewMessageRepository(s.db, s.log, s.clock, nil),
		Conversations: repositories.NewConversationRepository(s.db, s.log, s.clock),
		PubSub:        client,
		Index:         search.NewIndex(s.writer, s.log),
		Profiles:      repositories.NewProfileRepository(s.db),
		Blocklist:     repositories.NewBlocklistRepository(s.db),
	}, runtime.Config{Session: session.Config{TypingIdle: 500 * time.Millisecond}})
	s.Require().NoError(err)
	s.Require().NoError(o.Prepare(context.Background()))

	s.cleanups = append(s.cleanups, func() {
		o.Stop()
		_ = client.Close()
	})
	return o, client
}
