package attachment

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Needs a reachable MongoDB, e.g. MONGO_URI=mongodb://localhost:27017
func TestGridFSStorage_RoundTrip(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	req := require.New(t)
	ctx := context.Background()

	storage, err := ConnectGridFS(ctx, uri, "chat_engine_test", "attachments", "http://localhost:8080/v1/attachments/")
	req.NoError(err)
	defer func() { _ = storage.Close(ctx) }()

	url, err := storage.Put(ctx, "alice/notes.txt", strings.NewReader("meeting notes"), "text/plain")
	req.NoError(err)
	req.True(strings.HasPrefix(url, "http://localhost:8080/v1/attachments/"))

	id := url[strings.LastIndex(url, "/")+1:]
	stream, contentType, err := storage.Open(ctx, id)
	req.NoError(err)
	defer func() { _ = stream.Close() }()
	body, err := io.ReadAll(stream)
	req.NoError(err)
	req.Equal("meeting notes", string(body))
	req.Equal("text/plain", contentType)
}
