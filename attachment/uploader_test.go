package attachment

import (
	"bytes"
	"chat-engine/errors"
	"chat-engine/mocks"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		detected string
		want     MIME
	}{
		{"Plain text with charset", "text/plain; charset=utf-8", TextPlain},
		{"JSON", "application/json", ApplicationJSON},
		{"PNG", "image/png", ImagePNG},
		{"Invalid MIME", "not a mime", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Parse(tt.detected))
		})
	}
}

func TestSniff_ReplaysTheWholeContent(t *testing.T) {
	req := require.New(t)
	content := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 5000)...)

	detected, replay, err := Sniff(bytes.NewReader(content))
	req.NoError(err)
	req.Equal(ImagePNG, detected)

	back, err := io.ReadAll(replay)
	req.NoError(err)
	req.Equal(content, back)
}

func TestUploader_Upload(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	storage := mocks.NewMockObjectStorage(ctrl)
	uploader := NewUploader(storage, logs.GetLoggerFromLevel(slog.LevelDebug), 0, nil)
	var stored []byte

	// Given the storage accepts the blob under the uploader's prefix
	storage.EXPECT().
		Put(gomock.Any(), gomock.Any(), gomock.Any(), "text/plain").
		DoAndReturn(func(_ context.Context, key string, content io.Reader, _ string) (string, error) {
			req.True(strings.HasPrefix(key, "alice/"))
			req.True(strings.HasSuffix(key, "/notes.txt"))
			var err error
			stored, err = io.ReadAll(content)
			return "https://files.example.com/" + key, err
		})

	// When the declared name carries a path
	attachment, err := uploader.Upload(context.Background(), "alice", "../../notes.txt", strings.NewReader("meeting notes"))

	// Then
	req.NoError(err)
	req.Equal("notes.txt", attachment.Filename)
	req.Equal("text/plain", attachment.MimeType)
	req.EqualValues(len("meeting notes"), attachment.Size)
	req.Equal("meeting notes", string(stored))
}

func TestUploader_Rejections(t *testing.T) {
	ctrl := gomock.NewController(t)
	storage := mocks.NewMockObjectStorage(ctrl)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	t.Run("too large", func(t *testing.T) {
		uploader := NewUploader(storage, log, 8, nil)
		_, err := uploader.Upload(context.Background(), "alice", "big.txt", strings.NewReader("more than eight bytes"))
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("type not allowed", func(t *testing.T) {
		uploader := NewUploader(storage, log, 0, []MIME{ImagePNG})
		_, err := uploader.Upload(context.Background(), "alice", "notes.txt", strings.NewReader("plain text"))
		require.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("missing filename", func(t *testing.T) {
		uploader := NewUploader(storage, log, 0, nil)
		_, err := uploader.Upload(context.Background(), "alice", "  ", strings.NewReader("x"))
		require.ErrorIs(t, err, errors.ErrInvalidPayload)
	})

	t.Run("storage failure is retryable", func(t *testing.T) {
		uploader := NewUploader(storage, log, 0, nil)
		storage.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("mongo down"))
		_, err := uploader.Upload(context.Background(), "alice", "notes.txt", strings.NewReader("plain text"))
		require.True(t, errors.IsRetryable(err))
	})
}
