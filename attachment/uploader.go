package attachment

import (
	"bytes"
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/errors"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const DefaultMaxSize = 10 << 20

var (
	ErrTooLarge    = errors.New("attachment too large")
	ErrUnsupported = errors.New("attachment type not allowed")
)

// Uploader runs before Session.Send: the message only ever carries the
// descriptor of a blob that is already stored.
type Uploader struct {
	storage  contract.ObjectStorage
	log      *slog.Logger
	maxSize  int64
	allowed  []MIME
	validate *validator.Validate
}

func NewUploader(storage contract.ObjectStorage, log *slog.Logger, maxSize int64, allowed []MIME) *Uploader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowed
	}
	return &Uploader{storage: storage, log: log, maxSize: maxSize, allowed: allowed, validate: validator.New()}
}

// Upload stores content under the uploader's prefix and describes it.
// The declared filename is kept for display, the type always comes from the bytes.
func (u *Uploader) Upload(ctx context.Context, uploaderID, filename string, content io.Reader) (domain.Attachment, error) {
	filename = path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if filename == "." || filename == "/" || filename == "" {
		return domain.Attachment{}, fmt.Errorf("%w: missing filename", errors.ErrInvalidPayload)
	}

	detected, replay, err := Sniff(content)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("read %s: %w", filename, err)
	}
	if !lo.Contains(u.allowed, detected) {
		return domain.Attachment{}, fmt.Errorf("%w: %s is %s", ErrUnsupported, filename, detected)
	}

	var buf bytes.Buffer
	size, err := io.Copy(&buf, io.LimitReader(replay, u.maxSize+1))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("read %s: %w", filename, err)
	}
	if size > u.maxSize {
		return domain.Attachment{}, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, filename, humanize.IBytes(uint64(u.maxSize)))
	}

	key := path.Join(uploaderID, uuid.NewString(), filename)
	url, err := u.storage.Put(ctx, key, &buf, string(detected))
	if err != nil {
		return domain.Attachment{}, errors.NewStoreError(errors.KindTransient, "put_object", err)
	}
	descriptor := domain.Attachment{URL: url, Filename: filename, Size: size, MimeType: string(detected)}
	if err := u.validate.Struct(descriptor); err != nil {
		return domain.Attachment{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	u.log.Info("Attachment stored",
		"uploader", uploaderID, "filename", filename, "mime", detected, "size", humanize.IBytes(uint64(size)))
	return descriptor, nil
}
