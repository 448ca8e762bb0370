package attachment

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStorage keeps attachment blobs in a MongoDB GridFS bucket.
// URLs are BaseURL followed by the file's object id.
type GridFSStorage struct {
	client  *mongo.Client
	bucket  *gridfs.Bucket
	baseURL string
}

func ConnectGridFS(ctx context.Context, uri, database, bucketName, baseURL string) (*GridFSStorage, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	bucket, err := gridfs.NewBucket(client.Database(database), options.GridFSBucket().SetName(bucketName))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create GridFS bucket: %w", err)
	}
	return &GridFSStorage{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (g *GridFSStorage) Put(ctx context.Context, path string, content io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	metadata := bson.M{
		"content_type": contentType,
		"uploaded_at":  time.Now().UTC(),
	}
	id, err := g.bucket.UploadFromStream(path, content, options.GridFSUpload().SetMetadata(metadata))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return g.baseURL + "/" + id.Hex(), nil
}

// Open streams a stored blob back with its content type.
func (g *GridFSStorage) Open(ctx context.Context, id string) (io.ReadCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, "", fmt.Errorf("invalid attachment id %q: %w", id, err)
	}
	stream, err := g.bucket.OpenDownloadStream(objectID)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", id, err)
	}
	contentType := "application/octet-stream"
	if meta := stream.GetFile().Metadata; meta != nil {
		if v, ok := meta.Lookup("content_type").StringValueOK(); ok {
			contentType = v
		}
	}
	return stream, contentType, nil
}

func (g *GridFSStorage) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}
