package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/types"
)

// Store persists a channel's finished video according to its storage
// strategy and returns the durable reference written to the task row.
type Store interface {
	PersistFinalVideo(ctx context.Context, channel *types.Channel, task *types.Task, localPath string) (string, error)
	Close()
}

type store struct {
	log        *logger.Logger
	gcsClient  *gcs.Client
	bucketName string
	cdnDomain  string
}

// NewStore creates the storage backend. The GCS client is only dialed when a
// bucket is configured; channels on the filesystem or planning_db strategies
// work without one.
func NewStore(baseLog *logger.Logger) (Store, error) {
	s := &store{
		log:        baseLog.With("service", "VideoStore"),
		bucketName: strings.TrimSpace(os.Getenv("GCS_BUCKET_NAME")),
		cdnDomain:  strings.TrimSpace(os.Getenv("VIDEO_CDN_DOMAIN")),
	}
	if s.bucketName != "" {
		opts := clientOptionsFromEnv()
		opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
		client, err := gcs.NewClient(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		s.gcsClient = client
	}
	return s, nil
}

func clientOptionsFromEnv() []option.ClientOption {
	var opts []option.ClientOption
	if creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	return opts
}

func (s *store) Close() {
	if s.gcsClient != nil {
		_ = s.gcsClient.Close()
	}
}

func (s *store) PersistFinalVideo(ctx context.Context, channel *types.Channel, task *types.Task, localPath string) (string, error) {
	switch channel.StorageStrategy {
	case types.StorageObjectStore:
		return s.uploadToBucket(ctx, channel, task, localPath)
	case types.StoragePlanningDB:
		// The planning database cannot hold the binary; the sync engine
		// surfaces this path on the planning page.
		return localPath, nil
	default:
		return localPath, nil
	}
}

func (s *store) uploadToBucket(ctx context.Context, channel *types.Channel, task *types.Task, localPath string) (string, error) {
	if s.gcsClient == nil {
		return "", fmt.Errorf("channel %s uses object_store but GCS_BUCKET_NAME is not set", channel.ID)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open final video: %w", err)
	}
	defer f.Close()

	key := path.Join("channels", channel.ID, "projects", task.ProjectID(), "final.mp4")
	uploadCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	w := s.gcsClient.Bucket(s.bucketName).Object(key).NewWriter(uploadCtx)
	w.ContentType = "video/mp4"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write final video to bucket: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close bucket writer: %w", err)
	}

	s.log.Info("final video uploaded",
		"task_id", task.ID, "channel_id", channel.ID, "bucket", s.bucketName, "key", key)
	if s.cdnDomain != "" {
		return "https://" + s.cdnDomain + "/" + key, nil
	}
	return "gs://" + s.bucketName + "/" + key, nil
}
