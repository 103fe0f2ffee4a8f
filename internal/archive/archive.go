// Package archive writes JSON snapshots of completed judgments to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Snapshot is the archived form of a completed judgment.
type Snapshot struct {
	JudgmentID     string            `json:"judgment_id"`
	Content        string            `json:"content"`
	Category       string            `json:"category"`
	FinalVerdict   string            `json:"final_verdict"`
	ClapPercentage float64           `json:"clap_percentage"`
	CrapPercentage float64           `json:"crap_percentage"`
	AverageScore   float64           `json:"average_score"`
	TotalVotes     int               `json:"total_votes"`
	WinnerID       string            `json:"winner_verdict_id,omitempty"`
	CompletedAt    time.Time         `json:"completed_at"`
	Verdicts       []SnapshotVerdict `json:"verdicts"`
}

type SnapshotVerdict struct {
	ID         string `json:"id"`
	CriticID   string `json:"critic_id,omitempty"`
	CriticName string `json:"critic_name"`
	Verdict    string `json:"verdict"`
	Score      int    `json:"score"`
	Critique   string `json:"critique"`
	VoteCount  int    `json:"vote_count"`
	IsWinner   bool   `json:"is_winner"`
}

type Archiver struct {
	client objectPutter
	bucket string
}

// NewMinio connects to endpoint and makes sure bucket exists.
func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		slog.Info("archive: bucket created", "bucket", bucket)
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// ObjectKey is judgments/YYYY/MM/<id>.json, partitioned by completion month.
func ObjectKey(snapshot Snapshot) string {
	completed := snapshot.CompletedAt.UTC()
	return fmt.Sprintf("judgments/%04d/%02d/%s.json", completed.Year(), int(completed.Month()), snapshot.JudgmentID)
}

func (a *Archiver) ArchiveJudgment(ctx context.Context, snapshot Snapshot) error {
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := ObjectKey(snapshot)
	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
