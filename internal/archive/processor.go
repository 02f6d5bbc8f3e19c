// Package archive uploads a JSON transcript of each ended broadcast to S3.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/metrics"
	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/queue"
	"github.com/mediaoffice/liveportal/pkg/storage"
)

const (
	chatPage     = 200
	reactionsCap = 10000
)

// Jobs is the queue the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Uploader writes objects to the archive bucket.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64, publicRead bool) (string, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Store is the read side the transcript is built from.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.BroadcastSession, error)
	ListChatMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, error)
	ListReactions(ctx context.Context, sessionID string, limit int) ([]models.Reaction, error)
}

// Transcript is the archived record of one broadcast.
type Transcript struct {
	Session    *models.BroadcastSession `json:"session"`
	Messages   []models.ChatMessage     `json:"messages"`
	Reactions  []models.Reaction        `json:"reactions"`
	ArchivedAt time.Time                `json:"archivedAt"`
}

// Processor consumes session archive jobs.
type Processor struct {
	store    Store
	uploader Uploader
	jobs     Jobs
	bucket   string
	backoff  time.Duration
	logger   *zap.Logger
}

// NewProcessor creates an archive processor writing to bucket.
func NewProcessor(st Store, uploader Uploader, jobs Jobs, bucket string, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    st,
		uploader: uploader,
		jobs:     jobs,
		bucket:   bucket,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
}

// Process executes one archive job. Already archived sessions are skipped.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	key := storage.TranscriptKey(payload.SessionID)
	exists, err := p.uploader.Exists(ctx, p.bucket, key)
	if err != nil {
		return err
	}
	if exists {
		p.logger.Info("session already archived", zap.String("session_id", payload.SessionID))
		return nil
	}

	t, err := p.transcript(ctx, payload.SessionID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	url, err := p.uploader.Upload(ctx, p.bucket, key, "application/json", bytes.NewReader(body), int64(len(body)), false)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	p.logger.Info("session archived",
		zap.String("session_id", payload.SessionID),
		zap.Int("messages", len(t.Messages)),
		zap.String("url", url),
	)
	return nil
}

func (p *Processor) transcript(ctx context.Context, sessionID string) (*Transcript, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.IsActive {
		return nil, fmt.Errorf("session %s is still active", sessionID)
	}

	var messages []models.ChatMessage
	for offset := 0; ; offset += chatPage {
		page, err := p.store.ListChatMessages(ctx, sessionID, chatPage, offset)
		if err != nil {
			return nil, fmt.Errorf("list chat: %w", err)
		}
		messages = append(messages, page...)
		if len(page) < chatPage {
			break
		}
	}
	// stored newest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	reactions, err := p.store.ListReactions(ctx, sessionID, reactionsCap)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	return &Transcript{Session: session, Messages: messages, Reactions: reactions, ArchivedAt: time.Now().UTC()}, nil
}

// Serve implements suture.Service: dequeue, process, retry on error.
func (p *Processor) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return ctx.Err()
		default:
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			if !sleep(ctx, p.backoff) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			metrics.ArchiveJobs.WithLabelValues(resultLabel(err)).Inc()
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			if !sleep(ctx, p.backoff) {
				return ctx.Err()
			}
			continue
		}
		metrics.ArchiveJobs.WithLabelValues("ok").Inc()
	}
}

// String implements fmt.Stringer for supervisor logs.
func (p *Processor) String() string { return "archive-processor" }

func resultLabel(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "missing"
	}
	return "error"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
