package archive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/database"
	"github.com/mediaoffice/liveportal/pkg/queue"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string][]byte{}}
}

func (u *fakeUploader) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64, publicRead bool) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail {
		return "", errors.New("s3 down")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	u.objects[bucket+"/"+key] = data
	return "https://" + bucket + "/" + key, nil
}

func (u *fakeUploader) Exists(ctx context.Context, bucket, key string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.objects[bucket+"/"+key]
	return ok, nil
}

func (u *fakeUploader) get(key string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.objects[key]
	return b, ok
}

type mockUploader struct{ mock.Mock }

func (m *mockUploader) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64, publicRead bool) (string, error) {
	args := m.Called(ctx, bucket, key, contentType, body, contentLength, publicRead)
	return args.String(0), args.Error(1)
}

func (m *mockUploader) Exists(ctx context.Context, bucket, key string) (bool, error) {
	args := m.Called(ctx, bucket, key)
	return args.Bool(0), args.Error(1)
}

type fakeJobs struct {
	mu      sync.Mutex
	pending []*queue.Job
	retried []*queue.Job
}

func (j *fakeJobs) Dequeue(ctx context.Context) (*queue.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	job := j.pending[0]
	j.pending = j.pending[1:]
	return job, nil
}

func (j *fakeJobs) Retry(ctx context.Context, job *queue.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	job.Attempt++
	j.retried = append(j.retried, job)
	return nil
}

func (j *fakeJobs) retries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.retried)
}

func endedSession(t *testing.T, st *store.Badger) string {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _, err := st.CreateActiveSession(ctx, &models.BroadcastSession{
		ID:           "live-arch",
		Title:        "Archive me",
		HostID:       "admin-1",
		IsActive:     true,
		StartedAt:    now,
		LastActivity: now,
		Heartbeat:    &now,
		Participants: []models.Participant{},
	})
	require.NoError(t, err)

	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, st.InsertChatMessage(ctx, &models.ChatMessage{
			ID:        text,
			SessionID: s.ID,
			Message:   text,
			Type:      models.ChatTypeMessage,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, st.InsertReaction(ctx, &models.Reaction{ID: "r1", SessionID: s.ID, Emoji: "🎉", Timestamp: now}))
	_, err = st.EndSessions(ctx, store.EndFilter{ID: s.ID, Reason: "done", At: now.Add(time.Minute)})
	require.NoError(t, err)
	return s.ID
}

func newStore(t *testing.T) *store.Badger {
	t.Helper()
	db, err := database.OpenBadger("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewBadger(db, time.Minute)
}

func archiveJob(t *testing.T, sessionID string) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeSessionArchive, queue.ArchivePayload{SessionID: sessionID})
	require.NoError(t, err)
	return job
}

func TestProcessUploadsTranscript(t *testing.T) {
	st := newStore(t)
	id := endedSession(t, st)
	up := newFakeUploader()
	p := NewProcessor(st, up, &fakeJobs{}, "bucket", nil)

	require.NoError(t, p.Process(context.Background(), archiveJob(t, id)))

	raw, ok := up.get("bucket/archives/" + id + "/transcript.json")
	require.True(t, ok)
	var tr Transcript
	require.NoError(t, json.Unmarshal(raw, &tr))
	assert.Equal(t, id, tr.Session.ID)
	assert.False(t, tr.Session.IsActive)
	require.Len(t, tr.Messages, 3)
	assert.Equal(t, "first", tr.Messages[0].Message)
	assert.Equal(t, "third", tr.Messages[2].Message)
	assert.Len(t, tr.Reactions, 1)

	// a second run is a no-op
	up.fail = true
	require.NoError(t, p.Process(context.Background(), archiveJob(t, id)))
}

func TestProcessRejectsActiveAndUnknown(t *testing.T) {
	st := newStore(t)
	up := newFakeUploader()
	p := NewProcessor(st, up, &fakeJobs{}, "bucket", nil)

	err := p.Process(context.Background(), archiveJob(t, "live-missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = p.Process(context.Background(), &queue.Job{ID: "x", Type: "email"})
	assert.Error(t, err)
}

func TestServeRetriesFailedJobs(t *testing.T) {
	st := newStore(t)
	id := endedSession(t, st)
	up := newFakeUploader()
	up.fail = true
	jobs := &fakeJobs{pending: []*queue.Job{archiveJob(t, id)}}
	p := NewProcessor(st, up, jobs, "bucket", nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	require.Eventually(t, func() bool { return jobs.retries() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessStopsWhenExistsCheckFails(t *testing.T) {
	st := newStore(t)
	id := endedSession(t, st)
	up := &mockUploader{}
	up.On("Exists", mock.Anything, "bucket", "archives/"+id+"/transcript.json").Return(false, errors.New("access denied"))
	p := NewProcessor(st, up, &fakeJobs{}, "bucket", nil)

	err := p.Process(context.Background(), archiveJob(t, id))
	assert.EqualError(t, err, "access denied")
	up.AssertExpectations(t)
	up.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
