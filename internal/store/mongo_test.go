//go:build integration

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mediaoffice/liveportal/internal/models"
)

const mongoImage = "mongo:7.0"

// mongoURI is set by TestMain from MONGO_TEST_URI or a throwaway container.
var mongoURI string

func TestMain(m *testing.M) {
	ctx := context.Background()
	mongoURI = os.Getenv("MONGO_TEST_URI")

	var container testcontainers.Container
	if mongoURI == "" && dockerAvailable() {
		c, uri, err := startMongo(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mongo container: %v\n", err)
		} else {
			container, mongoURI = c, uri
		}
	}

	code := m.Run()
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func dockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return osexec.CommandContext(ctx, "docker", "info").Run() == nil
}

func startMongo(ctx context.Context) (testcontainers.Container, string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mongoImage,
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", err
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	port, err := c.MappedPort(ctx, "27017/tcp")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	return c, fmt.Sprintf("mongodb://%s:%s", host, port.Port()), nil
}

// newTestMongo returns a migrated backend on a database of its own.
func newTestMongo(t *testing.T) (*Mongo, *mongo.Database) {
	t.Helper()
	if mongoURI == "" {
		t.Skip("Skipping test: no MongoDB (set MONGO_TEST_URI or run Docker)")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI).SetServerSelectionTimeout(10*time.Second))
	require.NoError(t, err)

	db := client.Database("liveportal_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	m := NewMongo(db, 10*time.Second)
	require.NoError(t, m.Migrate(ctx, time.Minute))
	return m, db
}

func mongoNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func TestMongoConcurrentCreateYieldsOneSession(t *testing.T) {
	m, db := newTestMongo(t)
	ctx := context.Background()
	now := mongoNow()

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, ok, err := m.CreateActiveSession(ctx, newSession(fmt.Sprintf("live-%d", i), now))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[s.ID] = true
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1, "every caller must observe the same active session")

	active, err := db.Collection(CollectionBroadcasts).CountDocuments(ctx, bson.M{"isActive": true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, active)
	total, err := db.Collection(CollectionBroadcasts).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "losers insert nothing")
}

func TestMongoEndSessions(t *testing.T) {
	ctx := context.Background()
	now := mongoNow()
	cutoff := now.Add(-2 * time.Hour)

	t.Run("fresh session survives sweep", func(t *testing.T) {
		m, _ := newTestMongo(t)
		_, _, err := m.CreateActiveSession(ctx, newSession("live-fresh", now))
		require.NoError(t, err)

		ended, err := m.EndSessions(ctx, EndFilter{StaleBefore: &cutoff, At: now})
		require.NoError(t, err)
		assert.Empty(t, ended)

		_, err = m.FindActiveSession(ctx, "live-fresh")
		assert.NoError(t, err)
	})

	t.Run("stale heartbeat", func(t *testing.T) {
		m, _ := newTestMongo(t)
		_, _, err := m.CreateActiveSession(ctx, newSession("live-old", now.Add(-3*time.Hour)))
		require.NoError(t, err)

		ended, err := m.EndSessions(ctx, EndFilter{StaleBefore: &cutoff, Reason: "Automatic cleanup - no heartbeat", At: now})
		require.NoError(t, err)
		assert.Equal(t, []string{"live-old"}, ended)

		s, err := m.GetSession(ctx, "live-old")
		require.NoError(t, err)
		assert.Equal(t, models.StateEnded, s.State())
		assert.Equal(t, "Automatic cleanup - no heartbeat", s.EndReason)
		require.NotNil(t, s.EndedAt)
		assert.True(t, s.EndedAt.Equal(now))

		ended, err = m.EndSessions(ctx, EndFilter{StaleBefore: &cutoff, At: now})
		require.NoError(t, err)
		assert.Empty(t, ended, "ending twice is a no-op")

		_, created, err := m.CreateActiveSession(ctx, newSession("live-new", now))
		require.NoError(t, err)
		assert.True(t, created, "a new session can start after the sweep")
	})

	t.Run("missing heartbeat", func(t *testing.T) {
		m, _ := newTestMongo(t)
		s := newSession("live-silent", now)
		s.Heartbeat = nil
		_, _, err := m.CreateActiveSession(ctx, s)
		require.NoError(t, err)

		ended, err := m.EndSessions(ctx, EndFilter{StaleBefore: &cutoff, At: now})
		require.NoError(t, err)
		assert.Equal(t, []string{"live-silent"}, ended)
	})
}

func TestMongoParticipants(t *testing.T) {
	m, _ := newTestMongo(t)
	ctx := context.Background()
	now := mongoNow()
	_, _, err := m.CreateActiveSession(ctx, newSession("live-a", now))
	require.NoError(t, err)

	const viewers = 8
	var wg sync.WaitGroup
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AppendParticipant(ctx, "", models.Participant{
				ID:               fmt.Sprintf("p%d", i),
				Name:             fmt.Sprintf("Viewer %d", i),
				UserType:         models.UserTypeViewer,
				ConnectionStatus: models.ConnectionConnected,
				JoinedAt:         now,
			}, now)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	_, err = m.AppendParticipant(ctx, "live-a", models.Participant{ID: "guest", Name: "Guest", UserType: models.UserTypeParticipant}, now)
	require.NoError(t, err)

	s, err := m.GetSession(ctx, "live-a")
	require.NoError(t, err)
	assert.Len(t, s.Participants, viewers+2, "host plus every join")
	assert.EqualValues(t, viewers, s.Stats.TotalViewers, "only viewers are counted")

	later := now.Add(time.Minute)
	status := models.ConnectionDisconnected
	p, err := m.UpdateParticipant(ctx, "live-a", "p3", ParticipantUpdate{ConnectionStatus: &status}, later)
	require.NoError(t, err)
	assert.Equal(t, "p3", p.ID)
	assert.Equal(t, models.ConnectionDisconnected, p.ConnectionStatus)
	require.NotNil(t, p.LeftAt)
	assert.True(t, p.LeftAt.Equal(later))

	s, err = m.GetSession(ctx, "live-a")
	require.NoError(t, err)
	for _, other := range s.Participants {
		if other.ID != "p3" {
			assert.Nil(t, other.LeftAt, "positional update touches only %s", "p3")
		}
	}

	_, err = m.UpdateParticipant(ctx, "live-a", "missing", ParticipantUpdate{ConnectionStatus: &status}, later)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.IncrementStat(ctx, "live-a", StatReactions, 3))
	s, err = m.GetSession(ctx, "live-a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, s.Stats.Reactions)
}

func TestMongoChatOrderingAndSoftDelete(t *testing.T) {
	m, _ := newTestMongo(t)
	ctx := context.Background()
	base := mongoNow()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.InsertChatMessage(ctx, &models.ChatMessage{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "live-a",
			Message:   fmt.Sprintf("message %d", i),
			Type:      models.ChatTypeMessage,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, m.SoftDeleteChatMessage(ctx, "live-a", "m4", base))
	require.NoError(t, m.SoftDeleteChatMessage(ctx, "live-a", "m4", base), "deleting twice is idempotent")
	assert.ErrorIs(t, m.SoftDeleteChatMessage(ctx, "live-a", "missing", base), ErrNotFound)

	page, err := m.ListChatMessages(ctx, "live-a", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].ID, "newest non-deleted first")
	assert.Equal(t, "m2", page[1].ID)

	n, err := m.CountChatMessages(ctx, "live-a")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestMongoTakeSignals(t *testing.T) {
	m, db := newTestMongo(t)
	ctx := context.Background()
	base := mongoNow()

	insert := func(id, from, to string, offset int) {
		require.NoError(t, m.InsertSignal(ctx, &models.SignalingMessage{
			ID:        id,
			SessionID: "live-a",
			Type:      models.SignalCandidate,
			Payload:   json.RawMessage(`{"candidate":"x"}`),
			From:      from,
			To:        to,
			Timestamp: base.Add(time.Duration(offset) * time.Millisecond),
		}))
	}
	remaining := func() int64 {
		n, err := db.Collection(CollectionSignaling).CountDocuments(ctx, bson.M{"sessionId": "live-a"})
		require.NoError(t, err)
		return n
	}
	for i := 0; i < 12; i++ {
		insert(fmt.Sprintf("s%02d", i), "", "", i)
	}

	batch, err := m.TakeSignals(ctx, "live-a", "", 10)
	require.NoError(t, err)
	require.Len(t, batch, 10)
	assert.Equal(t, "s00", batch[0].ID, "oldest first")
	assert.Equal(t, "s09", batch[9].ID)
	assert.EqualValues(t, 2, remaining(), "exactly the fetched batch is deleted")

	batch, err = m.TakeSignals(ctx, "live-a", "", 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Zero(t, remaining())

	t.Run("peer addressing", func(t *testing.T) {
		insert("own", "viewer-1", "", 20)
		insert("for-me", "host", "viewer-1", 21)
		insert("for-other", "host", "viewer-2", 22)
		insert("for-all", "host", "", 23)

		batch, err := m.TakeSignals(ctx, "live-a", "viewer-1", 10)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, "for-me", batch[0].ID)
		assert.Equal(t, "for-all", batch[1].ID)
		assert.JSONEq(t, `{"candidate":"x"}`, string(batch[0].Payload))

		assert.EqualValues(t, 2, remaining(), "messages not delivered stay in the mailbox")
	})
}
