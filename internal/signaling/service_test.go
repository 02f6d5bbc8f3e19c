package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/apperr"
	"github.com/mediaoffice/liveportal/pkg/database"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func sdpPayload(typ, sdp string) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"sdp":%q}`, typ, sdp))
}

type countingPublisher struct{ n int }

func (p *countingPublisher) Publish(sessionID, event string, payload interface{}) { p.n++ }

func newTestService(t *testing.T) (*Service, *countingPublisher, string) {
	t.Helper()
	db, err := database.OpenBadger("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewBadger(db, time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, _, err = st.CreateActiveSession(context.Background(), &models.BroadcastSession{
		ID:           "live-sig",
		Title:        "Signals",
		HostID:       "admin-1",
		IsActive:     true,
		StartedAt:    now,
		LastActivity: now,
		Heartbeat:    &now,
		Participants: []models.Participant{},
	})
	require.NoError(t, err)

	pub := &countingPublisher{}
	svc := NewService(st, nil, Options{
		Publisher: pub,
		Now: func() time.Time {
			now = now.Add(time.Millisecond)
			return now
		},
	})
	return svc, pub, "live-sig"
}

func TestSendValidatesPayload(t *testing.T) {
	svc, pub, sessionID := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		typ     string
		payload []byte
	}{
		{"unknown type", "bye", []byte(`{}`)},
		{"not json", "offer", []byte(`{nope`)},
		{"empty payload", "candidate", nil},
		{"type mismatch", "offer", sdpPayload("answer", testSDP)},
		{"unparsable sdp", "offer", sdpPayload("offer", "hello")},
		{"candidate not an object", "candidate", []byte(`["candidate:1"]`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Send(ctx, SendInput{SessionID: sessionID, Type: tc.typ, Payload: tc.payload})
			assert.True(t, apperr.Is(err, apperr.KindBadRequest), "got %v", err)
		})
	}
	assert.Zero(t, pub.n)
}

func TestSendRelaysEndOfCandidates(t *testing.T) {
	svc, pub, sessionID := newTestService(t)
	ctx := context.Background()

	msg, err := svc.Send(ctx, SendInput{SessionID: sessionID, Type: "candidate", Payload: []byte(`{"candidate":""}`), From: "host"})
	require.NoError(t, err)
	assert.Equal(t, models.SignalCandidate, msg.Type)
	assert.Equal(t, 1, pub.n)

	got, err := svc.Poll(ctx, sessionID, "viewer-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.JSONEq(t, `{"candidate":""}`, string(got.Messages[0].Payload))
}

func TestSendRequiresActiveSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Send(context.Background(), SendInput{SessionID: "live-missing", Type: "offer", Payload: sdpPayload("offer", testSDP)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPollDeliversInBatches(t *testing.T) {
	svc, pub, sessionID := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, SendInput{SessionID: "default", Type: "offer", Payload: sdpPayload("offer", testSDP), From: "host"})
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		payload := []byte(fmt.Sprintf(`{"candidate":"candidate:%d 1 udp 2122260223 10.0.0.1 5000%d typ host","sdpMid":"0"}`, i, i))
		_, err := svc.Send(ctx, SendInput{SessionID: sessionID, Type: "candidate", Payload: payload, From: "host"})
		require.NoError(t, err)
	}
	assert.Equal(t, 12, pub.n)

	first, err := svc.Poll(ctx, sessionID, "viewer-1")
	require.NoError(t, err)
	require.Len(t, first.Messages, 10)
	assert.Equal(t, models.SignalOffer, first.Messages[0].Type, "oldest first")

	second, err := svc.Poll(ctx, "default", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, sessionID, second.SessionID)
	assert.Len(t, second.Messages, 2)

	third, err := svc.Poll(ctx, sessionID, "viewer-1")
	require.NoError(t, err)
	assert.Empty(t, third.Messages)
}

func TestPollFiltersByPeer(t *testing.T) {
	svc, _, sessionID := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, SendInput{SessionID: sessionID, Type: "offer", Payload: sdpPayload("offer", testSDP), From: "host", To: "viewer-1"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendInput{SessionID: sessionID, Type: "answer", Payload: sdpPayload("answer", testSDP), From: "viewer-2", To: "host"})
	require.NoError(t, err)

	got, err := svc.Poll(ctx, sessionID, "viewer-2")
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "neither addressed to nor from another peer")

	got, err = svc.Poll(ctx, sessionID, "viewer-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "host", got.Messages[0].From)

	got, err = svc.Poll(ctx, sessionID, "host")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, models.SignalAnswer, got.Messages[0].Type)
}
