package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/signaling"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/apperr"
)

type fakeSessions struct {
	session *models.BroadcastSession
}

func (f *fakeSessions) FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	if f.session == nil || (id != "" && id != f.session.ID) {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

type fakeRelay struct {
	got []signaling.SendInput
}

func (r *fakeRelay) Send(ctx context.Context, in signaling.SendInput) (*models.SignalingMessage, error) {
	r.got = append(r.got, in)
	return &models.SignalingMessage{ID: "sig-1", SessionID: in.SessionID, Type: models.SignalType(in.Type)}, nil
}

var started = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuilder(cfg Config) (*Builder, *fakeRelay) {
	relay := &fakeRelay{}
	b := NewBuilder(&fakeSessions{session: &models.BroadcastSession{
		ID:        "live-abc",
		Title:     "Evening news",
		IsActive:  true,
		StartedAt: started,
	}}, relay, cfg, nil)
	return b, relay
}

func TestDescribeHealthThresholds(t *testing.T) {
	b, _ := newTestBuilder(Config{ICEURLs: []string{"stun:stun.l.google.com:19302"}})

	cases := []struct {
		uptime  time.Duration
		health  models.StreamHealth
		quality string
	}{
		{59 * time.Second, models.HealthInitializing, "auto"},
		{60 * time.Second, models.HealthGood, "720p"},
		{299 * time.Second, models.HealthGood, "720p"},
		{300 * time.Second, models.HealthExcellent, "1080p"},
	}
	for _, tc := range cases {
		t.Run(tc.uptime.String(), func(t *testing.T) {
			b.now = func() time.Time { return started.Add(tc.uptime) }
			d, err := b.Describe(context.Background(), "default")
			require.NoError(t, err)
			assert.Equal(t, tc.health, d.Health)
			assert.Equal(t, tc.quality, d.Quality)
			assert.Equal(t, int64(tc.uptime/time.Second), d.Uptime)
		})
	}
}

func TestDescribeTransports(t *testing.T) {
	b, _ := newTestBuilder(Config{
		ICEURLs:       []string{"stun:a:3478", "stun:b:3478"},
		HLSBaseURL:    "https://cdn.example/hls/",
		DemoStreamURL: "https://demo.example/stream.m3u8",
	})
	b.now = func() time.Time { return started.Add(10 * time.Second) }

	d, err := b.Describe(context.Background(), "live-abc")
	require.NoError(t, err)
	assert.Equal(t, TransportWebRTC, d.Primary)
	assert.Equal(t, TransportHLS, d.Fallback)
	require.Len(t, d.Transports, 3)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, d.Transports[0].ICEServers[0].URLs)
	assert.Equal(t, "https://cdn.example/hls/live-abc/index.m3u8", d.Transports[1].URL)
	assert.Equal(t, "https://demo.example/stream.m3u8", d.Transports[2].URL)

	b.cfg.S3Region = "eu-west-1"
	b.cfg.S3Bucket = "media"
	assert.Equal(t, "https://media.s3.eu-west-1.amazonaws.com/hls/live-abc/index.m3u8", b.HLSURL("live-abc"))

	_, err = b.Describe(context.Background(), "live-other")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDispatch(t *testing.T) {
	b, relay := newTestBuilder(Config{ICEURLs: []string{"stun:a:3478"}})
	ctx := context.Background()

	out, err := b.Dispatch(ctx, "live-abc", Action{Action: ActionICEServers})
	require.NoError(t, err)
	assert.Contains(t, out, "iceServers")

	_, err = b.Dispatch(ctx, "live-abc", Action{Action: ActionCandidate, Payload: []byte(`{"candidate":"x"}`), From: "p1"})
	require.NoError(t, err)
	require.Len(t, relay.got, 1)
	assert.Equal(t, "candidate", relay.got[0].Type)
	assert.Equal(t, "live-abc", relay.got[0].SessionID)

	_, err = b.Dispatch(ctx, "live-abc", Action{Action: "teleport"})
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestHandlerDispatch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, relay := newTestBuilder(Config{})
	h := NewHandler(b, nil)
	r := gin.New()
	r.GET("/stream/:id", h.Describe)
	r.POST("/stream/:id", h.Dispatch)

	body, _ := json.Marshal(map[string]interface{}{
		"action":  "offer",
		"payload": map[string]string{"type": "offer", "sdp": "v=0"},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stream/live-abc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, relay.got, 1)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(relay.got[0].Payload))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/live-missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
