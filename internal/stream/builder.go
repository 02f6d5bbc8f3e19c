// Package stream describes how a viewer can receive the active broadcast.
//
// Health and quality are derived from uptime alone and do not reflect
// measured transport conditions.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/models"
	"github.com/mediaoffice/liveportal/internal/signaling"
	"github.com/mediaoffice/liveportal/internal/store"
	"github.com/mediaoffice/liveportal/pkg/apperr"
	"github.com/mediaoffice/liveportal/pkg/storage"
)

// Transport names.
const (
	TransportWebRTC = "webrtc"
	TransportHLS    = "hls"
	TransportDemo   = "demo"
)

// Actions accepted by Dispatch.
const (
	ActionICEServers = "ice-servers"
	ActionOffer      = "offer"
	ActionAnswer     = "answer"
	ActionCandidate  = "candidate"
	ActionDescribe   = "describe"
)

const defaultSessionID = "default"

// Sessions looks up the active broadcast.
type Sessions interface {
	FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error)
}

// Relay forwards signaling payloads.
type Relay interface {
	Send(ctx context.Context, in signaling.SendInput) (*models.SignalingMessage, error)
}

// Config is the transport configuration.
type Config struct {
	ICEURLs       []string
	HLSBaseURL    string
	DemoStreamURL string
	// S3Region and S3Bucket switch HLS to the public object URL when both are set.
	S3Region string
	S3Bucket string
}

// TransportOption is one way to receive the stream.
type TransportOption struct {
	Type       string             `json:"type"`
	URL        string             `json:"url,omitempty"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
	Available  bool               `json:"available"`
}

// Descriptor is the response of Describe.
type Descriptor struct {
	SessionID  string              `json:"sessionId"`
	Title      string              `json:"title"`
	State      models.SessionState `json:"state"`
	Uptime     int64               `json:"uptime"` // seconds
	Health     models.StreamHealth `json:"health"`
	Quality    string              `json:"quality"`
	Primary    string              `json:"primary"`
	Fallback   string              `json:"fallback"`
	Transports []TransportOption   `json:"transports"`
}

// Builder computes stream descriptors.
type Builder struct {
	sessions Sessions
	relay    Relay
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewBuilder creates a builder. relay may be nil, in which case signaling actions fail.
func NewBuilder(sessions Sessions, relay Relay, cfg Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{sessions: sessions, relay: relay, cfg: cfg, now: time.Now, logger: logger}
}

// QualityFor maps a health label to the advertised rendition.
func QualityFor(h models.StreamHealth) string {
	switch h {
	case models.HealthExcellent:
		return "1080p"
	case models.HealthGood:
		return "720p"
	default:
		return "auto"
	}
}

// ICEServers returns the configured ICE servers.
func (b *Builder) ICEServers() []webrtc.ICEServer {
	if len(b.cfg.ICEURLs) == 0 {
		return []webrtc.ICEServer{}
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), b.cfg.ICEURLs...)}}
}

// HLSURL returns the playlist URL for a session.
func (b *Builder) HLSURL(sessionID string) string {
	if b.cfg.S3Bucket != "" && b.cfg.S3Region != "" {
		return storage.PublicObjectURL(b.cfg.S3Region, b.cfg.S3Bucket, storage.HLSPlaylistKey(sessionID))
	}
	if b.cfg.HLSBaseURL == "" {
		return ""
	}
	return strings.TrimRight(b.cfg.HLSBaseURL, "/") + "/" + sessionID + "/index.m3u8"
}

// Describe returns the transport options and synthetic health of an active session.
func (b *Builder) Describe(ctx context.Context, sessionID string) (*Descriptor, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == defaultSessionID {
		sessionID = ""
	}
	session, err := b.sessions.FindActiveSession(ctx, sessionID)
	if err != nil {
		return nil, store.AppError(err, "broadcast is not active")
	}

	uptime := b.now().Sub(session.StartedAt)
	if uptime < 0 {
		uptime = 0
	}
	health := models.HealthForUptime(uptime)
	hls := b.HLSURL(session.ID)

	return &Descriptor{
		SessionID: session.ID,
		Title:     session.Title,
		State:     session.State(),
		Uptime:    int64(uptime / time.Second),
		Health:    health,
		Quality:   QualityFor(health),
		Primary:   TransportWebRTC,
		Fallback:  TransportHLS,
		Transports: []TransportOption{
			{Type: TransportWebRTC, ICEServers: b.ICEServers(), Available: true},
			{Type: TransportHLS, URL: hls, Available: hls != ""},
			{Type: TransportDemo, URL: b.cfg.DemoStreamURL, Available: b.cfg.DemoStreamURL != ""},
		},
	}, nil
}

// Action is a POST stream/{id} request. Payload is only read by signaling actions.
type Action struct {
	Action  string
	Payload []byte
	From    string
	To      string
}

// Dispatch runs a stream action. Signaling actions are forwarded to the relay.
func (b *Builder) Dispatch(ctx context.Context, sessionID string, a Action) (interface{}, error) {
	switch strings.TrimSpace(a.Action) {
	case ActionICEServers:
		return map[string]interface{}{"iceServers": b.ICEServers()}, nil
	case ActionDescribe:
		return b.Describe(ctx, sessionID)
	case ActionOffer, ActionAnswer, ActionCandidate:
		if b.relay == nil {
			return nil, apperr.BadRequest("signaling is not enabled")
		}
		return b.relay.Send(ctx, signaling.SendInput{
			SessionID: sessionID,
			Type:      a.Action,
			Payload:   a.Payload,
			From:      a.From,
			To:        a.To,
		})
	default:
		return nil, apperr.BadRequest("unknown action: " + a.Action)
	}
}
