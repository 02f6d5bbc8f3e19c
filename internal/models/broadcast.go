package models

import "time"

// SessionState is the lifecycle state derived from the isActive/isPaused flags.
type SessionState string

const (
	StateLive   SessionState = "live"
	StatePaused SessionState = "paused"
	StateEnded  SessionState = "ended"
)

// UserType is the role a participant joined with.
type UserType string

const (
	UserTypeHost        UserType = "host"
	UserTypeViewer      UserType = "viewer"
	UserTypeParticipant UserType = "participant"
)

// Valid reports whether t is a known user type.
func (t UserType) Valid() bool {
	switch t {
	case UserTypeHost, UserTypeViewer, UserTypeParticipant:
		return true
	}
	return false
}

// StreamHealth is a synthetic health label derived from uptime only.
// It does not reflect measured transport quality.
type StreamHealth string

const (
	HealthInitializing StreamHealth = "initializing"
	HealthGood         StreamHealth = "good"
	HealthExcellent    StreamHealth = "excellent"
)

// HealthForUptime maps elapsed broadcast time to a health label.
func HealthForUptime(uptime time.Duration) StreamHealth {
	switch {
	case uptime < time.Minute:
		return HealthInitializing
	case uptime < 5*time.Minute:
		return HealthGood
	default:
		return HealthExcellent
	}
}

// ConnectionStatus tracks a participant's transport presence.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Valid reports whether s is a known connection status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionConnected, ConnectionConnecting, ConnectionDisconnected:
		return true
	}
	return false
}

// BroadcastSession is one live broadcast. At most one document has IsActive set.
type BroadcastSession struct {
	ID           string        `bson:"_id" json:"id"`
	Title        string        `bson:"title" json:"title"`
	Description  string        `bson:"description" json:"description"`
	HostID       string        `bson:"hostId" json:"hostId"`
	ShareLink    string        `bson:"shareLink" json:"shareLink"`
	IsActive     bool          `bson:"isActive" json:"isActive"`
	IsPaused     bool          `bson:"isPaused" json:"isPaused"`
	StartedAt    time.Time     `bson:"startedAt" json:"startedAt"`
	PausedAt     *time.Time    `bson:"pausedAt,omitempty" json:"pausedAt,omitempty"`
	ResumedAt    *time.Time    `bson:"resumedAt,omitempty" json:"resumedAt,omitempty"`
	EndedAt      *time.Time    `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
	EndReason    string        `bson:"endReason,omitempty" json:"endReason,omitempty"`
	LastActivity time.Time     `bson:"lastActivity" json:"lastActivity"`
	Heartbeat    *time.Time    `bson:"heartbeat,omitempty" json:"heartbeat,omitempty"`
	Participants []Participant `bson:"participants" json:"participants"`
	Settings     Settings      `bson:"settings" json:"settings"`
	Stats        Stats         `bson:"stats" json:"stats"`
	CreatedAt    time.Time     `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time     `bson:"updatedAt" json:"updatedAt"`
}

// State derives the lifecycle state from the flags.
func (s *BroadcastSession) State() SessionState {
	switch {
	case !s.IsActive:
		return StateEnded
	case s.IsPaused:
		return StatePaused
	default:
		return StateLive
	}
}

// ConnectedCount returns the number of participants currently connected.
func (s *BroadcastSession) ConnectedCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.ConnectionStatus == ConnectionConnected {
			n++
		}
	}
	return n
}

// IsStale reports whether the session has missed its liveness window as of cutoff.
func (s *BroadcastSession) IsStale(cutoff time.Time) bool {
	if s.Heartbeat == nil || s.Heartbeat.Before(cutoff) {
		return true
	}
	return s.LastActivity.Before(cutoff)
}

// Settings are advisory toggles for downstream UI and relay behavior.
type Settings struct {
	AllowChat        bool `bson:"allowChat" json:"allowChat"`
	AllowReactions   bool `bson:"allowReactions" json:"allowReactions"`
	AllowScreenShare bool `bson:"allowScreenShare" json:"allowScreenShare"`
	MaxParticipants  int  `bson:"maxParticipants" json:"maxParticipants"`
	RequireApproval  bool `bson:"requireApproval" json:"requireApproval"`
	IsPublic         bool `bson:"isPublic" json:"isPublic"`
	AutoRecord       bool `bson:"autoRecord" json:"autoRecord"`
	AllowAnonymous   bool `bson:"allowAnonymous" json:"allowAnonymous"`
}

// DefaultSettings returns the settings applied when a start request omits them.
func DefaultSettings() Settings {
	return Settings{
		AllowChat:       true,
		AllowReactions:  true,
		MaxParticipants: 100,
		IsPublic:        true,
		AllowAnonymous:  true,
	}
}

// SettingsPatch carries optional overrides; nil fields keep the default.
type SettingsPatch struct {
	AllowChat        *bool `json:"allowChat"`
	AllowReactions   *bool `json:"allowReactions"`
	AllowScreenShare *bool `json:"allowScreenShare"`
	MaxParticipants  *int  `json:"maxParticipants"`
	RequireApproval  *bool `json:"requireApproval"`
	IsPublic         *bool `json:"isPublic"`
	AutoRecord       *bool `json:"autoRecord"`
	AllowAnonymous   *bool `json:"allowAnonymous"`
}

// Apply overlays the non-nil fields of p onto s.
func (p *SettingsPatch) Apply(s Settings) Settings {
	if p == nil {
		return s
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setBool(&s.AllowChat, p.AllowChat)
	setBool(&s.AllowReactions, p.AllowReactions)
	setBool(&s.AllowScreenShare, p.AllowScreenShare)
	setBool(&s.RequireApproval, p.RequireApproval)
	setBool(&s.IsPublic, p.IsPublic)
	setBool(&s.AutoRecord, p.AutoRecord)
	setBool(&s.AllowAnonymous, p.AllowAnonymous)
	if p.MaxParticipants != nil && *p.MaxParticipants > 0 {
		s.MaxParticipants = *p.MaxParticipants
	}
	return s
}

// Stats are advisory counters maintained with atomic increments.
type Stats struct {
	ChatMessages int64 `bson:"chatMessages" json:"chatMessages"`
	Reactions    int64 `bson:"reactions" json:"reactions"`
	TotalViewers int64 `bson:"totalViewers" json:"totalViewers"`
}

// Participant is embedded in a session; entries are appended, never removed.
type Participant struct {
	ID               string           `bson:"id" json:"id"`
	Name             string           `bson:"name" json:"name"`
	IsHost           bool             `bson:"isHost" json:"isHost"`
	UserType         UserType         `bson:"userType" json:"userType"`
	JoinedAt         time.Time        `bson:"joinedAt" json:"joinedAt"`
	LeftAt           *time.Time       `bson:"leftAt,omitempty" json:"leftAt,omitempty"`
	LastSeen         time.Time        `bson:"lastSeen" json:"lastSeen"`
	Permissions      Permissions      `bson:"permissions" json:"permissions"`
	ConnectionStatus ConnectionStatus `bson:"connectionStatus" json:"connectionStatus"`
	MediaStatus      MediaStatus      `bson:"mediaStatus" json:"mediaStatus"`
}

// Permissions gate what a participant may do in the client.
type Permissions struct {
	CanSpeak       bool `bson:"canSpeak" json:"canSpeak"`
	CanVideo       bool `bson:"canVideo" json:"canVideo"`
	CanScreenShare bool `bson:"canScreenShare" json:"canScreenShare"`
	CanChat        bool `bson:"canChat" json:"canChat"`
	CanReact       bool `bson:"canReact" json:"canReact"`
}

// PermissionsFor returns the role defaults applied at join time.
func PermissionsFor(t UserType, settings Settings) Permissions {
	switch t {
	case UserTypeHost:
		return Permissions{CanSpeak: true, CanVideo: true, CanScreenShare: true, CanChat: true, CanReact: true}
	case UserTypeParticipant:
		return Permissions{CanSpeak: true, CanVideo: true, CanScreenShare: settings.AllowScreenShare, CanChat: true, CanReact: true}
	default:
		return Permissions{CanChat: true, CanReact: true}
	}
}

// MediaStatus reports which tracks a participant is publishing.
type MediaStatus struct {
	Video       bool `bson:"video" json:"video"`
	Audio       bool `bson:"audio" json:"audio"`
	ScreenShare bool `bson:"screenShare" json:"screenShare"`
}
