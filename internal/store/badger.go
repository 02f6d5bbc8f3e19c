package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/mediaoffice/liveportal/internal/models"
)

const maxTxnRetries = 8

var activeKey = []byte("bc:active")

func sessionKey(id string) []byte { return []byte("bc:session:" + id) }

func chatPrefix(sessionID string) []byte { return []byte("bc:chat:" + sessionID + ":") }

func chatIndexKey(sessionID, messageID string) []byte {
	return []byte("bc:chatidx:" + sessionID + ":" + messageID)
}

func reactionPrefix(sessionID string) []byte { return []byte("bc:reaction:" + sessionID + ":") }

func signalPrefix(sessionID string) []byte { return []byte("bc:signal:" + sessionID + ":") }

// orderedKey appends a fixed-width timestamp and id so keys sort by time.
func orderedKey(prefix []byte, at time.Time, id string) []byte {
	return append(append([]byte{}, prefix...), fmt.Sprintf("%020d:%s", at.UnixNano(), id)...)
}

// Badger is an embedded Backend. The bc:active key points at the single
// active session and is only changed inside serializable transactions.
type Badger struct {
	db        *badger.DB
	signalTTL time.Duration
}

// NewBadger wraps an open database. Signals expire after signalTTL when it is positive.
func NewBadger(db *badger.DB, signalTTL time.Duration) *Badger {
	return &Badger{db: db, signalTTL: signalTTL}
}

// Name implements Backend.
func (b *Badger) Name() string { return "badger" }

// Ping implements Backend.
func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return fmt.Errorf("%w: badger is closed", ErrUnavailable)
	}
	return nil
}

// Close implements Backend.
func (b *Badger) Close(ctx context.Context) error {
	return b.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflicts.
// fn must reset any captured results since it may run more than once.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return b.wrap(err)
	}
	return fmt.Errorf("%w: too many transaction conflicts", ErrUnavailable)
}

func (b *Badger) view(fn func(txn *badger.Txn) error) error {
	return b.wrap(b.db.View(fn))
}

func (b *Badger) wrap(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func activeID(txn *badger.Txn) (string, error) {
	item, err := txn.Get(activeKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// loadActive reads the active session id, or the one the pointer names when id is empty.
func loadActive(txn *badger.Txn, id string) (*models.BroadcastSession, error) {
	if id == "" {
		var err error
		if id, err = activeID(txn); err != nil {
			return nil, err
		}
	}
	var s models.BroadcastSession
	if err := getJSON(txn, sessionKey(id), &s); err != nil {
		return nil, err
	}
	if !s.IsActive {
		return nil, ErrNotFound
	}
	return &s, nil
}

// CreateActiveSession implements SessionStore.
func (b *Badger) CreateActiveSession(ctx context.Context, s *models.BroadcastSession) (*models.BroadcastSession, bool, error) {
	var (
		out     *models.BroadcastSession
		created bool
	)
	err := b.update(func(txn *badger.Txn) error {
		out, created = nil, false
		existing, err := loadActive(txn, "")
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		doc := *s
		doc.IsActive = true
		if err := setJSON(txn, sessionKey(doc.ID), &doc); err != nil {
			return err
		}
		if err := txn.Set(activeKey, []byte(doc.ID)); err != nil {
			return err
		}
		out, created = &doc, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// FindActiveSession implements SessionStore.
func (b *Badger) FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	var out *models.BroadcastSession
	err := b.view(func(txn *badger.Txn) error {
		s, err := loadActive(txn, id)
		out = s
		return err
	})
	return out, err
}

// GetSession implements SessionStore.
func (b *Badger) GetSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	var s models.BroadcastSession
	if err := b.view(func(txn *badger.Txn) error {
		return getJSON(txn, sessionKey(id), &s)
	}); err != nil {
		return nil, err
	}
	return &s, nil
}

// mutateActive applies fn to the active session id and writes it back.
// An empty id selects the active session only when anyActive is set.
func (b *Badger) mutateActive(id string, anyActive bool, fn func(s *models.BroadcastSession) error) (*models.BroadcastSession, error) {
	if id == "" && !anyActive {
		return nil, ErrNotFound
	}
	var out *models.BroadcastSession
	err := b.update(func(txn *badger.Txn) error {
		out = nil
		s, err := loadActive(txn, id)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		if err := setJSON(txn, sessionKey(s.ID), s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPaused implements SessionStore.
func (b *Badger) SetPaused(ctx context.Context, id, hostID string, paused bool, at time.Time) (*models.BroadcastSession, error) {
	return b.mutateActive(id, false, func(s *models.BroadcastSession) error {
		if s.IsPaused == paused || s.HostID != hostID {
			return ErrNotFound
		}
		s.IsPaused = paused
		if paused {
			s.PausedAt, s.ResumedAt = &at, nil
		} else {
			s.ResumedAt, s.PausedAt = &at, nil
		}
		s.LastActivity, s.UpdatedAt = at, at
		return nil
	})
}

// EndSessions implements SessionStore.
func (b *Badger) EndSessions(ctx context.Context, f EndFilter) ([]string, error) {
	var ended []string
	err := b.update(func(txn *badger.Txn) error {
		ended = []string{}

		var candidates []*models.BroadcastSession
		if f.ID != "" {
			s, err := loadActive(txn, f.ID)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			candidates = append(candidates, s)
		} else {
			prefix := []byte("bc:session:")
			it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 16, Prefix: prefix})
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var s models.BroadcastSession
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &s)
				}); err != nil {
					it.Close()
					return err
				}
				if s.IsActive {
					candidates = append(candidates, &s)
				}
			}
			it.Close()
		}

		pointer, err := activeID(txn)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		for _, s := range candidates {
			if f.StaleBefore != nil && !s.IsStale(*f.StaleBefore) {
				continue
			}
			at := f.At
			s.IsActive, s.IsPaused = false, false
			s.EndedAt, s.UpdatedAt = &at, at
			if f.Reason != "" {
				s.EndReason = f.Reason
			}
			if err := setJSON(txn, sessionKey(s.ID), s); err != nil {
				return err
			}
			if s.ID == pointer {
				if err := txn.Delete(activeKey); err != nil {
					return err
				}
			}
			ended = append(ended, s.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

// TouchSession implements SessionStore.
func (b *Badger) TouchSession(ctx context.Context, id string, at time.Time) (string, error) {
	s, err := b.mutateActive(id, true, func(s *models.BroadcastSession) error {
		s.Heartbeat = &at
		s.LastActivity, s.UpdatedAt = at, at
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// AppendParticipant implements SessionStore.
func (b *Badger) AppendParticipant(ctx context.Context, id string, p models.Participant, at time.Time) (*models.BroadcastSession, error) {
	return b.mutateActive(id, true, func(s *models.BroadcastSession) error {
		s.Participants = append(s.Participants, p)
		if p.UserType == models.UserTypeViewer {
			s.Stats.TotalViewers++
		}
		s.LastActivity, s.UpdatedAt = at, at
		return nil
	})
}

// UpdateParticipant implements SessionStore.
func (b *Badger) UpdateParticipant(ctx context.Context, id, participantID string, u ParticipantUpdate, at time.Time) (*models.Participant, error) {
	var out models.Participant
	_, err := b.mutateActive(id, false, func(s *models.BroadcastSession) error {
		for i := range s.Participants {
			p := &s.Participants[i]
			if p.ID != participantID {
				continue
			}
			if u.ConnectionStatus != nil {
				p.ConnectionStatus = *u.ConnectionStatus
				if *u.ConnectionStatus == models.ConnectionDisconnected {
					p.LeftAt = &at
				} else {
					p.LeftAt = nil
				}
			}
			if u.Media != nil {
				p.MediaStatus = *u.Media
			}
			p.LastSeen = at
			s.LastActivity, s.UpdatedAt = at, at
			out = *p
			return nil
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IncrementStat implements SessionStore.
func (b *Badger) IncrementStat(ctx context.Context, id string, field StatField, delta int64) error {
	_, err := b.mutateActive(id, false, func(s *models.BroadcastSession) error {
		switch field {
		case StatChatMessages:
			s.Stats.ChatMessages += delta
		case StatReactions:
			s.Stats.Reactions += delta
		case StatTotalViewers:
			s.Stats.TotalViewers += delta
		default:
			return fmt.Errorf("unknown stat field %q", field)
		}
		return nil
	})
	return err
}

// InsertChatMessage implements ChatStore.
func (b *Badger) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	key := orderedKey(chatPrefix(msg.SessionID), msg.Timestamp, msg.ID)
	return b.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, key, msg); err != nil {
			return err
		}
		return txn.Set(chatIndexKey(msg.SessionID, msg.ID), key)
	})
}

// InsertReaction implements ChatStore.
func (b *Badger) InsertReaction(ctx context.Context, r *models.Reaction) error {
	key := orderedKey(reactionPrefix(r.SessionID), r.Timestamp, r.ID)
	return b.update(func(txn *badger.Txn) error {
		return setJSON(txn, key, r)
	})
}

// scan walks prefix in key order (newest first when reverse) and stops when visit returns false.
func scan(txn *badger.Txn, prefix []byte, reverse bool, visit func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var more bool
		err := item.Value(func(val []byte) error {
			var err error
			more, err = visit(item.KeyCopy(nil), val)
			return err
		})
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// ListChatMessages implements ChatStore.
func (b *Badger) ListChatMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, error) {
	list := []models.ChatMessage{}
	err := b.view(func(txn *badger.Txn) error {
		skipped := 0
		return scan(txn, chatPrefix(sessionID), true, func(_, val []byte) (bool, error) {
			var msg models.ChatMessage
			if err := json.Unmarshal(val, &msg); err != nil {
				return false, err
			}
			if msg.IsDeleted || msg.SessionID != sessionID {
				return true, nil
			}
			if skipped < offset {
				skipped++
				return true, nil
			}
			list = append(list, msg)
			return len(list) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// CountChatMessages implements ChatStore.
func (b *Badger) CountChatMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := b.view(func(txn *badger.Txn) error {
		return scan(txn, chatPrefix(sessionID), false, func(_, val []byte) (bool, error) {
			var msg models.ChatMessage
			if err := json.Unmarshal(val, &msg); err != nil {
				return false, err
			}
			if !msg.IsDeleted && msg.SessionID == sessionID {
				n++
			}
			return true, nil
		})
	})
	return n, err
}

// ListReactions implements ChatStore.
func (b *Badger) ListReactions(ctx context.Context, sessionID string, limit int) ([]models.Reaction, error) {
	list := []models.Reaction{}
	err := b.view(func(txn *badger.Txn) error {
		return scan(txn, reactionPrefix(sessionID), true, func(_, val []byte) (bool, error) {
			var r models.Reaction
			if err := json.Unmarshal(val, &r); err != nil {
				return false, err
			}
			if r.SessionID == sessionID {
				list = append(list, r)
			}
			return len(list) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// SoftDeleteChatMessage implements ChatStore.
func (b *Badger) SoftDeleteChatMessage(ctx context.Context, sessionID, messageID string, at time.Time) error {
	return b.update(func(txn *badger.Txn) error {
		item, err := txn.Get(chatIndexKey(sessionID, messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var msg models.ChatMessage
		if err := getJSON(txn, key, &msg); err != nil {
			return err
		}
		msg.IsDeleted = true
		msg.DeletedAt = &at
		return setJSON(txn, key, &msg)
	})
}

// InsertSignal implements SignalStore.
func (b *Badger) InsertSignal(ctx context.Context, msg *models.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	entry := badger.NewEntry(orderedKey(signalPrefix(msg.SessionID), msg.Timestamp, msg.ID), data)
	if b.signalTTL > 0 {
		entry = entry.WithTTL(b.signalTTL)
	}
	return b.update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// TakeSignals implements SignalStore. Fetch and delete share one transaction.
func (b *Badger) TakeSignals(ctx context.Context, sessionID, peerID string, limit int) ([]models.SignalingMessage, error) {
	var batch []models.SignalingMessage
	err := b.update(func(txn *badger.Txn) error {
		batch = []models.SignalingMessage{}
		var keys [][]byte
		err := scan(txn, signalPrefix(sessionID), false, func(key, val []byte) (bool, error) {
			var msg models.SignalingMessage
			if err := json.Unmarshal(val, &msg); err != nil {
				return false, err
			}
			if msg.SessionID != sessionID || !msg.DeliverableTo(peerID) {
				return true, nil
			}
			batch = append(batch, msg)
			keys = append(keys, key)
			return len(batch) < limit, nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}
