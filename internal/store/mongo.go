package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mediaoffice/liveportal/internal/models"
)

// Mongo is the primary Backend over a MongoDB database.
type Mongo struct {
	db      *mongo.Database
	timeout time.Duration
}

// NewMongo creates a Mongo backend. Every operation runs under timeout.
func NewMongo(db *mongo.Database, timeout time.Duration) *Mongo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mongo{db: db, timeout: timeout}
}

// Name implements Backend.
func (m *Mongo) Name() string { return "mongo" }

// Migrate creates the indexes the backend relies on. The partial unique index
// on isActive is what makes CreateActiveSession safe under concurrent starts.
func (m *Mongo) Migrate(ctx context.Context, signalTTL time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 4*m.timeout)
	defer cancel()

	indexes := map[string][]mongo.IndexModel{
		CollectionBroadcasts: {
			{
				Keys: bson.D{{Key: "isActive", Value: 1}},
				Options: options.Index().
					SetName("one_active_broadcast").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"isActive": true}),
			},
			{Keys: bson.D{{Key: "startedAt", Value: -1}}},
		},
		CollectionChat: {
			{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "isDeleted", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
		CollectionReactions: {
			{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
		CollectionSignaling: {
			{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
	}
	if signalTTL > 0 {
		indexes[CollectionSignaling] = append(indexes[CollectionSignaling], mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("signal_ttl").SetExpireAfterSeconds(int32(signalTTL.Seconds())),
		})
	}
	for coll, specs := range indexes {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, specs); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, classify(err))
		}
	}
	return nil
}

// Ping implements Backend.
func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return classify(m.db.Client().Ping(ctx, nil))
}

// Close implements Backend.
func (m *Mongo) Close(ctx context.Context) error {
	return m.db.Client().Disconnect(ctx)
}

func (m *Mongo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Mongo) broadcasts() *mongo.Collection { return m.db.Collection(CollectionBroadcasts) }

// CreateActiveSession implements SessionStore with a conditional upsert on {isActive: true}.
// Losing the race on the partial unique index returns the winner; if the winner
// ended before it could be read, the upsert is tried once more.
func (m *Mongo) CreateActiveSession(ctx context.Context, s *models.BroadcastSession) (*models.BroadcastSession, bool, error) {
	doc, err := toDocument(s)
	if err != nil {
		return nil, false, err
	}
	// isActive comes from the upsert filter.
	delete(doc, "isActive")

	for attempt := 0; attempt < 2; attempt++ {
		out, err := m.upsertActive(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			existing, ferr := m.FindActiveSession(ctx, "")
			if errors.Is(ferr, ErrNotFound) {
				continue
			}
			return existing, false, ferr
		}
		if err != nil {
			return nil, false, classify(err)
		}
		return out, out.ID == s.ID, nil
	}
	return nil, false, fmt.Errorf("%w: active session changed during start", ErrConflict)
}

func (m *Mongo) upsertActive(ctx context.Context, doc bson.M) (*models.BroadcastSession, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var out models.BroadcastSession
	if err := m.broadcasts().FindOneAndUpdate(ctx, bson.M{"isActive": true}, bson.M{"$setOnInsert": doc}, opts).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindActiveSession implements SessionStore.
func (m *Mongo) FindActiveSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"isActive": true}
	if id != "" {
		filter["_id"] = id
	}
	var s models.BroadcastSession
	err := m.broadcasts().FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "startedAt", Value: -1}})).Decode(&s)
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

// GetSession implements SessionStore.
func (m *Mongo) GetSession(ctx context.Context, id string) (*models.BroadcastSession, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var s models.BroadcastSession
	if err := m.broadcasts().FindOne(ctx, bson.M{"_id": id}).Decode(&s); err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

// SetPaused implements SessionStore.
func (m *Mongo) SetPaused(ctx context.Context, id, hostID string, paused bool, at time.Time) (*models.BroadcastSession, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": id, "isActive": true, "isPaused": !paused, "hostId": hostID}
	set := bson.M{"isPaused": paused, "lastActivity": at, "updatedAt": at}
	var unset bson.M
	if paused {
		set["pausedAt"] = at
		unset = bson.M{"resumedAt": ""}
	} else {
		set["resumedAt"] = at
		unset = bson.M{"pausedAt": ""}
	}

	var s models.BroadcastSession
	err := m.broadcasts().FindOneAndUpdate(ctx, filter, bson.M{"$set": set, "$unset": unset},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&s)
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

// EndSessions implements SessionStore. Each candidate is ended with its own
// conditional update so only confirmed transitions are reported.
func (m *Mongo) EndSessions(ctx context.Context, f EndFilter) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"isActive": true}
	if f.ID != "" {
		filter["_id"] = f.ID
	}
	if f.StaleBefore != nil {
		filter["$or"] = bson.A{
			bson.M{"heartbeat": nil},
			bson.M{"heartbeat": bson.M{"$lt": *f.StaleBefore}},
			bson.M{"lastActivity": bson.M{"$lt": *f.StaleBefore}},
		}
	}

	cur, err := m.broadcasts().Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, classify(err)
	}
	var candidates []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &candidates); err != nil {
		return nil, classify(err)
	}

	set := bson.M{"isActive": false, "isPaused": false, "endedAt": f.At, "updatedAt": f.At}
	if f.Reason != "" {
		set["endReason"] = f.Reason
	}
	ended := make([]string, 0, len(candidates))
	for _, c := range candidates {
		res, err := m.broadcasts().UpdateOne(ctx, bson.M{"$and": bson.A{filter, bson.M{"_id": c.ID}}}, bson.M{"$set": set})
		if err != nil {
			return ended, classify(err)
		}
		if res.ModifiedCount == 1 {
			ended = append(ended, c.ID)
		}
	}
	return ended, nil
}

// TouchSession implements SessionStore.
func (m *Mongo) TouchSession(ctx context.Context, id string, at time.Time) (string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"isActive": true}
	if id != "" {
		filter["_id"] = id
	}
	opts := options.FindOneAndUpdate().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "startedAt", Value: -1}})
	var out struct {
		ID string `bson:"_id"`
	}
	err := m.broadcasts().FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"heartbeat": at, "lastActivity": at, "updatedAt": at}}, opts).Decode(&out)
	if err != nil {
		return "", classify(err)
	}
	return out.ID, nil
}

// AppendParticipant implements SessionStore with a single $push.
func (m *Mongo) AppendParticipant(ctx context.Context, id string, p models.Participant, at time.Time) (*models.BroadcastSession, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"isActive": true}
	if id != "" {
		filter["_id"] = id
	}
	update := bson.M{
		"$push": bson.M{"participants": p},
		"$set":  bson.M{"lastActivity": at, "updatedAt": at},
	}
	if p.UserType == models.UserTypeViewer {
		update["$inc"] = bson.M{"stats." + string(StatTotalViewers): 1}
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "startedAt", Value: -1}})
	var s models.BroadcastSession
	if err := m.broadcasts().FindOneAndUpdate(ctx, filter, update, opts).Decode(&s); err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

// UpdateParticipant implements SessionStore with a positional update.
func (m *Mongo) UpdateParticipant(ctx context.Context, id, participantID string, u ParticipantUpdate, at time.Time) (*models.Participant, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": id, "isActive": true, "participants.id": participantID}
	set := bson.M{"lastActivity": at, "updatedAt": at, "participants.$.lastSeen": at}
	update := bson.M{}
	if u.ConnectionStatus != nil {
		set["participants.$.connectionStatus"] = *u.ConnectionStatus
		if *u.ConnectionStatus == models.ConnectionDisconnected {
			set["participants.$.leftAt"] = at
		} else {
			update["$unset"] = bson.M{"participants.$.leftAt": ""}
		}
	}
	if u.Media != nil {
		set["participants.$.mediaStatus"] = *u.Media
	}
	update["$set"] = set

	var s models.BroadcastSession
	err := m.broadcasts().FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&s)
	if err != nil {
		return nil, classify(err)
	}
	for i := range s.Participants {
		if s.Participants[i].ID == participantID {
			return &s.Participants[i], nil
		}
	}
	return nil, ErrNotFound
}

// IncrementStat implements SessionStore with $inc.
func (m *Mongo) IncrementStat(ctx context.Context, id string, field StatField, delta int64) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	res, err := m.broadcasts().UpdateOne(ctx, bson.M{"_id": id, "isActive": true},
		bson.M{"$inc": bson.M{"stats." + string(field): delta}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertChatMessage implements ChatStore.
func (m *Mongo) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(CollectionChat).InsertOne(ctx, msg)
	return classify(err)
}

// InsertReaction implements ChatStore.
func (m *Mongo) InsertReaction(ctx context.Context, r *models.Reaction) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(CollectionReactions).InsertOne(ctx, r)
	return classify(err)
}

// ListChatMessages implements ChatStore.
func (m *Mongo) ListChatMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.ChatMessage, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := m.db.Collection(CollectionChat).Find(ctx, bson.M{"sessionId": sessionID, "isDeleted": false}, opts)
	if err != nil {
		return nil, classify(err)
	}
	list := []models.ChatMessage{}
	if err := cur.All(ctx, &list); err != nil {
		return nil, classify(err)
	}
	return list, nil
}

// CountChatMessages implements ChatStore.
func (m *Mongo) CountChatMessages(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	n, err := m.db.Collection(CollectionChat).CountDocuments(ctx, bson.M{"sessionId": sessionID, "isDeleted": false})
	return n, classify(err)
}

// ListReactions implements ChatStore.
func (m *Mongo) ListReactions(ctx context.Context, sessionID string, limit int) ([]models.Reaction, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cur, err := m.db.Collection(CollectionReactions).Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, classify(err)
	}
	list := []models.Reaction{}
	if err := cur.All(ctx, &list); err != nil {
		return nil, classify(err)
	}
	return list, nil
}

// SoftDeleteChatMessage implements ChatStore.
func (m *Mongo) SoftDeleteChatMessage(ctx context.Context, sessionID, messageID string, at time.Time) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	res, err := m.db.Collection(CollectionChat).UpdateOne(ctx,
		bson.M{"_id": messageID, "sessionId": sessionID},
		bson.M{"$set": bson.M{"isDeleted": true, "deletedAt": at}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSignal implements SignalStore. Expiry is handled by the TTL index.
func (m *Mongo) InsertSignal(ctx context.Context, msg *models.SignalingMessage) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(CollectionSignaling).InsertOne(ctx, msg)
	return classify(err)
}

// TakeSignals implements SignalStore. Fetch and delete are separate
// operations: a crash in between redelivers the batch on the next poll.
func (m *Mongo) TakeSignals(ctx context.Context, sessionID, peerID string, limit int) ([]models.SignalingMessage, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"sessionId": sessionID}
	if peerID != "" {
		filter["from"] = bson.M{"$ne": peerID}
		filter["to"] = bson.M{"$in": bson.A{nil, "", peerID}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	coll := m.db.Collection(CollectionSignaling)
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err)
	}
	batch := []models.SignalingMessage{}
	if err := cur.All(ctx, &batch); err != nil {
		return nil, classify(err)
	}
	if len(batch) == 0 {
		return batch, nil
	}

	ids := make(bson.A, 0, len(batch))
	for _, msg := range batch {
		ids = append(ids, msg.ID)
	}
	if _, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, classify(err)
	}
	return batch, nil
}

func toDocument(v interface{}) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
