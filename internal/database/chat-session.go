package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
)

// CreateSession inserts sess. If the customer already has an open session
// (another process won the race on the unique index), that one is returned.
func (m *MongoDB) CreateSession(ctx context.Context, sess *entity.ChatSession) (*entity.ChatSession, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	sess.Open = sess.Status.IsOpen()
	_, err := m.collection(sessionsCollection).InsertOne(ctx, sess)
	if err == nil {
		return sess, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, chaterr.Store("insert session", err)
	}

	existing, findErr := m.findOpen(ctx, sess.CustomerID)
	if findErr != nil {
		return nil, findErr
	}
	if existing == nil {
		return nil, chaterr.Store("insert session", err)
	}
	return existing, nil
}

func (m *MongoDB) FindOpenSessionForCustomer(ctx context.Context, customerID string) (*entity.ChatSession, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.findOpen(ctx, customerID)
}

func (m *MongoDB) findOpen(ctx context.Context, customerID string) (*entity.ChatSession, error) {
	var sess entity.ChatSession
	err := m.collection(sessionsCollection).
		FindOne(ctx, bson.D{{"customer_id", customerID}, {"open", true}}).
		Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, chaterr.Store("find open session", err)
	}
	return &sess, nil
}

func (m *MongoDB) GetSession(ctx context.Context, id string) (*entity.ChatSession, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	var sess entity.ChatSession
	err := m.collection(sessionsCollection).FindOne(ctx, bson.D{{"_id", id}}).Decode(&sess)
	if err != nil {
		return nil, storeError("get session "+id, err)
	}
	return &sess, nil
}

// SetStatus moves a session along the state machine with a conditional
// update, so concurrent transitions cannot skip a state.
func (m *MongoDB) SetStatus(ctx context.Context, id string, status entity.SessionStatus, by string) (*entity.ChatSession, error) {
	current, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}
	if !current.Status.CanTransitionTo(status) {
		return nil, chaterr.SessionUnavailable("session %s cannot move from %s to %s", id, current.Status, status)
	}

	ctx, cancel := m.opContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.D{
		{"status", status},
		{"open", status.IsOpen()},
		{"updated_at", now},
	}
	if status == entity.StatusClosed {
		set = append(set, bson.E{Key: "closed_by", Value: by}, bson.E{Key: "closed_at", Value: now})
	}

	var sess entity.ChatSession
	err = m.collection(sessionsCollection).FindOneAndUpdate(ctx,
		bson.D{{"_id", id}, {"status", current.Status}},
		bson.D{{"$set", set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// lost a race; report what the session is now
		latest, getErr := m.GetSession(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if latest.Status == status {
			return latest, nil
		}
		return nil, chaterr.SessionUnavailable("session %s changed to %s concurrently", id, latest.Status)
	}
	if err != nil {
		return nil, chaterr.Store("set session status", err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest activity first, each with its last
// message.
func (m *MongoDB) ListSessions(ctx context.Context, filter entity.SessionFilter) ([]entity.SessionSummary, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	cursor, err := m.collection(sessionsCollection).Aggregate(ctx, listPipeline(filter))
	if err != nil {
		return nil, chaterr.Store("aggregate sessions", err)
	}
	defer cursor.Close(ctx)

	summaries := make([]entity.SessionSummary, 0)
	if err = cursor.All(ctx, &summaries); err != nil {
		return nil, chaterr.Store("decode sessions", err)
	}
	return summaries, nil
}

func listPipeline(filter entity.SessionFilter) mongo.Pipeline {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: sessionMatch(filter)}},
		{{Key: "$sort", Value: bson.D{{"last_activity_at", -1}}}},
	}
	if filter.Offset > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$skip", Value: int64(filter.Offset)}})
	}
	if filter.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(filter.Limit)}})
	}
	return append(pipeline,
		bson.D{{Key: "$lookup", Value: bson.D{
			{"from", chatMessagesCollection},
			{"let", bson.D{{"sid", "$_id"}}},
			{"pipeline", bson.A{
				bson.D{{"$match", bson.D{{"$expr", bson.D{{"$eq", bson.A{"$session_id", "$$sid"}}}}}}},
				bson.D{{"$sort", bson.D{{"created_at", -1}, {"seq", -1}}}},
				bson.D{{"$limit", 1}},
			}},
			{"as", "last"},
		}}},
		bson.D{{Key: "$set", Value: bson.D{{"last_message", bson.D{{"$first", "$last"}}}}}},
		bson.D{{Key: "$project", Value: bson.D{{"last", 0}}}},
	)
}

func sessionMatch(filter entity.SessionFilter) bson.D {
	match := bson.D{}
	if filter.Status != "" {
		match = append(match, bson.E{Key: "status", Value: filter.Status})
	}
	if filter.CustomerID != "" {
		match = append(match, bson.E{Key: "customer_id", Value: filter.CustomerID})
	}
	return match
}
