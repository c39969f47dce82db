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
	"SupportChat/internal/lib/sl"
)

// AppendMessage reserves the next sequence number and bumps the session
// aggregates in one atomic update on the session document, then inserts the
// message with the reserved number. Closed sessions do not match the
// update and are refused.
func (m *MongoDB) AppendMessage(ctx context.Context, msg *entity.ChatMessage) (*entity.ChatSession, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	unread := unreadIncrement(msg)
	var sess entity.ChatSession
	err := m.collection(sessionsCollection).FindOneAndUpdate(ctx,
		bson.D{{"_id", msg.SessionID}, {"open", true}},
		appendUpdate(unread, time.Now().UTC()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetSession(ctx, msg.SessionID); getErr != nil {
			return nil, getErr
		}
		return nil, chaterr.SessionUnavailable("session %s is closed", msg.SessionID)
	}
	if err != nil {
		return nil, chaterr.Store("reserve message seq", err)
	}

	msg.Seq = sess.LastSeq
	msg.CreatedAt = sess.LastActivityAt

	if _, err = m.collection(chatMessagesCollection).InsertOne(ctx, msg); err != nil {
		m.compensateUnread(msg.SessionID, unread)
		return nil, chaterr.Store("insert chat message", err)
	}
	return &sess, nil
}

func unreadIncrement(msg *entity.ChatMessage) int {
	if msg.SenderRole == entity.RoleCustomer {
		return 1
	}
	return 0
}

// appendUpdate never moves last_activity_at backwards, so (created_at, seq)
// stays in reservation order even if clocks disagree.
func appendUpdate(unread int, now time.Time) bson.D {
	return bson.D{
		{"$inc", bson.D{
			{"last_seq", int64(1)},
			{"unread_for_agent", unread},
		}},
		{"$max", bson.D{
			{"last_activity_at", now},
			{"updated_at", now},
		}},
	}
}

// compensateUnread undoes the unread bump of a failed insert. The sequence
// number is not returned; a gap is harmless.
func (m *MongoDB) compensateUnread(sessionID string, unread int) {
	if unread == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	_, err := m.collection(sessionsCollection).UpdateOne(ctx,
		bson.D{{"_id", sessionID}, {"unread_for_agent", bson.D{{"$gte", unread}}}},
		bson.D{{"$inc", bson.D{{"unread_for_agent", -unread}}}},
	)
	if err != nil {
		m.log.With(sl.Session(sessionID)).Error("compensate unread counter", sl.Err(err))
	}
}

// ListMessages returns the transcript oldest first.
func (m *MongoDB) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]entity.ChatMessage, error) {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := m.opContext(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{"created_at", 1}, {"seq", 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.collection(chatMessagesCollection).Find(ctx, bson.D{{"session_id", sessionID}}, opts)
	if err != nil {
		return nil, chaterr.Store("find chat messages", err)
	}
	defer cursor.Close(ctx)

	messages := make([]entity.ChatMessage, 0)
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, chaterr.Store("decode chat messages", err)
	}
	return messages, nil
}

// MarkAgentSeen flips the unseen messages first and zeroes the counter
// last, so a failure in between leaves the counter high rather than low.
func (m *MongoDB) MarkAgentSeen(ctx context.Context, sessionID string) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	_, err := m.collection(chatMessagesCollection).UpdateMany(ctx,
		bson.D{{"session_id", sessionID}, {"seen_by_agent", false}},
		bson.D{{"$set", bson.D{{"seen_by_agent", true}}}},
	)
	if err != nil {
		return chaterr.Store("mark messages seen", err)
	}

	res, err := m.collection(sessionsCollection).UpdateOne(ctx,
		bson.D{{"_id", sessionID}},
		bson.D{{"$set", bson.D{
			{"unread_for_agent", 0},
			{"updated_at", time.Now().UTC()},
		}}},
	)
	if err != nil {
		return chaterr.Store("reset unread counter", err)
	}
	if res.MatchedCount == 0 {
		return chaterr.SessionUnavailable("session %s not found", sessionID)
	}
	return nil
}
