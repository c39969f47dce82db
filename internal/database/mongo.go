package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"SupportChat/internal/config"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/sl"
)

const (
	sessionsCollection      = "chat-sessions"
	chatMessagesCollection  = "chat-messages"
	revokedTokensCollection = "revoked-tokens"
)

// MongoDB is the durable session store. One client is shared by every call;
// the driver pools connections underneath.
type MongoDB struct {
	client   *mongo.Client
	database string
	timeout  time.Duration
	log      *slog.Logger
}

func NewMongoClient(conf *config.Config, logger *slog.Logger) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().
		ApplyURI(connectionUri).
		SetServerSelectionTimeout(conf.Mongo.Timeout)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.Mongo.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}

	m := &MongoDB{
		client:   client,
		database: conf.Mongo.Database,
		timeout:  conf.Mongo.Timeout,
		log:      logger.With(sl.Module("mongodb")),
	}
	if err = m.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return chaterr.Store("ping", err)
	}
	return nil
}

func (m *MongoDB) collection(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

// opContext bounds a single store call.
func (m *MongoDB) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// storeError classifies a driver error: a missing document means the
// session is unavailable, everything else is an infrastructure failure.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chaterr.SessionUnavailable("%s: not found", op)
	}
	return chaterr.Store(op, err)
}

// EnsureIndexes creates the indexes the store relies on. The partial unique
// index on open sessions is what keeps one open session per customer across
// processes.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	_, err := m.collection(sessionsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{"customer_id", 1}},
			Options: options.Index().
				SetName("one_open_per_customer").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{"open", true}}),
		},
		{
			Keys: bson.D{{"status", 1}, {"last_activity_at", -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb create session indexes: %w", err)
	}

	_, err = m.collection(chatMessagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{"session_id", 1},
			{"created_at", 1},
			{"seq", 1},
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb create chat message index: %w", err)
	}

	_, err = m.collection(revokedTokensCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{"expires_at", 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("mongodb create revoked token index: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token id was revoked before its expiry.
func (m *MongoDB) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	count, err := m.collection(revokedTokensCollection).CountDocuments(ctx, bson.D{{"_id", tokenID}}, options.Count().SetLimit(1))
	if err != nil {
		return false, chaterr.Store("check revoked token", err)
	}
	return count > 0, nil
}
