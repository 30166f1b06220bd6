package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection = "users"
	chatsCollection = "chats"
	chatTypeGroup   = "group"
)

var ErrUserNotFound = errors.New("user not found")

// MongoConfig represents the MongoDB connection settings.
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	MaxRetry    int
}

// Connect dials MongoDB and pings it, retrying transient failures.
func Connect(ctx context.Context, cfg MongoConfig, logger *slog.Logger) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("[MONGO] Connect attempt failed", "attempt", i+1, "error", err)
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	logger.Info("[MONGO] Connected to MongoDB", "database", cfg.Database)
	return cli, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// MongoSource reads enrollments and group chat membership from the
// collections the CRUD service owns. It never writes.
type MongoSource struct {
	users *mongo.Collection
	chats *mongo.Collection
}

func NewMongoSource(db *mongo.Database) *MongoSource {
	return &MongoSource{
		users: db.Collection(usersCollection),
		chats: db.Collection(chatsCollection),
	}
}

// CourseIDs returns the ids in users.courses for userID.
func (s *MongoSource) CourseIDs(ctx context.Context, userID string) ([]string, error) {
	var user struct {
		Courses []interface{} `bson:"courses"`
	}
	opts := options.FindOne().SetProjection(bson.M{"courses": 1})
	err := s.users.FindOne(ctx, bson.M{"_id": userKey(userID)}, opts).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", userID, err)
	}
	return refIDs(user.Courses), nil
}

// GroupChatRooms returns the course labels of every group chat userID is a
// member of; that label is what clients address group traffic with.
func (s *MongoSource) GroupChatRooms(ctx context.Context, userID string) ([]string, error) {
	filter := bson.M{"members": userKey(userID), "type": chatTypeGroup}
	opts := options.Find().SetProjection(bson.M{"courses": 1})

	cur, err := s.chats.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find group chats for %s: %w", userID, err)
	}
	defer cur.Close(ctx)

	var rooms []string
	for cur.Next(ctx) {
		var chat struct {
			Courses []interface{} `bson:"courses"`
		}
		if err := cur.Decode(&chat); err != nil {
			return nil, fmt.Errorf("decode group chat: %w", err)
		}
		rooms = append(rooms, refIDs(chat.Courses)...)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate group chats: %w", err)
	}
	return dedupe(rooms), nil
}

// userKey matches ObjectId-keyed documents when userID is a hex id.
func userKey(userID string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(userID); err == nil {
		return oid
	}
	return userID
}

// refIDs flattens a reference array that is either raw ids or populated
// sub-documents carrying an _id.
func refIDs(refs []interface{}) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if id := refID(ref); id != "" {
			ids = append(ids, id)
		}
	}
	return dedupe(ids)
}

func refID(ref interface{}) string {
	switch v := ref.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case primitive.D:
		for _, e := range v {
			if e.Key == "_id" {
				return refID(e.Value)
			}
		}
	case primitive.M:
		return refID(v["_id"])
	}
	return ""
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
