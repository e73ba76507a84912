package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoDistributionDoc adds the compound document key to a Distribution.
type mongoDistributionDoc struct {
	ID           string `bson:"_id"`
	Distribution `bson:",inline"`
}

// errCodeIllegalOperation is what a standalone server answers to a
// transaction.
const errCodeIllegalOperation = 20

// Mongo is a Store backed by two MongoDB collections, "repositories" and
// "distributions". The caller owns the client lifecycle unless the store was
// created with OpenMongo.
//
// Multi-document writes run in a transaction on replica sets and sharded
// clusters. A standalone server cannot run one, so after the first refusal
// the store applies them directly, with deletes ordered before upserts.
type Mongo struct {
	repos  *mongo.Collection
	dists  *mongo.Collection
	client *mongo.Client
	noTx   atomic.Bool
}

// NewMongo creates a store over db.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		repos: db.Collection("repositories"),
		dists: db.Collection("distributions"),
	}
}

// OpenMongo connects to uri, pings the server and returns a store over
// database. Close disconnects the client.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := NewMongo(client.Database(database))
	s.client = client
	return s, nil
}

func (s *Mongo) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func distributionKey(repoID, name string) string {
	return repoID + "\x00" + name
}

func (s *Mongo) PutRepository(ctx context.Context, r Repository) error {
	if r.ID == "" {
		return fmt.Errorf("repository id cannot be empty")
	}
	_, err := s.repos.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put repository %s: %w", r.ID, err)
	}
	return nil
}

func (s *Mongo) GetRepository(ctx context.Context, id string) (Repository, error) {
	var r Repository
	err := s.repos.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
		}
		return Repository{}, fmt.Errorf("get repository %s: %w", id, err)
	}
	return r, nil
}

func (s *Mongo) ListRepositories(ctx context.Context) ([]Repository, error) {
	cur, err := s.repos.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	var out []Repository
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return out, nil
}

// DeleteRepository removes the repository and its distributions. The
// distributions go first so a failure never leaves orphans behind.
func (s *Mongo) DeleteRepository(ctx context.Context, id string) error {
	return s.inTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.repos.FindOne(ctx, bson.M{"_id": id}).Raw(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return fmt.Errorf("repository %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("delete repository %s: %w", id, err)
		}
		if _, err := s.dists.DeleteMany(ctx, bson.M{"repository_id": id}); err != nil {
			return fmt.Errorf("delete distributions of %s: %w", id, err)
		}
		res, err := s.repos.DeleteOne(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("delete repository %s: %w", id, err)
		}
		if res.DeletedCount == 0 {
			return fmt.Errorf("repository %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *Mongo) TouchRepository(ctx context.Context, id string, at time.Time) error {
	res, err := s.repos.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_sync_at": at.UTC()}})
	if err != nil {
		return fmt.Errorf("touch repository %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Mongo) UpsertDistribution(ctx context.Context, repoID string, d Distribution) error {
	if d.Name == "" {
		return fmt.Errorf("distribution name cannot be empty")
	}
	d.RepositoryID = repoID
	d.FetchedAt = d.FetchedAt.UTC()
	doc := mongoDistributionDoc{ID: distributionKey(repoID, d.Name), Distribution: d}
	_, err := s.dists.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert distribution %s/%s: %w", repoID, d.Name, err)
	}
	return nil
}

func (s *Mongo) DeleteDistributionsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	res, err := s.dists.DeleteMany(ctx, bson.M{
		"repository_id": repoID,
		"name":          bson.M{"$nin": keep},
	})
	if err != nil {
		return 0, fmt.Errorf("delete distributions of %s: %w", repoID, err)
	}
	return int(res.DeletedCount), nil
}

func (s *Mongo) ListDistributions(ctx context.Context, repoID string) ([]Distribution, error) {
	cur, err := s.dists.Find(ctx, bson.M{"repository_id": repoID},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list distributions of %s: %w", repoID, err)
	}
	var docs []mongoDistributionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list distributions of %s: %w", repoID, err)
	}
	out := make([]Distribution, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Distribution)
	}
	return out, nil
}

// InTx runs fn in a multi-document transaction. On a standalone server fn
// runs without one.
func (s *Mongo) InTx(ctx context.Context, fn func(w DistributionWriter) error) error {
	return s.inTransaction(ctx, func(ctx context.Context) error {
		return fn(mongoWriter{s: s, ctx: ctx})
	})
}

func (s *Mongo) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.noTx.Load() {
		err := s.withTransaction(ctx, fn)
		if !transactionsUnsupported(err) {
			return err
		}
		s.noTx.Store(true)
	}
	return fn(ctx)
}

func (s *Mongo) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.dists.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("mongo session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func transactionsUnsupported(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(errCodeIllegalOperation)
}

// mongoWriter applies writes on the session context of a transaction.
type mongoWriter struct {
	s   *Mongo
	ctx context.Context
}

func (w mongoWriter) UpsertDistribution(_ context.Context, repoID string, d Distribution) error {
	return w.s.UpsertDistribution(w.ctx, repoID, d)
}

func (w mongoWriter) DeleteDistributionsNotIn(_ context.Context, repoID string, keep []string) (int, error) {
	return w.s.DeleteDistributionsNotIn(w.ctx, repoID, keep)
}
