// Package mongostore is the MongoDB implementation of jobs.Store.
//
// A claim is one FindOneAndUpdate whose filter re-states the eligibility
// condition, so the document-level atomicity of MongoDB guarantees a single
// winner. Settle writes filter on status, lease owner and lease token.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/scarson/jobrunner/internal/jobs"
)

// CollectionName is the collection jobs are stored in.
const CollectionName = "jobs"

// Store is the MongoDB job store.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ jobs.Store = (*Store)(nil)

// New creates a Store over the jobs collection of database db.
func New(client *mongo.Client, db string) *Store {
	return &Store{
		client: client,
		coll:   client.Database(db).Collection(CollectionName),
	}
}

// Connect opens a client for uri and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, classify("mongo ping", err)
	}
	return client, nil
}

// EnsureIndexes creates the indexes the claim and sweep queries rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "status", Value: 1}, {Key: "next_run_at", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "lease_expires_at", Value: 1}}},
	})
	if err != nil {
		return classify("ensure indexes", err)
	}
	return nil
}

// Client returns the underlying mongo client.
func (s *Store) Client() *mongo.Client { return s.client }

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return classify("ping", err)
	}
	return nil
}

// jobDoc is the BSON shape of a job. Times are stored as BSON dates, which
// keep millisecond precision. The payload is stored as native BSON so the
// collection stays queryable from the mongo shell.
type jobDoc struct {
	ID             string        `bson:"_id"`
	Queue          string        `bson:"queue"`
	Payload        bson.RawValue `bson:"payload"`
	Status         string     `bson:"status"`
	Attempts       int        `bson:"attempts"`
	MaxRetries     *int       `bson:"max_retries"`
	NextRunAt      time.Time  `bson:"next_run_at"`
	LeaseOwner     *string    `bson:"lease_owner"`
	LeaseExpiresAt *time.Time `bson:"lease_expires_at"`
	LeaseToken     int64      `bson:"lease_token"`
	LastError      string     `bson:"last_error,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toDoc(j *jobs.Job) (jobDoc, error) {
	payload, err := encodePayload(j.Payload)
	if err != nil {
		return jobDoc{}, err
	}
	d := jobDoc{
		ID:         j.ID.String(),
		Queue:      j.Queue,
		Payload:    payload,
		Status:     string(j.Status),
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		NextRunAt:  j.NextRunAt,
		LeaseToken: j.LeaseToken,
		LastError:  j.LastError,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	if j.LeaseOwner != "" {
		owner := j.LeaseOwner
		d.LeaseOwner = &owner
	}
	if !j.LeaseExpiresAt.IsZero() {
		exp := j.LeaseExpiresAt
		d.LeaseExpiresAt = &exp
	}
	return d, nil
}

func (d jobDoc) job() (*jobs.Job, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decode job id %q: %w", d.ID, err)
	}
	payload, err := decodePayload(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", d.ID, err)
	}
	j := &jobs.Job{
		ID:         id,
		Queue:      d.Queue,
		Payload:    payload,
		Status:     jobs.Status(d.Status),
		Attempts:   d.Attempts,
		MaxRetries: d.MaxRetries,
		NextRunAt:  d.NextRunAt,
		LeaseToken: d.LeaseToken,
		LastError:  d.LastError,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.LeaseOwner != nil {
		j.LeaseOwner = *d.LeaseOwner
	}
	if d.LeaseExpiresAt != nil {
		j.LeaseExpiresAt = *d.LeaseExpiresAt
	}
	return j, nil
}

// FindEligibleAndClaim atomically claims the oldest eligible job on req.Queue.
func (s *Store) FindEligibleAndClaim(ctx context.Context, req jobs.ClaimRequest) (*jobs.Job, error) {
	filter := bson.D{
		{Key: "queue", Value: req.Queue},
		{Key: "$or", Value: bson.A{
			bson.D{
				{Key: "status", Value: string(jobs.StatusPending)},
				{Key: "next_run_at", Value: bson.D{{Key: "$lte", Value: req.Now}}},
			},
			bson.D{
				{Key: "status", Value: string(jobs.StatusClaimed)},
				{Key: "lease_expires_at", Value: bson.D{{Key: "$lte", Value: req.Now}}},
			},
		}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(jobs.StatusClaimed)},
			{Key: "lease_owner", Value: req.WorkerID},
			{Key: "lease_expires_at", Value: req.LeaseExpiry()},
			{Key: "updated_at", Value: req.Now},
		}},
		{Key: "$inc", Value: bson.D{{Key: "lease_token", Value: int64(1)}}},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_run_at", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var doc jobDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, classify("claim job", err)
	}
	return doc.job()
}

// Update settles a claimed job. Returns jobs.ErrConflict when the stored
// document no longer matches expect.
func (s *Store) Update(ctx context.Context, id uuid.UUID, u jobs.Update, expect jobs.Expect) error {
	filter := bson.D{
		{Key: "_id", Value: id.String()},
		{Key: "status", Value: string(expect.Status)},
		{Key: "lease_owner", Value: expect.LeaseOwner},
		{Key: "lease_token", Value: expect.LeaseToken},
	}
	set := bson.D{
		{Key: "status", Value: string(u.Status)},
		{Key: "attempts", Value: u.Attempts},
		{Key: "lease_owner", Value: nil},
		{Key: "lease_expires_at", Value: nil},
		{Key: "updated_at", Value: u.Now},
	}
	if u.LastError != "" {
		set = append(set, bson.E{Key: "last_error", Value: u.LastError})
	}
	update := bson.D{{Key: "$set", Value: set}}
	if !u.NextRunAt.IsZero() {
		update = append(update, bson.E{Key: "$max", Value: bson.D{{Key: "next_run_at", Value: u.NextRunAt}}})
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return classify(fmt.Sprintf("update job %s", id), err)
	}
	if res.MatchedCount == 0 {
		return jobs.ErrConflict
	}
	return nil
}

// Insert fills job defaults and inserts it.
func (s *Store) Insert(ctx context.Context, job *jobs.Job) error {
	job.Normalize(time.Now())
	if err := job.Validate(); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	doc, err := toDoc(job)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return jobs.ErrDuplicate
		}
		return classify("insert job", err)
	}
	return nil
}

// Get returns the job with id, or jobs.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	var doc jobDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id.String()}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, jobs.ErrNotFound
		}
		return nil, classify(fmt.Sprintf("get job %s", id), err)
	}
	return doc.job()
}

// ReleaseExpired resets claimed jobs whose lease expired at or before now back
// to pending. Returns the number of jobs released.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	filter := bson.D{
		{Key: "status", Value: string(jobs.StatusClaimed)},
		{Key: "lease_expires_at", Value: bson.D{{Key: "$lte", Value: now}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(jobs.StatusPending)},
			{Key: "lease_owner", Value: nil},
			{Key: "lease_expires_at", Value: nil},
			{Key: "updated_at", Value: now},
		}},
		{Key: "$max", Value: bson.D{{Key: "next_run_at", Value: now}}},
	}
	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, classify("release expired jobs", err)
	}
	return int(res.ModifiedCount), nil
}

// Stats returns job counts per status.
func (s *Store) Stats(ctx context.Context) (map[jobs.Status]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify("job stats", err)
	}
	var rows []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, classify("job stats", err)
	}
	out := make(map[jobs.Status]int, len(rows))
	for _, r := range rows {
		out[jobs.Status(r.Status)] = r.Count
	}
	return out, nil
}

// DeleteAll removes every job. Tests use it to reset a shared database.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{}); err != nil {
		return classify("delete jobs", err)
	}
	return nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return jobs.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// payloadKey wraps a payload in a one-field document, since extended JSON
// only converts documents and a payload may be any JSON value.
const payloadKey = "v"

// encodePayload converts JSON to the equivalent BSON value.
func encodePayload(payload json.RawMessage) (bson.RawValue, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	wrapped := make([]byte, 0, len(payload)+8)
	wrapped = append(wrapped, `{"`+payloadKey+`":`...)
	wrapped = append(wrapped, payload...)
	wrapped = append(wrapped, '}')

	var doc bson.Raw
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
		return bson.RawValue{}, fmt.Errorf("encode payload: %w", err)
	}
	v, err := doc.LookupErr(payloadKey)
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("encode payload: %w", err)
	}
	return v, nil
}

// decodePayload converts a stored BSON value back to relaxed JSON.
func decodePayload(v bson.RawValue) (json.RawMessage, error) {
	if v.Type == 0 {
		return json.RawMessage(`{}`), nil
	}
	out, err := bson.MarshalExtJSON(bson.D{{Key: payloadKey, Value: v}}, false, false)
	if err != nil {
		return nil, err
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(out, &wrapped); err != nil {
		return nil, err
	}
	return wrapped[payloadKey], nil
}
