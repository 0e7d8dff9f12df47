package testutil

import (
	"context"
	"testing"

	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/scarson/jobrunner/internal/store/mongostore"
)

// NewTestMongo starts a MongoDB testcontainer and returns a Store over a
// fresh database with indexes created. Cleanup is registered on t.
func NewTestMongo(t *testing.T) *mongostore.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in -short mode")
	}
	ctx := context.Background()

	ctr, err := tcmongo.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate mongo container: %v", err)
		}
	})

	uri, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	client, err := mongostore.Connect(ctx, uri)
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	t.Cleanup(func() {
		if err := client.Disconnect(ctx); err != nil {
			t.Logf("disconnect mongo: %v", err)
		}
	})

	s := mongostore.New(client, "jobrunner_test")
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return s
}
