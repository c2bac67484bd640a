package gatewaytesting

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type DBConfig struct {
	Database       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "mongo:7"
	}
	return nil
}

// DB is a throwaway MongoDB server with a connected client for seeding.
type DB struct {
	URI      string
	Database string
	Client   *mongo.Client

	container *tcmongo.MongoDBContainer
	t         testing.TB
}

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Client.Disconnect(ctx); err != nil {
		db.t.Logf("failed to disconnect MongoDB client: %v", err)
	}
	if err := testcontainers.TerminateContainer(db.container); err != nil {
		db.t.Logf("failed to terminate MongoDB container: %v", err)
	}
}

// Collection returns a handle on the test database for seeding documents.
func (db *DB) Collection(name string) *mongo.Collection {
	return db.Client.Database(db.Database).Collection(name)
}

func NewDefaultDB(t *testing.T) *DB {
	return NewDB(t, nil)
}

func NewDB(t *testing.T, cfg *DBConfig) *DB {
	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()

	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("failed to validate DB config: %v", err)
	}

	var container *tcmongo.MongoDBContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcmongo.Run(ctx, cfg.ContainerImage)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		break
	}
	if container == nil {
		t.Fatalf("failed to start MongoDB container after retries: %v", lastErr)
	}

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	// The server can accept TCP before it answers commands.
	var client *mongo.Client
	for attempt := 1; attempt <= 3; attempt++ {
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(ctx, readpref.Primary())
		}
		if err != nil {
			if client != nil {
				_ = client.Disconnect(ctx)
			}
			if isRetryableConnectionErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
				continue
			}
			_ = testcontainers.TerminateContainer(container)
			require.NoError(t, err)
		}
		break
	}

	db := &DB{
		URI:       uri,
		Database:  cfg.Database,
		Client:    client,
		container: container,
		t:         t,
	}
	t.Cleanup(db.Close)
	return db
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}

func isRetryableConnectionErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "server selection") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "dial tcp")
}
