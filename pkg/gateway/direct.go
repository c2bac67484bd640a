package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/mongoagent/pkg/parser"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultDirectTimeout      = 30 * time.Second
	defaultConnectMaxAttempts = 3
	isoDatePlaceholderPrefix  = "__ISODATE_"
)

type DirectConfig struct {
	Logger   *slog.Logger
	URI      string
	Database string

	// Timeout bounds each aggregation.
	Timeout time.Duration

	// ConnectMaxAttempts bounds the connect-and-ping retries at startup.
	ConnectMaxAttempts uint
}

func (c *DirectConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URI == "" {
		return errors.New("uri is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultDirectTimeout
	}
	if c.ConnectMaxAttempts == 0 {
		c.ConnectMaxAttempts = defaultConnectMaxAttempts
	}
	return nil
}

// aggregator runs one aggregation and decodes every returned document.
type aggregator interface {
	Aggregate(ctx context.Context, collection string, pipeline bson.A) ([]bson.M, error)
	Disconnect(ctx context.Context) error
}

// Direct executes pipelines with the MongoDB Go driver.
type Direct struct {
	log     *slog.Logger
	cfg     DirectConfig
	backend aggregator
}

// NewDirect connects to MongoDB and verifies the connection with a ping,
// retrying with exponential backoff.
func NewDirect(ctx context.Context, cfg DirectConfig) (*Direct, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := backoff.Retry(ctx, func() (*mongo.Client, error) {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create mongo client: %w", err))
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			cfg.Logger.Warn("gateway: mongo ping failed, retrying", "error", err)
			return nil, fmt.Errorf("failed to ping mongo: %w", err)
		}
		return client, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(cfg.ConnectMaxAttempts))
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info("gateway: connected to mongodb", "database", cfg.Database)

	return newDirect(cfg, &driverAggregator{db: client.Database(cfg.Database)}), nil
}

func newDirect(cfg DirectConfig, backend aggregator) *Direct {
	return &Direct{log: cfg.Logger, cfg: cfg, backend: backend}
}

func (d *Direct) Execute(ctx context.Context, q Query, target Target) Result {
	collection := target.First("collection", "collectionName", "collection_name")
	if collection == "" {
		return FailureKind(KindBackend, "Collection name is required in target details (use 'collection' key)")
	}

	pipeline, res := decodePipeline(q)
	if res != nil {
		return *res
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	d.log.Debug("gateway: direct aggregate", "database", d.cfg.Database, "collection", collection, "stages", len(pipeline))
	docs, err := d.backend.Aggregate(ctx, collection, pipeline)
	if err != nil {
		kind := KindBackend
		var cmdErr mongo.CommandError
		switch {
		case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, mongo.ErrClientDisconnected), errors.Is(err, context.DeadlineExceeded):
			kind = KindConnectivity
		case errors.As(err, &cmdErr):
			kind = KindQuerySyntax
		}
		d.log.Warn("gateway: direct aggregate failed", "collection", collection, "error", err, "kind", kind)
		return FailureKind(kind, "MongoDB query failed: "+err.Error())
	}

	rows := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, doc)
	}
	return Result{Success: true, Rows: rows}
}

func (d *Direct) Close(ctx context.Context) error {
	return d.backend.Disconnect(ctx)
}

// decodePipeline converts a query into BSON stages. Text queries may be
// wrapped in a db.<coll>.aggregate(...) call and may contain ISODate("...")
// literals, which become BSON dates.
func decodePipeline(q Query) (bson.A, *Result) {
	var text string
	dates := map[string]time.Time{}
	if len(q.Pipeline) > 0 {
		text = q.Pipeline.Compact()
	} else {
		text = strings.TrimSpace(q.Text)
		if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
			text = text[start : end+1]
		}
		var bad error
		text = parser.ReplaceISODates(text, func(value string) string {
			t, err := parser.ParseISODate(value)
			if err != nil {
				bad = err
				return strconv.Quote(value)
			}
			key := isoDatePlaceholderPrefix + strconv.Itoa(len(dates)) + "__"
			dates[key] = t
			return strconv.Quote(key)
		})
		if bad != nil {
			res := FailureKind(KindQuerySyntax, "Invalid JSON in aggregation pipeline: "+bad.Error())
			return nil, &res
		}
	}

	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"pipeline":`+text+`}`), false, &doc); err != nil {
		res := FailureKind(KindQuerySyntax, "Invalid JSON in aggregation pipeline: "+err.Error())
		return nil, &res
	}
	stages, ok := doc[0].Value.(bson.A)
	if !ok {
		res := FailureKind(KindQuerySyntax, fmt.Sprintf("Pipeline must be a list of stages, got: %T", doc[0].Value))
		return nil, &res
	}
	for i, stage := range stages {
		if _, ok := stage.(bson.D); !ok {
			res := FailureKind(KindQuerySyntax, fmt.Sprintf("Pipeline stage %d must be a document, got: %T", i, stage))
			return nil, &res
		}
	}
	if len(dates) > 0 {
		for i := range stages {
			stages[i] = restoreDates(stages[i], dates)
		}
	}
	return stages, nil
}

func restoreDates(v any, dates map[string]time.Time) any {
	switch t := v.(type) {
	case bson.D:
		for i := range t {
			t[i].Value = restoreDates(t[i].Value, dates)
		}
		return t
	case bson.A:
		for i := range t {
			t[i] = restoreDates(t[i], dates)
		}
		return t
	case string:
		if d, ok := dates[t]; ok {
			return d
		}
		return t
	default:
		return v
	}
}

type driverAggregator struct {
	db *mongo.Database
}

func (a *driverAggregator) Aggregate(ctx context.Context, collection string, pipeline bson.A) ([]bson.M, error) {
	cursor, err := a.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (a *driverAggregator) Disconnect(ctx context.Context) error {
	return a.db.Client().Disconnect(ctx)
}
