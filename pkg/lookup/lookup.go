// Package lookup resolves a semantic model identifier to the model text and
// the target hints stored alongside it.
package lookup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/mongoagent/pkg/metrics"
)

const defaultKind = "mongodb"

// Document is one stored semantic model.
type Document struct {
	Text        string
	Database    string
	Schema      string
	Application string
	Kind        string

	// Origin names where the text was read from.
	Origin string
}

// Details returns the document hints keyed the way execution backends read
// them. Empty hints are left out.
func (d *Document) Details() map[string]string {
	details := map[string]string{}
	set := func(v string, keys ...string) {
		if v == "" {
			return
		}
		for _, k := range keys {
			details[k] = v
		}
	}
	set(d.Database, "db_name", "dbName")
	set(d.Schema, "schema_name", "userName")
	set(d.Application, "app_name")
	set(d.Kind, "db_type")
	return details
}

// Lookup finds the semantic model stored under id. A nil document with a nil
// error means the model is not there.
type Lookup interface {
	Search(ctx context.Context, id string) (*Document, error)
}

// Source is a named lookup in a Chain.
type Source struct {
	Name   string
	Lookup Lookup
}

// Chain tries each source in order and returns the first document found.
// Failures of every source but the last are logged and skipped.
type Chain struct {
	log     *slog.Logger
	sources []Source
}

func NewChain(log *slog.Logger, sources ...Source) *Chain {
	return &Chain{log: log, sources: sources}
}

func (c *Chain) Search(ctx context.Context, id string) (*Document, error) {
	for i, src := range c.sources {
		doc, err := src.Lookup.Search(ctx, id)
		switch {
		case err != nil:
			metrics.LookupRequestsTotal.WithLabelValues(src.Name, "error").Inc()
			if i == len(c.sources)-1 {
				return nil, fmt.Errorf("%s lookup failed: %w", src.Name, err)
			}
			c.log.Warn("lookup: source failed, trying next", "source", src.Name, "id", id, "error", err)
		case doc == nil:
			metrics.LookupRequestsTotal.WithLabelValues(src.Name, "miss").Inc()
			c.log.Debug("lookup: not found", "source", src.Name, "id", id)
		default:
			metrics.LookupRequestsTotal.WithLabelValues(src.Name, "hit").Inc()
			c.log.Info("lookup: found semantic model", "source", src.Name, "id", id, "origin", doc.Origin, "chars", len(doc.Text))
			return doc, nil
		}
	}
	return nil, nil
}
