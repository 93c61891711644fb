package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/weiawesome/wes-io-live/relation-service/internal/consumer"
	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relation-service/internal/service"
	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
)

// StatsSource returns fresh counters for an entity.
type StatsSource interface {
	RefreshStats(ctx context.Context, entityID string) (*domain.Counter, error)
}

// ESIndexer copies degree counters into the users search index whenever an
// edge changes. Documents are owned by the user indexer; only the count
// fields are touched here.
type ESIndexer struct {
	client *elasticsearch.Client
	index  string
	stats  StatsSource
}

// NewESIndexer creates a new Elasticsearch-backed edge event handler.
func NewESIndexer(client *elasticsearch.Client, index string, stats StatsSource) *ESIndexer {
	return &ESIndexer{
		client: client,
		index:  index,
		stats:  stats,
	}
}

// HandleEdgeEvent refreshes both endpoints of the edge in the index.
func (x *ESIndexer) HandleEdgeEvent(ctx context.Context, event *consumer.EdgeEvent) error {
	var errs []error
	for _, id := range []string{event.FollowerID, event.FollowingID} {
		if err := x.syncEntity(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (x *ESIndexer) syncEntity(ctx context.Context, entityID string) error {
	l := pkglog.Ctx(ctx)

	counter, err := x.stats.RefreshStats(ctx, entityID)
	if err != nil {
		if errors.Is(err, service.ErrEntityNotProvisioned) {
			l.Debug().Str(pkglog.FieldEntityID, entityID).Msg("skipping index update for unprovisioned entity")
			return nil
		}
		return fmt.Errorf("failed to load stats for %s: %w", entityID, err)
	}

	body := map[string]interface{}{
		"doc": map[string]interface{}{
			"followers_count": counter.FollowersCount,
			"following_count": counter.FollowingCount,
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	res, err := x.client.Update(
		x.index,
		entityID,
		bytes.NewReader(data),
		x.client.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to update index for %s: %w", entityID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		// Not indexed yet; the user indexer writes the full document later.
		l.Debug().Str(pkglog.FieldEntityID, entityID).Msg("user document not indexed, skipping")
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// Ensure interface is satisfied at compile time.
var _ consumer.EdgeEventHandler = (*ESIndexer)(nil)
