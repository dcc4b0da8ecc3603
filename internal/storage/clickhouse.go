package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/newswire/adserve/internal/config"
	"github.com/newswire/adserve/internal/models"
)

// ClickHouseEventStore persists ad events into a ClickHouse table for
// analytics.  It satisfies tracking.EventSink so the tracker fans events
// out to it alongside any HTTP sinks.
type ClickHouseEventStore struct {
	conn  driver.Conn
	table string
}

// NewClickHouseEventStore connects to ClickHouse and verifies the
// connection with a ping.
func NewClickHouseEventStore(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseEventStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"async_insert":          1,
			"wait_for_async_insert": 0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseEventStore{conn: conn, table: cfg.Table}, nil
}

func (s *ClickHouseEventStore) Name() string {
	return "clickhouse"
}

func (s *ClickHouseEventStore) Deliver(ctx context.Context, event *models.AdEvent) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO `+s.table+` (
			id, ad_id, event_type, placement, collection_id,
			page_type, page_url, device, visitor_id, country, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.AdID, string(event.Type), string(event.Placement), event.CollectionID,
		event.PageType, event.PageURL, event.Device, event.VisitorID, event.Country, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	return nil
}

func (s *ClickHouseEventStore) Close() error {
	return s.conn.Close()
}
