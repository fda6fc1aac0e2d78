package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// Sweep removes every expired connection record along with its subscription
// index entries and returns how many were pruned. Clients do not reliably
// deregister on abrupt network loss; the sweep keeps the dispatcher from
// attempting delivery to long-dead connections forever.
func (d *Directory) Sweep() (int, error) {
	prefix := []byte(connKeyPrefix)
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("directory: sweep: %w", err)
	}

	now := d.now()
	var expired []string
	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			d.log.Error().Str("key", string(iter.Key())).Err(err).Msg("skipping undecodable record")
			continue
		}
		if rec.expired(now) {
			expired = append(expired, rec.ConnectionID)
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, fmt.Errorf("directory: sweep: %w", err)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("directory: sweep: %w", err)
	}

	for _, connID := range expired {
		if err := d.Deregister(connID); err != nil {
			return 0, err
		}
	}

	if len(expired) > 0 {
		d.log.Info().Int("pruned", len(expired)).Msg("swept expired connections")
	}
	return len(expired), nil
}

// RunJanitor sweeps expired records at the given interval until the context
// is canceled.
func (d *Directory) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(); err != nil {
				d.log.Error().Err(err).Msg("janitor sweep failed")
			}
		}
	}
}
