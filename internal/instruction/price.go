package instruction

import (
	"fmt"

	"MarginLedger/internal/oracle"
)

// PricePartitionPrefix prefixes the per-feed ordering partitions. Price
// partitions tolerate gaps; stale readings are ignored.
const PricePartitionPrefix = "price:"

// PriceUpdate is one oracle reading. Its source sequence is the publish
// time, so every feed is its own monotonic stream.
type PriceUpdate struct {
	Header
	Feed oracle.Feed `json:"feed"`
}

func (*PriceUpdate) Type() Type { return TypePriceUpdate }

// IdempotencyKey defaults to the feed and publish time.
func (ix *PriceUpdate) IdempotencyKey() string {
	if ix.Key != "" {
		return ix.Key
	}
	return fmt.Sprintf("%s:price:%d", ix.Feed.ID, ix.Feed.PublishTime)
}

func (ix *PriceUpdate) Partition() string {
	return PricePartitionPrefix + ix.Feed.ID.String()
}

func (ix *PriceUpdate) SourceSequence() int64 { return ix.Feed.PublishTime }

// Time falls back to the publish time for readings relayed without one.
func (ix *PriceUpdate) Time() int64 {
	if ix.Timestamp != 0 {
		return ix.Timestamp
	}
	return ix.Feed.PublishTime
}

func (ix *PriceUpdate) validate() error {
	if err := requireIDs("feed", ix.Feed.ID); err != nil {
		return err
	}
	if ix.Feed.PublishTime <= 0 {
		return ErrMalformed.Wrap("feed publish_time is not set")
	}
	return nil
}
