// Package oracle normalizes raw price feed readings into PriceInfo values
// the margin valuation engine can trust.
package oracle

import (
	"fmt"

	"github.com/google/uuid"

	"MarginLedger/internal/fault"
)

const (
	// MaxConfidenceBps is the widest confidence interval accepted, relative
	// to the price.
	MaxConfidenceBps = 5_00

	// MaxStalenessSeconds is how old a feed reading may be when it is read.
	MaxStalenessSeconds = 30
)

var (
	ErrWrongOracle   = fault.Register(fault.ClassStructural, "oracle", 1, "unrecognized oracle feed")
	ErrInvalidPrice  = fault.Register(fault.ClassPolicy, "oracle", 2, "oracle price is invalid")
	ErrOutdatedPrice = fault.Register(fault.ClassStaleness, "oracle", 3, "oracle price is outdated")
	ErrPriceMissing  = fault.Register(fault.ClassStaleness, "oracle", 4, "oracle has not published a price")
)

// Feed is a raw reading as published by a price oracle.
type Feed struct {
	ID          uuid.UUID `json:"id"`
	Price       int64     `json:"price"`
	Confidence  uint64    `json:"confidence"`
	Exponent    int32     `json:"exponent"`
	PublishTime int64     `json:"publish_time"`
	EMAPrice    int64     `json:"ema_price"`
}

// PriceInfo is the normalized price a position is valued with.
type PriceInfo struct {
	Value         int64  `json:"value"`
	Exponent      int32  `json:"exponent"`
	ConfidenceBps uint64 `json:"confidence_bps"`
	PublishedAt   int64  `json:"published_at"`
	EMA           int64  `json:"ema"`
}

// IsValid reports whether the price can be used for valuation at all.
func (p PriceInfo) IsValid() bool {
	return p.Value > 0 && p.ConfidenceBps <= MaxConfidenceBps
}

// Source resolves feed readings by feed id.
type Source interface {
	GetPrice(feedID uuid.UUID) (Feed, error)
}

// Normalize validates a raw reading at time now and converts it.
func Normalize(feed Feed, now int64) (PriceInfo, error) {
	if feed.Price <= 0 {
		return PriceInfo{}, fault.Wrapf(ErrInvalidPrice, "feed %s price %d", feed.ID, feed.Price)
	}
	confBps, err := confidenceBps(feed.Confidence, uint64(feed.Price))
	if err != nil {
		return PriceInfo{}, err
	}
	if confBps > MaxConfidenceBps {
		return PriceInfo{}, fault.Wrapf(ErrInvalidPrice, "feed %s confidence %d bps exceeds %d", feed.ID, confBps, MaxConfidenceBps)
	}
	if now-feed.PublishTime > MaxStalenessSeconds {
		return PriceInfo{}, fault.Wrapf(ErrOutdatedPrice, "feed %s published %ds ago", feed.ID, now-feed.PublishTime)
	}
	return PriceInfo{
		Value:         feed.Price,
		Exponent:      feed.Exponent,
		ConfidenceBps: confBps,
		PublishedAt:   feed.PublishTime,
		EMA:           feed.EMAPrice,
	}, nil
}

// Read fetches and normalizes a feed in one step.
func Read(src Source, feedID uuid.UUID, now int64) (PriceInfo, error) {
	feed, err := src.GetPrice(feedID)
	if err != nil {
		return PriceInfo{}, err
	}
	return Normalize(feed, now)
}

func confidenceBps(confidence, price uint64) (uint64, error) {
	if confidence > (^uint64(0))/10_000 {
		return 0, fmt.Errorf("confidence %d: %w", confidence, fault.ErrOverflow)
	}
	return confidence * 10_000 / price, nil
}
