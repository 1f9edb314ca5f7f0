package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	fp "MarginLedger/internal/math"
)

var rateToPriceCmd = &cobra.Command{
	Use:   "rate-to-price <rate-bps> <tenor>",
	Short: "Convert an annual rate in bps into the Fp32 ticket price for a tenor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bps, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		tenor, err := parseTenor(args[1])
		if err != nil {
			return err
		}
		price, err := fp.RateToPrice(bps, tenor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d (%s)\n", uint64(price), price)
		return nil
	},
}

var priceToRateCmd = &cobra.Command{
	Use:   "price-to-rate <fp32-price> <tenor>",
	Short: "Convert a raw Fp32 ticket price into an annual rate in bps",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("price: %w", err)
		}
		tenor, err := parseTenor(args[1])
		if err != nil {
			return err
		}
		bps, err := fp.PriceToRate(fp.Fp32(raw), tenor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", bps)
		return nil
	},
}

// parseTenor accepts whole seconds or a Go duration such as 720h.
func parseTenor(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("tenor %q: want seconds or a duration", s)
	}
	if d < time.Second {
		return 0, fmt.Errorf("tenor %q is shorter than a second", s)
	}
	return uint64(d / time.Second), nil
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}
