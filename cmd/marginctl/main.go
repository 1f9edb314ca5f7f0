// Command marginctl publishes instructions and price readings to the ledger's
// NATS subjects and converts between lending rates and ticket prices.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"MarginLedger/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:           "marginctl",
	Short:         "Operator tooling for MarginLedger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(publishCmd, priceCmd, rateToPriceCmd, priceToRateCmd)
}

func main() {
	log := observability.NewLogger("marginctl")
	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("marginctl failed")
	}
}
