package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"MarginLedger/internal/config"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/instruction"
)

var (
	natsURL        string
	publishTimeout time.Duration
	dryRun         bool
)

var publishCmd = &cobra.Command{
	Use:   "publish <type> <file|->",
	Short: "Validate an instruction payload and publish it on margin.ix.<type>",
	Args:  cobra.ExactArgs(2),
	RunE:  runPublish,
}

var priceCmd = &cobra.Command{
	Use:   "price <feed-id> <file|->",
	Short: "Validate an oracle reading and publish it on margin.prices.<feed-id>",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrice,
}

func init() {
	for _, cmd := range []*cobra.Command{publishCmd, priceCmd} {
		cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL (default $MARGIN_NATS_URL)")
		cmd.Flags().DurationVar(&publishTimeout, "timeout", 5*time.Second, "publish acknowledgement timeout")
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the payload without publishing")
	}
}

func runPublish(cmd *cobra.Command, args []string) error {
	t, err := instruction.ParseType(args[0])
	if err != nil {
		return err
	}
	return validateAndPublish(cmd, ingestion.InstructionSubject(t), args[1])
}

func runPrice(cmd *cobra.Command, args []string) error {
	feed, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("feed id: %w", err)
	}
	return validateAndPublish(cmd, ingestion.PriceSubject(feed), args[1])
}

// validateAndPublish runs the payload through the ledger's own parser so a
// rejected message never reaches the stream.
func validateAndPublish(cmd *cobra.Command, subject, src string) error {
	data, err := readPayload(cmd, src)
	if err != nil {
		return err
	}
	ix, err := ingestion.ParseMessage(subject, data)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "ok %s key=%s\n", ix.Type(), ix.IdempotencyKey())
		return nil
	}

	url := natsURL
	if url == "" {
		url = config.DefaultConfig().NATSURL
	}
	nc, js, err := ingestion.ConnectNATS(url)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := contextWithTimeout(cmd, publishTimeout)
	defer cancel()
	ack, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(ix.Type().String()+":"+ix.IdempotencyKey()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s stream=%s seq=%d duplicate=%t\n", subject, ack.Stream, ack.Sequence, ack.Duplicate)
	return nil
}

func readPayload(cmd *cobra.Command, src string) ([]byte, error) {
	if src == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(src)
}
