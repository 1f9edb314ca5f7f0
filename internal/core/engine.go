package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarginLedger/internal/fault"
	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/instruction"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/margin"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/orderbook"
)

// DefaultDedupCapacity is the size of the in-memory idempotency tier.
const DefaultDedupCapacity = 1_000_000

// invariantCheckInterval is how often the full zero-sum check runs.
const invariantCheckInterval = 1000

// DeterministicCore is the single-threaded instruction processor
type DeterministicCore struct {
	sequence          int64
	state             *State
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	adapters          map[uuid.UUID]margin.Adapter
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers learn about one applied
// instruction. Accounts and loans are committed values and must be
// treated as read-only.
type CoreOutput struct {
	Envelope   *instruction.Envelope
	Batch      *ledger.Batch
	Balances   []ledger.BalanceEntry
	Accounts   []AccountUpdate
	Markets    []MarketUpdate
	StateDelta []byte

	// AppliedAt is wall-clock, for latency metrics only
	AppliedAt time.Time
}

// AccountUpdate is the state of one account the instruction touched.
// Valuation is nil when the account could not be valued (stale prices).
type AccountUpdate struct {
	ID        uuid.UUID
	Account   *margin.Account
	Closed    bool
	Valuation *margin.Valuation
}

// MarketUpdate is the state of one market the instruction touched. Fills
// are the fills the crank settled in this instruction.
type MarketUpdate struct {
	Market     uuid.UUID
	Fills      []orderbook.Fill
	Loans      []fixedterm.TermLoan
	Bids       []orderbook.DepthLevel
	Asks       []orderbook.DepthLevel
	QueueDepth int
	OpenOrders int
}

// bookDepthLevels bounds the depth carried in a MarketUpdate.
const bookDepthLevels = 20

func NewDeterministicCore(
	state *State,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	return &DeterministicCore{
		sequence:          startSequence,
		state:             state,
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(DefaultDedupCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		adapters:          make(map[uuid.UUID]margin.Adapter),
		metrics:           metrics,
		log:               zerolog.Nop(),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// SetLogger replaces the no-op logger.
func (c *DeterministicCore) SetLogger(log zerolog.Logger) {
	c.log = log
}

// RegisterAdapter installs a stateless adapter program. Fixed-term markets
// are resolved by their adapter id and need no registration.
func (c *DeterministicCore) RegisterAdapter(a margin.Adapter) {
	c.adapters[a.ID()] = a
}

// ProcessInstruction is the main processing pipeline
func (c *DeterministicCore) ProcessInstruction(ix instruction.Instruction) error {
	start := time.Now()
	typ := ix.Type().String()
	key := ix.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(typ, key) {
		c.reject(typ, "duplicate")
		return nil
	}

	// Steps 2-5: validate, apply on a scratch copy, hash, commit
	output, err := c.apply(ix, nil)
	if err != nil || output == nil {
		return err
	}

	// Step 6: Emit outputs
	output.AppliedAt = time.Now()
	c.emit(*output)

	// Step 7: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(typ, key)

	if c.metrics != nil {
		c.metrics.InstructionsApplied.WithLabelValues(typ).Inc()
		c.metrics.InstructionDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
		c.metrics.Sequence.Set(float64(c.sequence))
		c.metrics.Accounts.Set(float64(len(c.state.Accounts)))
	}
	return nil
}

// Replay re-applies a logged instruction during recovery and checks it
// reproduces the logged sequence and state hash. Nothing is emitted.
func (c *DeterministicCore) Replay(ix instruction.Instruction, stored instruction.Envelope) error {
	output, err := c.apply(ix, &stored)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", stored.Sequence, err)
	}
	if output == nil {
		return ErrStateHashMismatch.Wrapf("replay seq=%d: logged instruction was ignored", stored.Sequence)
	}
	c.idempotency.MarkProcessed(ix.Type().String(), ix.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.ReplayTotal.Inc()
	}
	return nil
}

// ReplayEnvelope decodes a logged envelope and replays it.
func (c *DeterministicCore) ReplayEnvelope(env instruction.Envelope) error {
	ix, err := instruction.Decode(env.Type, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", env.Sequence, err)
	}
	return c.Replay(ix, env)
}

// apply runs one instruction to completion. It returns nil output and nil
// error for price readings older than the one held.
func (c *DeterministicCore) apply(ix instruction.Instruction, expected *instruction.Envelope) (*CoreOutput, error) {
	typ := ix.Type().String()
	partition := ix.Partition()
	sourceSequence := ix.SourceSequence()

	// Step 2: Sequence validation. Price feeds tolerate gaps and ignore
	// stale readings; every other partition is strict.
	if IsPricePartition(partition) {
		if !c.sequenceValidator.CheckPrice(partition, sourceSequence) {
			c.reject(typ, "stale_price")
			return nil, nil
		}
	} else if err := c.sequenceValidator.Check(partition, sourceSequence); err != nil {
		c.reject(typ, "sequence")
		return nil, err
	}

	// Step 3: Dispatch against a scratch copy
	seq := c.sequence + 1
	tx := c.state.begin(seq, ix.IdempotencyKey(), ix.Time(), c.log)
	result, err := c.dispatch(tx, ix)
	batch := tx.journal.Batch()
	if err == nil {
		err = tx.syncDeposits(batch)
	}
	if err != nil {
		c.reject(typ, fault.ClassOf(err).String())
		return nil, err
	}
	if batch != nil {
		if err := ledger.NewInvariantValidator(tx.Custody).ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
	}

	payload, err := instruction.Encode(ix)
	if err != nil {
		return nil, err
	}
	var resultJSON json.RawMessage
	if result != nil {
		if resultJSON, err = json.Marshal(result); err != nil {
			return nil, fmt.Errorf("encode %s result: %w", typ, err)
		}
	}

	// Step 4: Compute state digest and hash
	hashStart := time.Now()
	digest := c.computeStateDigest(tx, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.Next(seq, digest)
	if c.metrics != nil {
		c.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	if expected != nil {
		if expected.Sequence != seq {
			return nil, ErrReplaySequenceMismatch.Wrapf("log=%d, core=%d", expected.Sequence, seq)
		}
		if expected.StateHash != stateHash {
			return nil, ErrStateHashMismatch.Wrapf("seq=%d: log=%x, core=%x", seq, expected.StateHash, stateHash)
		}
	}

	// Step 5: Commit
	c.state.commit(tx)
	c.hasher.SetPrevHash(stateHash)
	c.sequence = seq
	c.sequenceValidator.Advance(partition, sourceSequence)
	for _, fn := range tx.hooks {
		fn()
	}
	if c.metrics != nil && batch != nil {
		for _, j := range batch.Journals {
			c.metrics.Journals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	envelope := &instruction.Envelope{
		Sequence:       seq,
		IdempotencyKey: ix.IdempotencyKey(),
		Type:           ix.Type(),
		Partition:      partition,
		Timestamp:      ix.Time(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		Result:         resultJSON,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := c.buildOutput(tx, envelope, batch, digest)
	return &output, nil
}

func (c *DeterministicCore) reject(typ, reason string) {
	if c.metrics != nil {
		c.metrics.InstructionsRejected.WithLabelValues(typ, reason).Inc()
	}
}

// emit hands an output to the workers. The persist channel uses a blocking
// send (backpressure); the projection channel drops when full and the
// projections catch up by rebuilding from the log.
func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (c *DeterministicCore) dispatch(tx *Tx, ix instruction.Instruction) (interface{}, error) {
	switch ix := ix.(type) {
	case *instruction.CreateAccount:
		return c.handleCreateAccount(tx, ix)
	case *instruction.CloseAccount:
		return c.handleCloseAccount(tx, ix)
	case *instruction.RegisterPosition:
		return c.handleRegisterPosition(tx, ix)
	case *instruction.UpdatePositionBalance:
		return c.handleUpdatePositionBalance(tx, ix)
	case *instruction.RefreshPositionMetadata:
		return c.handleRefreshPositionMetadata(tx, ix)
	case *instruction.RefreshDepositPosition:
		return c.handleRefreshDepositPosition(tx, ix)
	case *instruction.ClosePosition:
		return c.handleClosePosition(tx, ix)
	case *instruction.VerifyHealthy:
		return c.handleVerifyHealthy(tx, ix)
	case *instruction.AdapterInvoke:
		return c.handleInvoke(tx, ix.Invoke, margin.InvokeOwner)
	case *instruction.AccountingInvoke:
		return c.handleInvoke(tx, ix.Invoke, margin.InvokeAccounting)
	case *instruction.LiquidatorInvoke:
		return c.handleInvoke(tx, ix.Invoke, margin.InvokeLiquidator)
	case *instruction.LiquidateBegin:
		return c.handleLiquidateBegin(tx, ix)
	case *instruction.LiquidateEnd:
		return c.handleLiquidateEnd(tx, ix)
	case *instruction.FundWallet:
		return c.handleFundWallet(tx, ix)
	case *instruction.DepositTokens:
		return c.handleDepositTokens(tx, ix)
	case *instruction.WithdrawTokens:
		return c.handleWithdrawTokens(tx, ix)
	case *instruction.PlaceOrder:
		return c.handlePlaceOrder(tx, ix)
	case *instruction.CancelOrder:
		return c.handleCancelOrder(tx, ix)
	case *instruction.ConsumeEvents:
		return c.handleConsumeEvents(tx, ix)
	case *instruction.AutoRoll:
		return c.handleAutoRoll(tx, ix)
	case *instruction.StakeTickets:
		return c.handleStakeTickets(tx, ix)
	case *instruction.RedeemTicket:
		return c.handleRedeemTicket(tx, ix)
	case *instruction.RegisterEventAdapter:
		return c.handleRegisterEventAdapter(tx, ix)
	case *instruction.PopAdapterEvents:
		return c.handlePopAdapterEvents(tx, ix)
	case *instruction.PriceUpdate:
		return c.handlePriceUpdate(tx, ix)
	default:
		return nil, ErrUnsupportedInstruction.Wrapf("%T", ix)
	}
}

// computeStateDigest creates canonical bytes for the state hash: the
// custody balances the batch moved, then every touched account, market
// and oracle feed, each group in id order.
func (c *DeterministicCore) computeStateDigest(tx *Tx, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 256)

	for _, key := range affectedKeys(batch) {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, tx.Custody.GetBalance(key))
	}

	touched := make(map[uuid.UUID]struct{}, len(tx.accounts)+len(tx.closed))
	for id := range tx.accounts {
		touched[id] = struct{}{}
	}
	for id := range tx.closed {
		touched[id] = struct{}{}
	}
	for _, id := range sortedIDs(touched) {
		digest = append(digest, id[:]...)
		acct, open := tx.accounts[id]
		if !open {
			digest = append(digest, 0)
			continue
		}
		data, err := json.Marshal(acct)
		if err != nil {
			panic(fmt.Sprintf("FATAL: account %s digest: %v", id, err))
		}
		digest = append(digest, 1)
		digest = appendInt64LE(digest, int64(len(data)))
		digest = append(digest, data...)
	}

	for _, id := range sortedIDs(tx.markets) {
		s, err := tx.Markets.Get(id)
		if err != nil {
			continue
		}
		digest = append(digest, id[:]...)
		for _, v := range []uint64{
			s.OrderNonce,
			uint64(s.Book.Len()),
			s.Queue.HeadSeq(),
			uint64(s.Queue.Len()),
			uint64(len(s.Users)),
			uint64(len(s.Loans)),
			uint64(len(s.Tickets)),
			uint64(len(s.Adapters)),
		} {
			digest = appendInt64LE(digest, int64(v))
		}
	}

	for _, id := range sortedIDs(tx.feeds) {
		feed, err := tx.Oracles.GetPrice(id)
		if err != nil {
			continue
		}
		digest = append(digest, id[:]...)
		digest = appendInt64LE(digest, feed.Price)
		digest = appendInt64LE(digest, feed.PublishTime)
	}

	return digest
}

func affectedKeys(batch *ledger.Batch) []ledger.AccountKey {
	if batch == nil {
		return nil
	}
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	keys := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants runs the periodic global zero-sum and
// non-negativity check on committed custody.
func (c *DeterministicCore) postCheckInvariants() error {
	if c.sequence > 0 && c.sequence%invariantCheckInterval == 0 {
		if err := ledger.NewInvariantValidator(c.state.Custody).ValidateAll(); err != nil {
			return fmt.Errorf("post-check at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) buildOutput(tx *Tx, envelope *instruction.Envelope, batch *ledger.Batch, digest []byte) CoreOutput {
	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: digest,
	}
	for _, key := range affectedKeys(batch) {
		output.Balances = append(output.Balances, ledger.BalanceEntry{
			Key:     key,
			Path:    key.AccountPath(),
			Balance: tx.Custody.GetBalance(key),
		})
	}

	for _, id := range sortedIDs(tx.accounts) {
		acct := tx.accounts[id]
		update := AccountUpdate{ID: id, Account: acct}
		if val, err := margin.Value(acct, tx.Now); err == nil {
			update.Valuation = &val
		}
		output.Accounts = append(output.Accounts, update)
	}
	for _, id := range sortedIDs(tx.closed) {
		output.Accounts = append(output.Accounts, AccountUpdate{ID: id, Closed: true})
	}

	for _, id := range sortedIDs(tx.markets) {
		s, err := tx.Markets.Get(id)
		if err != nil {
			continue
		}
		update := MarketUpdate{
			Market:     id,
			Fills:      tx.fills[id],
			Bids:       s.Book.Depth(orderbook.Bid, bookDepthLevels),
			Asks:       s.Book.Depth(orderbook.Ask, bookDepthLevels),
			QueueDepth: s.Queue.Len(),
			OpenOrders: s.Book.Len(),
		}
		for _, loanID := range sortedIDs(s.Loans) {
			update.Loans = append(update.Loans, *s.Loans[loanID])
		}
		output.Markets = append(output.Markets, update)

		if c.metrics != nil {
			label := id.String()
			c.metrics.QueueDepth.WithLabelValues(label).Set(float64(update.QueueDepth))
			c.metrics.OpenLoans.WithLabelValues(label).Set(float64(len(update.Loans)))
		}
	}
	return output
}

// --- Startup & inspection ---

// WarmLRU loads recent idempotency keys into the LRU cache.
// Avoids cold-path DB lookups for recently processed instructions.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the last applied global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// State exposes the committed state. Callers must not mutate it and must
// not read it concurrently with ProcessInstruction.
func (c *DeterministicCore) State() *State {
	return c.state
}
