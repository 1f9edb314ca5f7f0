package core

import (
	"github.com/google/uuid"

	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/instruction"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/margin"
	"MarginLedger/internal/oracle"
)

func isLiquidator(acct *margin.Account, caller uuid.UUID) bool {
	l, ok := acct.Liquidator()
	return ok && l == caller
}

// ownerOf loads an account and checks the caller owns it.
func ownerOf(tx *Tx, id, owner uuid.UUID) (*margin.Account, error) {
	acct, err := tx.Account(id)
	if err != nil {
		return nil, err
	}
	if acct.Owner != owner {
		return nil, margin.ErrUnauthorizedOwner
	}
	return acct, nil
}

func (c *DeterministicCore) handleCreateAccount(tx *Tx, ix *instruction.CreateAccount) (interface{}, error) {
	if tx.exists(ix.Account) {
		return nil, ErrAccountExists.Wrapf("account %s", ix.Account)
	}
	acct := margin.NewAccount(ix.Account, ix.Owner, ix.Airspace)
	tx.create(acct)
	return acct, nil
}

func (c *DeterministicCore) handleCloseAccount(tx *Tx, ix *instruction.CloseAccount) (interface{}, error) {
	acct, err := ownerOf(tx, ix.Account, ix.Owner)
	if err != nil {
		return nil, err
	}
	if acct.Liquidation != nil {
		return nil, margin.ErrLiquidating
	}
	if !acct.IsEmpty() {
		return nil, margin.ErrAccountNotEmpty.Wrapf("%d positions", len(acct.Positions))
	}
	tx.close(acct.ID)
	return nil, nil
}

// depositPosition returns the owner-managed deposit position for mint.
func depositPosition(acct *margin.Account, mint uuid.UUID) (*margin.Position, error) {
	pos, err := acct.Position(mint)
	if err != nil {
		return nil, err
	}
	if pos.Adapter != uuid.Nil || pos.Kind != margin.KindDeposit {
		return nil, margin.ErrInvalidPositionAdapter.Wrapf("mint %s is managed by adapter %s", mint, pos.Adapter)
	}
	return pos, nil
}

func (c *DeterministicCore) handleRegisterPosition(tx *Tx, ix *instruction.RegisterPosition) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	if ix.Caller != acct.Owner && !isLiquidator(acct, ix.Caller) {
		return nil, margin.ErrUnauthorizedOwner
	}
	cfg, err := tx.Registry.TokenFor(acct.Airspace, ix.Mint)
	if err != nil {
		return nil, err
	}
	if cfg.Kind != margin.KindDeposit || cfg.Adapter != uuid.Nil {
		return nil, ErrNotDepositPosition.Wrapf("mint %s is a %s position", ix.Mint, cfg.Kind)
	}

	desc := margin.PositionDescriptor{
		Address: tx.Custody.Open(ledger.NewMarginDepositKey(acct.ID, ix.Mint)),
		Mint:    ix.Mint,
		Kind:    margin.KindDeposit,
	}
	if _, err := acct.Register(desc, cfg, ix.Caller, tx.Now); err != nil {
		return nil, err
	}
	balance, err := tx.Custody.TokenAccountBalance(desc.Address)
	if err != nil {
		return nil, err
	}
	if err := acct.UpdateBalance(ix.Mint, balance, tx.Now); err != nil {
		return nil, err
	}
	return acct.Position(ix.Mint)
}

func (c *DeterministicCore) handleUpdatePositionBalance(tx *Tx, ix *instruction.UpdatePositionBalance) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	pos, err := depositPosition(acct, ix.Mint)
	if err != nil {
		return nil, err
	}
	balance, err := tx.Custody.TokenAccountBalance(pos.Address)
	if err != nil {
		return nil, err
	}
	if err := acct.UpdateBalance(ix.Mint, balance, tx.Now); err != nil {
		return nil, err
	}
	return pos, nil
}

func (c *DeterministicCore) handleRefreshPositionMetadata(tx *Tx, ix *instruction.RefreshPositionMetadata) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	cfg, err := tx.Registry.TokenFor(acct.Airspace, ix.Mint)
	if err != nil {
		return nil, err
	}
	if err := acct.RefreshMetadata(cfg); err != nil {
		return nil, err
	}
	return acct.Position(ix.Mint)
}

func (c *DeterministicCore) handleRefreshDepositPosition(tx *Tx, ix *instruction.RefreshDepositPosition) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	cfg, err := tx.Registry.TokenFor(acct.Airspace, ix.Mint)
	if err != nil {
		return nil, err
	}
	if cfg.Oracle != ix.Oracle {
		return nil, oracle.ErrWrongOracle.Wrapf("mint %s is priced by %s", ix.Mint, cfg.Oracle)
	}
	pos, err := depositPosition(acct, ix.Mint)
	if err != nil {
		return nil, err
	}
	price, err := oracle.Read(tx.Oracles, cfg.Oracle, tx.Now)
	if err != nil {
		return nil, err
	}
	balance, err := tx.Custody.TokenAccountBalance(pos.Address)
	if err != nil {
		return nil, err
	}
	if err := acct.UpdateBalance(ix.Mint, balance, tx.Now); err != nil {
		return nil, err
	}
	if err := acct.SetPrice(ix.Mint, price); err != nil {
		return nil, err
	}
	return pos, nil
}

func (c *DeterministicCore) handleClosePosition(tx *Tx, ix *instruction.ClosePosition) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	if !isLiquidator(acct, ix.Caller) {
		if ix.Caller != acct.Owner {
			return nil, margin.ErrUnauthorizedOwner
		}
		if acct.Liquidation != nil {
			return nil, margin.ErrLiquidating
		}
	}
	if _, err := depositPosition(acct, ix.Mint); err != nil {
		return nil, err
	}
	return nil, acct.Close(ix.Mint, ix.Caller)
}

func (c *DeterministicCore) handleVerifyHealthy(tx *Tx, ix *instruction.VerifyHealthy) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	val, err := margin.Value(acct, tx.Now)
	if err != nil {
		return nil, err
	}
	if err := val.Verify(); err != nil {
		return nil, err
	}
	return val, nil
}

// adapterFor resolves the program behind an adapter id: a fixed-term market
// bound to the scratch state, or a registered stateless adapter.
func (c *DeterministicCore) adapterFor(tx *Tx, id uuid.UUID) (margin.Adapter, error) {
	found := false
	for _, marketID := range tx.Markets.IDs() {
		s, _ := tx.Markets.Get(marketID)
		if s.Market.Adapter == id {
			tx.touchMarket(marketID)
			found = true
		}
	}
	if found {
		return fixedterm.NewAdapter(id, tx.Markets, tx.env), nil
	}
	if a, ok := c.adapters[id]; ok {
		return a, nil
	}
	return nil, margin.ErrUnknownAdapter.Wrapf("adapter %s has no program", id)
}

func (c *DeterministicCore) handleInvoke(tx *Tx, ix instruction.Invoke, kind margin.InvokeKind) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	adapter, err := c.adapterFor(tx, ix.Adapter)
	if err != nil {
		return nil, err
	}
	val, err := tx.gate.Invoke(acct, adapter, kind, ix.Caller, ix.Payload, tx.Now)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		tx.afterCommit(func() {
			c.metrics.AdapterInvocations.WithLabelValues(kind.String()).Inc()
			if kind == margin.InvokeLiquidator {
				c.metrics.LiquidatorActions.Inc()
			}
		})
	}
	return val, nil
}

func (c *DeterministicCore) handleLiquidateBegin(tx *Tx, ix *instruction.LiquidateBegin) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	if !tx.Registry.IsLiquidator(acct.Airspace, ix.Liquidator) {
		return nil, margin.ErrUnknownLiquidator.Wrapf("liquidator %s", ix.Liquidator)
	}
	val, err := margin.Value(acct, tx.Now)
	if err != nil {
		return nil, err
	}
	if err := acct.BeginLiquidation(ix.Liquidator, val, tx.Now); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		tx.afterCommit(c.metrics.LiquidationsBegun.Inc)
	}
	c.log.Info().
		Str("account", acct.ID.String()).
		Str("liquidator", ix.Liquidator.String()).
		Int64("seq", tx.Sequence).
		Msg("liquidation begun")
	return val, nil
}

func (c *DeterministicCore) handleLiquidateEnd(tx *Tx, ix *instruction.LiquidateEnd) (interface{}, error) {
	acct, err := tx.Account(ix.Account)
	if err != nil {
		return nil, err
	}
	outcome := "timeout"
	if isLiquidator(acct, ix.Caller) {
		outcome = "liquidator"
	}
	val, err := margin.Value(acct, tx.Now)
	if err != nil {
		return nil, err
	}
	if err := acct.EndLiquidation(ix.Caller, val, tx.Now); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		tx.afterCommit(func() { c.metrics.LiquidationsEnded.WithLabelValues(outcome).Inc() })
	}
	return val, nil
}

// --- Token movements ---

func (c *DeterministicCore) handleFundWallet(tx *Tx, ix *instruction.FundWallet) (interface{}, error) {
	if !tx.mintKnown(ix.Mint) {
		return nil, ErrUnknownMint.Wrapf("mint %s", ix.Mint)
	}
	if err := tx.journal.Deposit(ix.Owner, ix.Mint, ix.Amount); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleDepositTokens(tx *Tx, ix *instruction.DepositTokens) (interface{}, error) {
	acct, err := ownerOf(tx, ix.Account, ix.Owner)
	if err != nil {
		return nil, err
	}
	from := ledger.NewWalletKey(ix.Owner, ix.Mint)
	to := ledger.NewMarginDepositKey(acct.ID, ix.Mint)
	if err := tx.journal.Transfer(from, to, ix.Amount, ledger.JournalTypeMarginDeposit); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleWithdrawTokens(tx *Tx, ix *instruction.WithdrawTokens) (interface{}, error) {
	acct, err := ownerOf(tx, ix.Account, ix.Owner)
	if err != nil {
		return nil, err
	}
	if acct.Liquidation != nil {
		return nil, margin.ErrLiquidating
	}
	from := ledger.NewMarginDepositKey(acct.ID, ix.Mint)
	to := ledger.NewWalletKey(ix.Owner, ix.Mint)
	if err := tx.journal.Transfer(from, to, ix.Amount, ledger.JournalTypeMarginWithdraw); err != nil {
		return nil, err
	}
	synced, err := acct.SyncDeposits(tx.Custody, tx.Now)
	if err != nil {
		return nil, err
	}
	acct.Revalue(synced, tx.Now)
	val, err := margin.Value(acct, tx.Now)
	if err != nil {
		return nil, err
	}
	if err := val.Verify(); err != nil {
		return nil, err
	}
	return val, nil
}
