package core

import (
	"github.com/google/uuid"

	"MarginLedger/internal/instruction"
	"MarginLedger/internal/orderbook"
)

func (c *DeterministicCore) handlePlaceOrder(tx *Tx, ix *instruction.PlaceOrder) (interface{}, error) {
	s, err := tx.Market(ix.Market)
	if err != nil {
		return nil, err
	}
	summary, err := s.PlaceOrder(tx.env, ix.Owner, ix.Order)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		market := ix.Market.String()
		tx.afterCommit(func() { c.metrics.OrdersPlaced.WithLabelValues(market).Inc() })
	}
	return summary, nil
}

func (c *DeterministicCore) handleCancelOrder(tx *Tx, ix *instruction.CancelOrder) (interface{}, error) {
	s, err := tx.Market(ix.Market)
	if err != nil {
		return nil, err
	}
	return s.CancelOrder(tx.env, ix.Owner, ix.OrderID)
}

func (c *DeterministicCore) handleConsumeEvents(tx *Tx, ix *instruction.ConsumeEvents) (interface{}, error) {
	tx.touchMarket(ix.Market)
	res, err := tx.Markets.ConsumeEvents(tx.env, ix.ConsumeRequest)
	if err != nil {
		return nil, err
	}
	if err := settleMarginAccounts(tx, ix.Market); err != nil {
		return nil, err
	}

	var baseFilled uint64
	for _, ev := range res.Events {
		if ev.Kind == orderbook.EventFill && ev.Fill != nil {
			tx.fills[ix.Market] = append(tx.fills[ix.Market], *ev.Fill)
			baseFilled += ev.Fill.BaseQty
		}
	}
	if c.metrics != nil {
		market := ix.Market.String()
		fills := len(tx.fills[ix.Market])
		tx.afterCommit(func() {
			c.metrics.EventsConsumed.WithLabelValues(market).Add(float64(res.Consumed))
			c.metrics.Fills.WithLabelValues(market).Add(float64(fills))
			c.metrics.FilledBase.WithLabelValues(market).Add(float64(baseFilled))
		})
	}
	return res, nil
}

func (c *DeterministicCore) handleAutoRoll(tx *Tx, ix *instruction.AutoRoll) (interface{}, error) {
	tx.touchMarket(ix.Market)
	summary, err := tx.Markets.AutoRoll(tx.env, ix.RollRequest)
	if err != nil {
		return nil, err
	}
	if err := settleMarginAccounts(tx, ix.Market); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		market := ix.Market.String()
		tx.afterCommit(func() { c.metrics.Rolls.WithLabelValues(market).Inc() })
	}
	c.log.Debug().
		Str("market", ix.Market.String()).
		Str("target", ix.Target.String()).
		Uint64("base_filled", summary.BaseFilled).
		Msg("rolled")
	return summary, nil
}

// settleMarginAccounts pushes the claim and collateral balances a crank
// call moved onto the margin accounts holding those positions, then
// revalues them.
func settleMarginAccounts(tx *Tx, market uuid.UUID) error {
	s, err := tx.Markets.Get(market)
	if err != nil {
		return err
	}
	settlements, err := s.TakeMarginSettlements(tx.env)
	if err != nil {
		return err
	}
	for _, st := range settlements {
		acct, err := tx.Account(st.MarginAccount)
		if err != nil {
			return err
		}
		if _, err := tx.gate.Reconcile(acct, s.Market.Adapter, st.Result, tx.Now); err != nil {
			return err
		}
	}
	return nil
}

func (c *DeterministicCore) handleStakeTickets(tx *Tx, ix *instruction.StakeTickets) (interface{}, error) {
	s, err := tx.Market(ix.Market)
	if err != nil {
		return nil, err
	}
	return s.StakeTickets(tx.env, ix.Owner, ix.Amount)
}

func (c *DeterministicCore) handleRedeemTicket(tx *Tx, ix *instruction.RedeemTicket) (interface{}, error) {
	s, err := tx.Market(ix.Market)
	if err != nil {
		return nil, err
	}
	paid, err := s.RedeemTicket(tx.env, ix.Owner, ix.Ticket)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"redeemed": paid}, nil
}

func (c *DeterministicCore) handleRegisterEventAdapter(tx *Tx, ix *instruction.RegisterEventAdapter) (interface{}, error) {
	s, err := tx.Market(ix.Market)
	if err != nil {
		return nil, err
	}
	return nil, s.RegisterEventAdapter(ix.Owner, ix.Adapter, ix.Capacity)
}

func (c *DeterministicCore) handlePopAdapterEvents(tx *Tx, ix *instruction.PopAdapterEvents) (interface{}, error) {
	s, err := tx.Market(ix.Market)
	if err != nil {
		return nil, err
	}
	return nil, s.PopAdapterEvents(ix.Owner, ix.Adapter, ix.Count)
}

// --- Oracle ---

func (c *DeterministicCore) handlePriceUpdate(tx *Tx, ix *instruction.PriceUpdate) (interface{}, error) {
	applied, err := tx.Oracles.Apply(ix.Feed)
	if err != nil {
		return nil, err
	}
	tx.feeds[ix.Feed.ID] = struct{}{}
	if c.metrics != nil {
		outcome := "applied"
		if !applied {
			outcome = "stale"
		}
		feed := ix.Feed.ID.String()
		tx.afterCommit(func() { c.metrics.PriceUpdates.WithLabelValues(feed, outcome).Inc() })
	}
	return ix.Feed, nil
}
