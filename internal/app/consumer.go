package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
)

// EntryRecorder is the ledger surface the funding consumer needs.
type EntryRecorder interface {
	RecordEntry(ctx context.Context, req ledger.EntryRequest) (domain.LedgerEntry, error)
}

// FundingConsumer records confirmed deposits and withdrawals published by gateway adapters.
type FundingConsumer struct {
	ledger EntryRecorder
}

func NewFundingConsumer(l EntryRecorder) *FundingConsumer {
	return &FundingConsumer{ledger: l}
}

// Bindings returns the routing-key handlers for rabbitmq.Consumer.ConsumeWithBindings.
func (c *FundingConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.FundingDepositConfirmed:    c.HandleDeposit,
		domain.FundingWithdrawalConfirmed: c.HandleWithdrawal,
	}
}

func (c *FundingConsumer) HandleDeposit(body []byte) bool {
	return c.handle(body, domain.CategoryDeposit, 1)
}

func (c *FundingConsumer) HandleWithdrawal(body []byte) bool {
	return c.handle(body, domain.CategoryWithdraw, -1)
}

// handle returns false only for errors worth redelivering; malformed or rejected events are
// acknowledged so they do not loop.
func (c *FundingConsumer) handle(body []byte, category domain.Category, sign int64) bool {
	var event domain.FundingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=funding_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	req, err := entryFromEvent(event, category, sign)
	if err != nil {
		log.Printf("level=warn component=funding_consumer msg=\"dropping invalid funding event\" event_id=%s err=%v", event.EventID, err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	entry, err := c.ledger.RecordEntry(ctx, req)
	switch {
	case err == nil:
		log.Printf("level=info component=funding_consumer msg=\"funding recorded\" event_id=%s account_id=%s category=%s delta=%d balance_after=%d",
			event.EventID, entry.AccountID, entry.Category, entry.Delta, entry.BalanceAfter)
		return true
	case errors.Is(err, domain.ErrInsufficientBalance):
		log.Printf("level=error component=funding_consumer msg=\"withdrawal would overdraw account; acknowledging\" event_id=%s account_id=%s", event.EventID, req.AccountID)
		return true
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		log.Printf("level=error component=funding_consumer msg=\"event id reused with different payload\" event_id=%s", event.EventID)
		return true
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidAmountOrShareCount), errors.Is(err, domain.ErrInvalidCurrency):
		log.Printf("level=warn component=funding_consumer msg=\"ledger rejected funding event\" event_id=%s err=%v", event.EventID, err)
		return true
	default:
		log.Printf("level=warn component=funding_consumer msg=\"funding event failed; requeueing\" event_id=%s err=%v", event.EventID, err)
		return false
	}
}

func entryFromEvent(event domain.FundingEvent, category domain.Category, sign int64) (ledger.EntryRequest, error) {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return ledger.EntryRequest{}, errors.New("missing event id")
	}
	currency, err := domain.ParseCurrency(event.Currency)
	if err != nil {
		return ledger.EntryRequest{}, err
	}
	amount, err := currency.ParseAmount(event.Amount)
	if err != nil {
		return ledger.EntryRequest{}, err
	}
	if amount <= 0 {
		return ledger.EntryRequest{}, fmt.Errorf("amount must be positive, got %q", event.Amount)
	}

	note := strings.TrimSpace(event.Gateway)
	if ref := strings.TrimSpace(event.Reference); ref != "" {
		note = strings.TrimSpace(note + " " + ref)
	}
	return ledger.EntryRequest{
		AccountID:      strings.TrimSpace(event.AccountID),
		Currency:       currency,
		Delta:          sign * amount,
		Category:       category,
		ReferenceType:  domain.ReferenceFunding,
		ReferenceID:    eventID,
		Note:           note,
		IdempotencyKey: "funding:" + eventID,
	}, nil
}
