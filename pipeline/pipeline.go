// Package pipeline drives durable chain actions from QUEUED to MINED with
// exactly-once submission semantics. Three cooperative loops share the work:
// a sender claiming queued rows, a receipt poller confirming sent rows, and a
// stuck-transaction monitor performing replace-by-fee bumps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/action"
	"loanbridge/chain"
	"loanbridge/models"
	"loanbridge/observability"
)

// ErrDuplicateActionKey reports an enqueue that lost the unique action key
// race; the original action proceeds and the caller must not retry.
var ErrDuplicateActionKey = errors.New("pipeline: duplicate action key")

// ErrNotRequeueable reports an admin replay against an action the pipeline
// still owns.
var ErrNotRequeueable = errors.New("pipeline: action not requeueable")

// Retry and bump policy.
const (
	MaxRetries     = 5
	MaxBumpCount   = 3
	StuckThreshold = 5 * time.Minute
	baseBackoff    = time.Second
)

// Loop cadences.
const (
	SenderInterval  = 2 * time.Second
	ReceiptInterval = 5 * time.Second
	StuckInterval   = 60 * time.Second
)

// MinedHandler observes every action that reaches MINED with a successful
// receipt. Handlers run synchronously on the receipt loop; they must be quick
// and idempotent because a crash after MINED but before the handler commits
// its own effects replays the notification.
type MinedHandler func(ctx context.Context, act models.ChainAction, rcpt chain.Receipt)

// Config carries pipeline construction parameters.
type Config struct {
	ConfirmationsRequired int
	BatchSize             int
	Now                   func() time.Time
}

func (c *Config) normalize() {
	if c.ConfirmationsRequired <= 0 {
		c.ConfirmationsRequired = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Pipeline owns the chain action state machine.
type Pipeline struct {
	db      *gorm.DB
	sender  chain.Sender
	nonces  *chain.NonceManager
	metrics *observability.PipelineMetrics
	logger  *slog.Logger
	cfg     Config
	onMined MinedHandler
	paused  atomic.Bool
}

// New constructs a pipeline. The nonce manager may be nil in tests that stub
// the sender; resync on conflict then becomes a no-op.
func New(db *gorm.DB, sender chain.Sender, nonces *chain.NonceManager, metrics *observability.PipelineMetrics, logger *slog.Logger, cfg Config) *Pipeline {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		db:      db,
		sender:  sender,
		nonces:  nonces,
		metrics: metrics,
		logger:  logger.With("component", "pipeline"),
		cfg:     cfg,
	}
}

// OnMined registers the mined-action handler. Must be called before Run.
func (p *Pipeline) OnMined(h MinedHandler) { p.onMined = h }

// Pause stops the sender loop from claiming new work. Sent transactions keep
// being confirmed and bumped.
func (p *Pipeline) Pause() { p.paused.Store(true) }

// Resume re-enables the sender loop.
func (p *Pipeline) Resume() { p.paused.Store(false) }

// Paused reports the sender gate.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Enqueue persists a new action in QUEUED. When actionKey is non-empty the
// unique constraint makes concurrent enqueues collapse to one row; losers get
// ErrDuplicateActionKey.
func (p *Pipeline) Enqueue(ctx context.Context, loanID uuid.UUID, payload action.Payload, actionKey string) (*models.ChainAction, error) {
	encoded, err := action.Encode(payload)
	if err != nil {
		return nil, err
	}
	act := models.ChainAction{
		ID:                    uuid.New(),
		LoanID:                loanID,
		Type:                  payload.ActionType(),
		Payload:               encoded,
		State:                 models.ActionQueued,
		ConfirmationsRequired: p.cfg.ConfirmationsRequired,
	}
	if actionKey != "" {
		act.ActionKey = &actionKey
	}
	if err := p.db.WithContext(ctx).Create(&act).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateActionKey, actionKey)
		}
		return nil, fmt.Errorf("pipeline: enqueue %s: %w", act.Type, err)
	}
	p.metrics.ObserveTransition(string(act.Type), string(models.ActionQueued))
	return &act, nil
}

// Recover resets actions stranded in PROCESSING by a crash. Rows that already
// carry a tx hash were accepted by the RPC before the crash and resume as
// SENT; the rest go back to QUEUED for a fresh claim.
func (p *Pipeline) Recover(ctx context.Context) error {
	now := p.cfg.Now().UTC()
	resumed := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("state = ? AND tx_hash <> ''", models.ActionProcessing).
		Updates(map[string]interface{}{"state": models.ActionSent, "sent_at": now})
	if resumed.Error != nil {
		return fmt.Errorf("pipeline: resume sent actions: %w", resumed.Error)
	}
	reset := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("state = ?", models.ActionProcessing).
		Updates(map[string]interface{}{
			"state":         models.ActionQueued,
			"last_error":    "reset: worker crash during PROCESSING",
			"next_retry_at": now,
		})
	if reset.Error != nil {
		return fmt.Errorf("pipeline: reset processing actions: %w", reset.Error)
	}
	if resumed.RowsAffected > 0 || reset.RowsAffected > 0 {
		p.logger.Info("recovered stranded actions", "resumed_sent", resumed.RowsAffected, "requeued", reset.RowsAffected)
	}
	if p.onMined != nil {
		if err := p.replayMined(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayMined re-delivers MINED actions whose handler never committed before
// a crash. The handler contract requires idempotency, so a second delivery is
// safe; a dropped delivery wedges the loan.
func (p *Pipeline) replayMined(ctx context.Context) error {
	var rows []models.ChainAction
	err := p.db.WithContext(ctx).
		Where("state = ? AND handler_applied = ?", models.ActionMined, false).
		Order("mined_at asc").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("pipeline: load unapplied mined actions: %w", err)
	}
	for i := range rows {
		act := &rows[i]
		rcpt := &chain.Receipt{
			TxHash:        act.TxHash,
			BlockNumber:   act.BlockNumber,
			GasUsed:       act.GasUsed,
			Status:        chain.ReceiptSuccess,
			Confirmations: act.ConfirmationsReceived,
		}
		// The stored row loses receipt-only fields such as the deployed
		// contract address, so prefer a fresh lookup when the RPC is up.
		if p.sender != nil {
			fresh, err := p.sender.GetReceipt(ctx, act.TxHash)
			if err != nil {
				p.logger.Warn("receipt refetch for replay failed", "action_id", act.ID, "tx_hash", act.TxHash, "error", err)
			} else if fresh != nil {
				rcpt = fresh
			}
		}
		p.onMined(ctx, *act, *rcpt)
		if err := p.markHandlerApplied(ctx, act.ID); err != nil {
			return err
		}
		p.logger.Info("mined notification replayed", "action_id", act.ID, "type", act.Type)
	}
	return nil
}

func (p *Pipeline) markHandlerApplied(ctx context.Context, id uuid.UUID) error {
	err := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ?", id).Update("handler_applied", true).Error
	if err != nil {
		return fmt.Errorf("pipeline: mark handler applied for %s: %w", id, err)
	}
	return nil
}

// Run starts the three loops and blocks until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	go p.loop(ctx, SenderInterval, p.processQueued)
	go p.loop(ctx, ReceiptInterval, p.pollReceipts)
	go p.loop(ctx, StuckInterval, p.bumpStuck)
	<-ctx.Done()
}

func (p *Pipeline) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// processQueued claims due QUEUED and RETRYING rows and submits them.
// Exported through the tick loop only; tests call it directly.
func (p *Pipeline) processQueued(ctx context.Context) {
	if p.paused.Load() {
		return
	}
	now := p.cfg.Now().UTC()
	var due []models.ChainAction
	err := p.db.WithContext(ctx).
		Where("(state = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (state = ? AND next_retry_at <= ?)",
			models.ActionQueued, now, models.ActionRetrying, now).
		Order("created_at asc").
		Limit(p.cfg.BatchSize).
		Find(&due).Error
	if err != nil {
		p.logger.Error("load due actions", "error", err)
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		p.submitOne(ctx, &due[i])
	}
}

func (p *Pipeline) submitOne(ctx context.Context, act *models.ChainAction) {
	// Optimistic claim: only the worker whose UPDATE lands moves the row to
	// PROCESSING. Everyone else sees zero rows affected and walks away.
	claim := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ? AND state = ?", act.ID, act.State).
		Update("state", models.ActionProcessing)
	if claim.Error != nil {
		p.logger.Error("claim action", "action_id", act.ID, "error", claim.Error)
		return
	}
	if claim.RowsAffected == 0 {
		return
	}
	p.metrics.ObserveTransition(string(act.Type), string(models.ActionProcessing))

	if act.TxHash != "" {
		// Crash resume: the RPC already accepted this submission. Sending
		// again would double-spend the nonce, so go straight back to SENT.
		p.markSent(ctx, act, act.TxHash, act.Nonce)
		return
	}

	payload, err := action.Decode(act.Type, act.Payload)
	if err != nil {
		p.routeFailure(ctx, act, err)
		return
	}

	start := p.cfg.Now()
	result, err := p.sender.SendAction(ctx, chain.SendRequest{
		ID:      act.ID,
		LoanID:  act.LoanID,
		Type:    act.Type,
		Payload: payload,
	})
	p.metrics.ObserveSend(string(act.Type), p.cfg.Now().Sub(start))
	if err != nil {
		p.routeFailure(ctx, act, err)
		return
	}
	p.markSent(ctx, act, result.TxHash, &result.Nonce)
}

func (p *Pipeline) markSent(ctx context.Context, act *models.ChainAction, txHash string, nonce *uint64) {
	now := p.cfg.Now().UTC()
	updates := map[string]interface{}{
		"state":         models.ActionSent,
		"tx_hash":       txHash,
		"sent_at":       now,
		"next_retry_at": nil,
	}
	if nonce != nil {
		updates["nonce"] = *nonce
	}
	if err := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ?", act.ID).Updates(updates).Error; err != nil {
		p.logger.Error("mark sent", "action_id", act.ID, "error", err)
		return
	}
	p.metrics.ObserveTransition(string(act.Type), string(models.ActionSent))
	p.logger.Info("action sent", "action_id", act.ID, "type", act.Type, "tx_hash", txHash)
}

// routeFailure applies the retry/DLQ policy to a failed submission.
func (p *Pipeline) routeFailure(ctx context.Context, act *models.ChainAction, sendErr error) {
	errText := sendErr.Error()
	if chain.IsNonceConflict(errText) {
		p.metrics.RecordNonceConflict()
		if p.nonces != nil {
			p.nonces.Resync()
		}
	}

	attempts := act.Attempts + 1
	now := p.cfg.Now().UTC()
	outcome := chain.Classify(errText)
	if outcome == chain.OutcomeRetry && attempts >= MaxRetries {
		outcome = chain.OutcomeDLQ
		errText = fmt.Sprintf("max retries exceeded: %s", errText)
	}

	var updates map[string]interface{}
	switch outcome {
	case chain.OutcomeRetry:
		// Exponential backoff: 2s, 4s, 8s, 16s after attempts 1..4.
		delay := baseBackoff * time.Duration(1<<attempts)
		retryAt := now.Add(delay)
		updates = map[string]interface{}{
			"state":         models.ActionRetrying,
			"attempts":      attempts,
			"last_error":    errText,
			"next_retry_at": retryAt,
		}
	default:
		updates = map[string]interface{}{
			"state":      models.ActionDLQ,
			"attempts":   attempts,
			"last_error": errText,
			"dlq_at":     now,
		}
	}
	if err := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ?", act.ID).Updates(updates).Error; err != nil {
		p.logger.Error("route failure", "action_id", act.ID, "error", err)
		return
	}
	if outcome == chain.OutcomeDLQ {
		p.metrics.ObserveTransition(string(act.Type), string(models.ActionDLQ))
		p.metrics.RecordDLQ(string(act.Type))
		p.logger.Error("action dead-lettered", "action_id", act.ID, "type", act.Type, "attempts", attempts, "error", errText)
		return
	}
	p.metrics.ObserveTransition(string(act.Type), string(models.ActionRetrying))
	p.logger.Warn("action retry scheduled", "action_id", act.ID, "type", act.Type, "attempts", attempts, "error", errText)
}

// pollReceipts confirms SENT transactions and finalises them once enough
// confirmations accumulate.
func (p *Pipeline) pollReceipts(ctx context.Context) {
	var sent []models.ChainAction
	err := p.db.WithContext(ctx).
		Where("state = ?", models.ActionSent).
		Order("sent_at asc").
		Limit(p.cfg.BatchSize).
		Find(&sent).Error
	if err != nil {
		p.logger.Error("load sent actions", "error", err)
		return
	}
	for i := range sent {
		if ctx.Err() != nil {
			return
		}
		p.confirmOne(ctx, &sent[i])
	}
}

func (p *Pipeline) confirmOne(ctx context.Context, act *models.ChainAction) {
	rcpt, err := p.sender.GetReceipt(ctx, act.TxHash)
	if err != nil {
		p.logger.Warn("receipt lookup failed", "action_id", act.ID, "tx_hash", act.TxHash, "error", err)
		return
	}
	if rcpt == nil {
		// Still pending; the stuck monitor decides whether to bump.
		return
	}
	now := p.cfg.Now().UTC()

	if rcpt.Status == chain.ReceiptReverted {
		updates := map[string]interface{}{
			"state":         models.ActionDLQ,
			"dlq_at":        now,
			"block_number":  rcpt.BlockNumber,
			"gas_used":      rcpt.GasUsed,
			"revert_reason": rcpt.RevertReason,
			"last_error":    fmt.Sprintf("execution reverted: %s", rcpt.RevertReason),
		}
		if err := p.db.WithContext(ctx).Model(&models.ChainAction{}).
			Where("id = ? AND state = ?", act.ID, models.ActionSent).Updates(updates).Error; err != nil {
			p.logger.Error("mark reverted", "action_id", act.ID, "error", err)
			return
		}
		p.metrics.ObserveTransition(string(act.Type), string(models.ActionDLQ))
		p.metrics.RecordDLQ(string(act.Type))
		p.logger.Error("action reverted", "action_id", act.ID, "tx_hash", act.TxHash, "reason", rcpt.RevertReason)
		return
	}

	if rcpt.Confirmations < act.ConfirmationsRequired {
		if err := p.db.WithContext(ctx).Model(&models.ChainAction{}).
			Where("id = ?", act.ID).
			Update("confirmations_received", rcpt.Confirmations).Error; err != nil {
			p.logger.Error("record confirmations", "action_id", act.ID, "error", err)
		}
		return
	}

	mined := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ? AND state = ?", act.ID, models.ActionSent).
		Updates(map[string]interface{}{
			"state":                  models.ActionMined,
			"mined_at":               now,
			"block_number":           rcpt.BlockNumber,
			"gas_used":               rcpt.GasUsed,
			"confirmations_received": rcpt.Confirmations,
		})
	if mined.Error != nil {
		p.logger.Error("mark mined", "action_id", act.ID, "error", mined.Error)
		return
	}
	if mined.RowsAffected == 0 {
		return
	}
	p.metrics.ObserveTransition(string(act.Type), string(models.ActionMined))
	p.logger.Info("action mined", "action_id", act.ID, "type", act.Type, "block", rcpt.BlockNumber)

	if p.onMined != nil {
		act.State = models.ActionMined
		act.BlockNumber = rcpt.BlockNumber
		act.GasUsed = rcpt.GasUsed
		p.onMined(ctx, *act, *rcpt)
	}
	// Flagged only after the handler returns: a crash in between leaves the
	// row unapplied and Recover replays the notification.
	if err := p.markHandlerApplied(ctx, act.ID); err != nil {
		p.logger.Error("mark handler applied", "action_id", act.ID, "error", err)
	}
}

// bumpStuck replaces transactions pending past the threshold with a higher
// fee at the same nonce. After the bump cap the action dead-letters so an
// operator can decide whether to cancel the nonce.
func (p *Pipeline) bumpStuck(ctx context.Context) {
	cutoff := p.cfg.Now().UTC().Add(-StuckThreshold)
	var stuck []models.ChainAction
	err := p.db.WithContext(ctx).
		Where("state = ? AND sent_at <= ? AND confirmations_received = 0", models.ActionSent, cutoff).
		Limit(p.cfg.BatchSize).
		Find(&stuck).Error
	if err != nil {
		p.logger.Error("load stuck actions", "error", err)
		return
	}
	for i := range stuck {
		if ctx.Err() != nil {
			return
		}
		p.bumpOne(ctx, &stuck[i])
	}
}

func (p *Pipeline) bumpOne(ctx context.Context, act *models.ChainAction) {
	now := p.cfg.Now().UTC()
	if act.BumpCount >= MaxBumpCount {
		dlq := p.db.WithContext(ctx).Model(&models.ChainAction{}).
			Where("id = ? AND state = ?", act.ID, models.ActionSent).
			Updates(map[string]interface{}{
				"state":      models.ActionDLQ,
				"dlq_at":     now,
				"last_error": fmt.Sprintf("stuck after %d fee bumps", act.BumpCount),
			})
		if dlq.Error != nil {
			p.logger.Error("dead-letter stuck action", "action_id", act.ID, "error", dlq.Error)
			return
		}
		if dlq.RowsAffected > 0 {
			p.metrics.ObserveTransition(string(act.Type), string(models.ActionDLQ))
			p.metrics.RecordDLQ(string(act.Type))
			p.logger.Error("stuck action dead-lettered", "action_id", act.ID, "tx_hash", act.TxHash, "bumps", act.BumpCount)
		}
		return
	}
	if act.Nonce == nil {
		p.logger.Error("stuck action missing nonce", "action_id", act.ID)
		return
	}

	// Claim via SENT -> RETRYING so the receipt poller cannot finalise the
	// old hash mid-replacement.
	claim := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ? AND state = ?", act.ID, models.ActionSent).
		Update("state", models.ActionRetrying)
	if claim.Error != nil || claim.RowsAffected == 0 {
		return
	}

	payload, err := action.Decode(act.Type, act.Payload)
	if err != nil {
		p.routeFailure(ctx, act, err)
		return
	}
	result, err := p.sender.BumpAndReplace(ctx, chain.BumpRequest{
		LoanID:  act.LoanID,
		Type:    act.Type,
		Payload: payload,
		Nonce:   *act.Nonce,
	})
	if p.nonces != nil {
		// The bump went around the manager; drop the cached counter.
		p.nonces.Resync()
	}
	if err != nil {
		// The original transaction is still in the mempool and may yet mine;
		// return the row to SENT and let the next stuck pass try again.
		if dbErr := p.db.WithContext(ctx).Model(&models.ChainAction{}).
			Where("id = ? AND state = ?", act.ID, models.ActionRetrying).
			Updates(map[string]interface{}{
				"state":      models.ActionSent,
				"last_error": fmt.Sprintf("bump failed: %s", err),
			}).Error; dbErr != nil {
			p.logger.Error("restore stuck action", "action_id", act.ID, "error", dbErr)
		}
		p.logger.Warn("fee bump failed", "action_id", act.ID, "nonce", *act.Nonce, "error", err)
		return
	}

	if err := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ? AND state = ?", act.ID, models.ActionRetrying).
		Updates(map[string]interface{}{
			"state":      models.ActionSent,
			"tx_hash":    result.TxHash,
			"sent_at":    now,
			"bump_count": act.BumpCount + 1,
		}).Error; err != nil {
		p.logger.Error("record bump", "action_id", act.ID, "error", err)
		return
	}
	p.metrics.RecordBump()
	p.logger.Info("stuck action bumped", "action_id", act.ID, "nonce", *act.Nonce, "bump", act.BumpCount+1, "tx_hash", result.TxHash)
}

// Requeue replays a dead-lettered or failed action. MINED actions and SENT
// actions with a live tx hash refuse: replaying those would double-submit.
func (p *Pipeline) Requeue(ctx context.Context, id uuid.UUID, operator string) (*models.ChainAction, error) {
	var act models.ChainAction
	err := p.db.WithContext(ctx).First(&act, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("pipeline: load action %s: %w", id, err)
	}
	switch act.State {
	case models.ActionDLQ, models.ActionFailed:
	case models.ActionSent:
		return nil, fmt.Errorf("%w: transaction %s still pending", ErrNotRequeueable, act.TxHash)
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotRequeueable, act.State)
	}

	updates := map[string]interface{}{
		"state":                  models.ActionQueued,
		"tx_hash":                "",
		"nonce":                  nil,
		"attempts":               0,
		"bump_count":             0,
		"next_retry_at":          nil,
		"sent_at":                nil,
		"dlq_at":                 nil,
		"last_error":             "",
		"revert_reason":          "",
		"confirmations_received": 0,
		"handler_applied":        false,
	}
	claim := p.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ? AND state = ?", id, act.State).
		Updates(updates)
	if claim.Error != nil {
		return nil, fmt.Errorf("pipeline: requeue %s: %w", id, claim.Error)
	}
	if claim.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: state changed concurrently", ErrNotRequeueable)
	}
	p.metrics.ObserveTransition(string(act.Type), string(models.ActionQueued))
	p.logger.Info("action requeued", "action_id", id, "type", act.Type, "operator", operator)

	err = p.db.WithContext(ctx).First(&act, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("pipeline: reload action %s: %w", id, err)
	}
	return &act, nil
}

// DeadLetters lists DLQ rows newest first for the admin surface.
func (p *Pipeline) DeadLetters(ctx context.Context, limit int) ([]models.ChainAction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.ChainAction
	err := p.db.WithContext(ctx).
		Where("state = ?", models.ActionDLQ).
		Order("dlq_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pipeline: list dead letters: %w", err)
	}
	return rows, nil
}
