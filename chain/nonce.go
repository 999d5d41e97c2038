package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loanbridge/models"
)

// ErrNonceDrift is returned by Reconcile when the provider and the durable
// record disagree by more than the tolerated window. Startup must abort; an
// operator has to inspect the signer before any send.
var ErrNonceDrift = errors.New("chain: signer nonce drift exceeds tolerance")

// DefaultMaxNonceDrift is the largest |rpc - db| difference Reconcile will
// adopt automatically.
const DefaultMaxNonceDrift = 5

// PendingCounter reads the signer's pending transaction count from the RPC.
type PendingCounter interface {
	PendingNonce(ctx context.Context) (uint64, error)
}

// NonceStore persists the committed next nonce for a signer.
type NonceStore interface {
	Load(ctx context.Context, signer string, chainID uint64) (uint64, bool, error)
	Save(ctx context.Context, signer string, chainID uint64, nonce uint64) error
}

// NonceManager serialises nonce assignment for a single signer so the mempool
// never sees a gap or a duplicate. Calls queue behind a mutex; at most one
// send function is in flight at a time.
type NonceManager struct {
	provider PendingCounter
	store    NonceStore
	signer   string
	chainID  uint64
	logger   *slog.Logger

	mu   sync.Mutex
	next *uint64
}

// NewNonceManager constructs a manager for one signer. The store may be nil
// in tests; commits are then kept in memory only.
func NewNonceManager(provider PendingCounter, store NonceStore, signer string, chainID uint64, logger *slog.Logger) *NonceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &NonceManager{
		provider: provider,
		store:    store,
		signer:   signer,
		chainID:  chainID,
		logger:   logger,
	}
}

// WithNonce runs send with the next nonce for the signer. If send returns nil
// the nonce is committed and durably persisted; if it returns an error the
// nonce is rolled back so the next caller reuses the same value. The rollback
// assumes the RPC never accepted the transaction.
func (m *NonceManager) WithNonce(ctx context.Context, send func(ctx context.Context, nonce uint64) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.next == nil {
		pending, err := m.provider.PendingNonce(ctx)
		if err != nil {
			return fmt.Errorf("chain: read pending nonce: %w", err)
		}
		m.next = &pending
	}

	nonce := *m.next
	if err := send(ctx, nonce); err != nil {
		return err
	}

	committed := nonce + 1
	m.next = &committed
	if m.store != nil {
		if err := m.store.Save(ctx, m.signer, m.chainID, committed); err != nil {
			m.logger.Error("persist signer nonce failed", "signer", m.signer, "nonce", committed, "error", err)
		}
	}
	return nil
}

// Resync clears the cached next nonce so the following call re-reads the
// provider. Callers must invoke it after any out-of-band submission such as
// a replace-by-fee bump.
func (m *NonceManager) Resync() {
	m.mu.Lock()
	m.next = nil
	m.mu.Unlock()
}

// Reconcile compares the provider's pending count with the durable record and
// adopts the starting nonce before any send. The RPC wins on forward drift;
// the store wins when it has committed sends the mempool has not yet seen.
// A gap wider than maxDrift aborts with ErrNonceDrift.
func (m *NonceManager) Reconcile(ctx context.Context, maxDrift uint64) (uint64, error) {
	if maxDrift == 0 {
		maxDrift = DefaultMaxNonceDrift
	}
	rpc, err := m.provider.PendingNonce(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: read pending nonce: %w", err)
	}
	adopted := rpc
	if m.store != nil {
		stored, ok, err := m.store.Load(ctx, m.signer, m.chainID)
		if err != nil {
			return 0, fmt.Errorf("chain: load signer nonce: %w", err)
		}
		if ok {
			if diff(rpc, stored) > maxDrift {
				return 0, fmt.Errorf("%w: rpc=%d db=%d", ErrNonceDrift, rpc, stored)
			}
			if stored > adopted {
				adopted = stored
			}
		}
	}

	m.mu.Lock()
	m.next = &adopted
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, m.signer, m.chainID, adopted); err != nil {
			return 0, fmt.Errorf("chain: persist reconciled nonce: %w", err)
		}
	}
	m.logger.Info("signer nonce reconciled", "signer", m.signer, "rpc", rpc, "adopted", adopted)
	return adopted, nil
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// GormNonceStore persists signer nonces through the durable store.
type GormNonceStore struct {
	db *gorm.DB
}

// NewGormNonceStore wraps the database handle.
func NewGormNonceStore(db *gorm.DB) *GormNonceStore {
	return &GormNonceStore{db: db}
}

// Load implements NonceStore.
func (s *GormNonceStore) Load(ctx context.Context, signer string, chainID uint64) (uint64, bool, error) {
	var record models.SignerNonce
	err := s.db.WithContext(ctx).First(&record, "signer = ? AND chain_id = ?", signer, chainID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return record.Nonce, true, nil
}

// Save implements NonceStore with an upsert keyed on (signer, chain).
func (s *GormNonceStore) Save(ctx context.Context, signer string, chainID uint64, nonce uint64) error {
	record := models.SignerNonce{
		Signer:    signer,
		ChainID:   chainID,
		Nonce:     nonce,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "signer"}, {Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "updated_at"}),
	}).Create(&record).Error
}
