package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"loanbridge/action"
	"loanbridge/models"
)

// loanRegistryABI is the settlement contract surface the control plane drives.
const loanRegistryABI = `[
  {"type":"function","name":"createLoan","inputs":[{"name":"loanId","type":"bytes32"},{"name":"partnerId","type":"bytes32"},{"name":"principal","type":"uint256"},{"name":"rateBps","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"fundLoan","inputs":[{"name":"loanId","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"recordDisbursement","inputs":[{"name":"loanId","type":"bytes32"},{"name":"refHash","type":"bytes32"},{"name":"proofHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"activateLoan","inputs":[{"name":"loanId","type":"bytes32"},{"name":"proofHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"repay","inputs":[{"name":"loanId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"refHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"recordRepayment","inputs":[{"name":"loanId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"proofHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"configureSchedule","inputs":[{"name":"loanId","type":"bytes32"},{"name":"scheduleHash","type":"bytes32"},{"name":"startTs","type":"uint256"},{"name":"intervalSeconds","type":"uint256"},{"name":"installmentCount","type":"uint256"},{"name":"rateBps","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"LoanCreated","inputs":[{"name":"loanId","type":"bytes32","indexed":true},{"name":"loanContract","type":"address","indexed":false}],"anonymous":false}
]`

var loanCreatedSignature = gethcrypto.Keccak256Hash([]byte("LoanCreated(bytes32,address)"))

// EVMClient is the subset of the Ethereum RPC the sender needs. Satisfied by
// *ethclient.Client.
type EVMClient interface {
	FeeReader
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMSenderConfig carries the static parameters of one sender.
type EVMSenderConfig struct {
	Registry              common.Address
	ChainID               uint64
	ConfirmationsRequired int
	GasCeilings           map[models.ActionType]uint64
}

// EVMSender signs and submits loan registry transactions. It owns calldata
// construction, EIP-1559 pricing, and the single-signer nonce sequence.
type EVMSender struct {
	client   EVMClient
	key      *ecdsa.PrivateKey
	from     common.Address
	registry common.Address
	chainID  *big.Int
	confirms int
	contract abi.ABI
	gas      *GasStrategy
	nonces   *NonceManager
	logger   *slog.Logger
}

// NewEVMSender builds a sender for one signing key. The nonce manager is
// created here so the sender and its callers share one sequence; Nonces
// exposes it for startup reconciliation and post-bump resync.
func NewEVMSender(client EVMClient, key *ecdsa.PrivateKey, store NonceStore, cfg EVMSenderConfig, logger *slog.Logger) (*EVMSender, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: evm client required")
	}
	if key == nil {
		return nil, fmt.Errorf("chain: signing key required")
	}
	if (cfg.Registry == common.Address{}) {
		return nil, fmt.Errorf("chain: registry address required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	parsed, err := abi.JSON(strings.NewReader(loanRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse registry abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	sender := &EVMSender{
		client:   client,
		key:      key,
		from:     from,
		registry: cfg.Registry,
		chainID:  new(big.Int).SetUint64(cfg.ChainID),
		confirms: cfg.ConfirmationsRequired,
		contract: parsed,
		gas:      NewGasStrategy(client, cfg.GasCeilings),
		logger:   logger,
	}
	sender.nonces = NewNonceManager(pendingNonceAdapter{client: client, account: from}, store, from.Hex(), cfg.ChainID, logger)
	return sender, nil
}

// Nonces exposes the signer's nonce manager for reconciliation and resync.
func (s *EVMSender) Nonces() *NonceManager { return s.nonces }

// From returns the signer address.
func (s *EVMSender) From() common.Address { return s.from }

// SendAction implements Sender. The nonce is assigned under the manager's
// lock and committed only once the RPC accepts the transaction.
func (s *EVMSender) SendAction(ctx context.Context, req SendRequest) (SendResult, error) {
	calldata, err := s.encodeCalldata(req.LoanID, req.Type, req.Payload)
	if err != nil {
		return SendResult{}, err
	}
	limit, fees, err := s.price(ctx, req.Type, calldata)
	if err != nil {
		return SendResult{}, err
	}

	var result SendResult
	err = s.nonces.WithNonce(ctx, func(ctx context.Context, nonce uint64) error {
		tx, err := s.signTx(nonce, limit, fees, calldata)
		if err != nil {
			return err
		}
		if err := s.client.SendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("chain: send %s: %w", req.Type, err)
		}
		result = SendResult{TxHash: tx.Hash().Hex(), Nonce: nonce}
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}
	return result, nil
}

// BumpAndReplace implements Sender. The replacement reuses the stuck nonce
// with fees 30% above the current market estimate; callers must resync the
// nonce manager afterwards.
func (s *EVMSender) BumpAndReplace(ctx context.Context, req BumpRequest) (BumpResult, error) {
	calldata, err := s.encodeCalldata(req.LoanID, req.Type, req.Payload)
	if err != nil {
		return BumpResult{}, err
	}
	limit, fees, err := s.price(ctx, req.Type, calldata)
	if err != nil {
		return BumpResult{}, err
	}
	fees = BumpFees(fees)

	tx, err := s.signTx(req.Nonce, limit, fees, calldata)
	if err != nil {
		return BumpResult{}, err
	}
	if err := s.client.SendTransaction(ctx, tx); err != nil {
		return BumpResult{}, fmt.Errorf("chain: bump %s nonce %d: %w", req.Type, req.Nonce, err)
	}
	return BumpResult{TxHash: tx.Hash().Hex()}, nil
}

// GetReceipt implements Sender. A still-pending transaction returns (nil, nil).
func (s *EVMSender) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	receipt, err := s.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chain: fetch receipt %s: %w", txHash, err)
	}
	if receipt == nil {
		return nil, nil
	}

	out := &Receipt{
		TxHash:      txHash,
		GasUsed:     receipt.GasUsed,
		Status:      ReceiptSuccess,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch head: %w", err)
	}
	if head >= out.BlockNumber {
		out.Confirmations = int(head-out.BlockNumber) + 1
	}

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		out.Status = ReceiptReverted
		out.RevertReason = s.revertReason(ctx, hash, receipt.BlockNumber)
		return out, nil
	}

	for _, log := range receipt.Logs {
		if log == nil || log.Address != s.registry {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != loanCreatedSignature {
			continue
		}
		if len(log.Data) >= 32 {
			out.LoanContract = common.BytesToAddress(log.Data[12:32]).Hex()
		}
	}
	return out, nil
}

// IsHealthy implements Sender with a bounded head probe.
func (s *EVMSender) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.client.BlockNumber(ctx)
	return err == nil
}

func (s *EVMSender) price(ctx context.Context, t models.ActionType, calldata []byte) (uint64, FeeQuote, error) {
	msg := ethereum.CallMsg{From: s.from, To: &s.registry, Data: calldata}
	limit, err := s.gas.EstimateGasLimit(ctx, msg)
	if err != nil {
		return 0, FeeQuote{}, err
	}
	if err := s.gas.CheckCeiling(t, limit); err != nil {
		return 0, FeeQuote{}, err
	}
	fees, err := s.gas.EstimateFees(ctx)
	if err != nil {
		return 0, FeeQuote{}, err
	}
	return limit, fees, nil
}

func (s *EVMSender) signTx(nonce, limit uint64, fees FeeQuote, calldata []byte) (*gethtypes.Transaction, error) {
	var inner gethtypes.TxData
	if fees.Dynamic() {
		inner = &gethtypes.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
			Gas:       limit,
			To:        &s.registry,
			Data:      calldata,
		}
	} else {
		inner = &gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      limit,
			To:       &s.registry,
			Data:     calldata,
		}
	}
	signed, err := gethtypes.SignNewTx(s.key, gethtypes.LatestSignerForChainID(s.chainID), inner)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}
	return signed, nil
}

// revertReason replays the failed call at its block and unpacks the standard
// Error(string) payload. Best effort; an empty string means the reason was
// unavailable.
func (s *EVMSender) revertReason(ctx context.Context, txHash common.Hash, blockNumber *big.Int) string {
	tx, pending, err := s.client.TransactionByHash(ctx, txHash)
	if err != nil || pending || tx == nil || tx.To() == nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:     s.from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, err = s.client.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if decoded, decErr := hex.DecodeString(strings.TrimPrefix(raw, "0x")); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(decoded); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func (s *EVMSender) encodeCalldata(loanID uuid.UUID, t models.ActionType, p action.Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("chain: %s payload required", t)
	}
	if p.ActionType() != t {
		return nil, fmt.Errorf("chain: payload type %s does not match action %s", p.ActionType(), t)
	}
	id := uuidToBytes32(loanID)

	switch v := p.(type) {
	case action.CreateLoan:
		partner, err := uuid.Parse(v.PartnerID)
		if err != nil {
			return nil, fmt.Errorf("chain: parse partner id: %w", err)
		}
		return s.pack("createLoan", id, uuidToBytes32(partner), v.PrincipalUsdc.Big(), big.NewInt(v.InterestRateBps))
	case action.FundLoan:
		return s.pack("fundLoan", id, v.AmountUsdc.Big())
	case action.RecordDisbursement:
		ref, err := hexToBytes32(v.RefHash)
		if err != nil {
			return nil, err
		}
		proof, err := hexToBytes32(v.ProofHash)
		if err != nil {
			return nil, err
		}
		return s.pack("recordDisbursement", id, ref, proof)
	case action.ActivateLoan:
		proof, err := hexToBytes32(v.ProofHash)
		if err != nil {
			return nil, err
		}
		return s.pack("activateLoan", id, proof)
	case action.Repay:
		ref, err := hexToBytes32(v.RefHash)
		if err != nil {
			return nil, err
		}
		return s.pack("repay", id, v.AmountKes.Big(), ref)
	case action.RecordRepayment:
		proof, err := hexToBytes32(v.ProofHash)
		if err != nil {
			return nil, err
		}
		return s.pack("recordRepayment", id, v.AmountKes.Big(), proof)
	case action.ConfigureSchedule:
		hash, err := hexToBytes32(v.ScheduleHash)
		if err != nil {
			return nil, err
		}
		return s.pack("configureSchedule", id, hash,
			big.NewInt(v.StartTimestamp),
			big.NewInt(v.IntervalSeconds),
			big.NewInt(int64(v.InstallmentCount)),
			big.NewInt(v.InterestRateBps))
	default:
		return nil, fmt.Errorf("chain: no calldata encoding for %s", t)
	}
}

func (s *EVMSender) pack(method string, args ...interface{}) ([]byte, error) {
	data, err := s.contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return data, nil
}

func uuidToBytes32(id uuid.UUID) [32]byte {
	var out [32]byte
	copy(out[:16], id[:])
	return out
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, fmt.Errorf("chain: decode hash %q: %w", s, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("chain: hash %q is %d bytes, want 32", s, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// pendingNonceAdapter binds one account to the RPC pending-count call.
type pendingNonceAdapter struct {
	client  EVMClient
	account common.Address
}

func (a pendingNonceAdapter) PendingNonce(ctx context.Context) (uint64, error) {
	return a.client.PendingNonceAt(ctx, a.account)
}
