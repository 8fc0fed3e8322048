package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"lettershop/internal/condition"
	"lettershop/internal/contracts"
)

const (
	ethCurrencyCode  = "ETH"
	ethCurrencyScale = 18
)

// EthClient is a Client backed by a HashedTimelock contract. Transfers are
// HTLC contracts locking ether; the transfer id of an incoming transfer is
// the contract id in hex.
type EthClient struct {
	cfg EthClientConfig
	log *zap.Logger
	abi abi.ABI

	mu        sync.Mutex
	client    *ethclient.Client
	contract  *bind.BoundContract
	address   common.Address
	account   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
	info      Info
	connected bool
	events    chan Event
	stop      context.CancelFunc
	done      chan struct{}
	outgoing  map[common.Hash]string
	fromBlock uint64
	fromIndex uint
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	HTLCContract  string
	PollInterval  time.Duration
}

var _ Client = (*EthClient)(nil)

func NewEthClient(cfg EthClientConfig, log *zap.Logger) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.HTLCContract) {
		return nil, fmt.Errorf("htlc contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transfers")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	parsedABI, err := abi.JSON(strings.NewReader(contracts.HashedTimelockABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &EthClient{
		cfg:      cfg,
		log:      log,
		abi:      parsedABI,
		address:  common.HexToAddress(cfg.HTLCContract),
		outgoing: make(map[common.Hash]string),
	}, nil
}

func (c *EthClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	pk, err := parsePrivateKey(c.cfg.PrivateKeyHex)
	if err != nil {
		return err
	}

	cli, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("%w: dial rpc: %w", ErrConnection, err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return fmt.Errorf("%w: fetch chain id: %w", ErrConnection, err)
	}
	head, err := cli.BlockNumber(ctx)
	if err != nil {
		cli.Close()
		return fmt.Errorf("%w: fetch head: %w", ErrConnection, err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	c.client = cli
	c.contract = bind.NewBoundContract(c.address, c.abi, cli, cli, cli)
	c.account = crypto.PubkeyToAddress(pk.PublicKey)
	c.chainID = chainID
	c.transacts = txOpts
	c.info = Info{
		Prefix:        fmt.Sprintf("eth.%s.", chainID.String()),
		CurrencyCode:  ethCurrencyCode,
		CurrencyScale: ethCurrencyScale,
	}
	c.fromBlock = head + 1
	c.events = make(chan Event, eventBuffer)
	c.done = make(chan struct{})

	pollCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.connected = true
	go c.poll(pollCtx)
	return nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.stop()
	done, events, cli := c.done, c.events, c.client
	c.mu.Unlock()

	<-done
	close(events)
	cli.Close()
	return nil
}

func (c *EthClient) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Account returns the ledger address of the key: prefix followed by the
// checksummed hex address.
func (c *EthClient) Account() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.Prefix + c.account.Hex()
}

func (c *EthClient) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *EthClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := cli.BlockNumber(ctx)
	return err
}

func (c *EthClient) SendTransfer(ctx context.Context, t OutgoingTransfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}

	receiver, err := c.parseAddress(t.To)
	if err != nil {
		return err
	}
	cond, err := condition.ParseCondition(t.ExecutionCondition)
	if err != nil {
		return err
	}
	if t.ID == "" {
		return fmt.Errorf("transfer id is required")
	}
	amount := new(big.Int).SetUint64(t.Amount)
	timelock := big.NewInt(t.ExpiresAt.Unix())

	opts := *c.transacts
	opts.Context = ctx
	opts.Value = amount

	tx, err := c.contract.Transact(&opts, "newContract", receiver, [32]byte(cond), timelock)
	if err != nil {
		return fmt.Errorf("new htlc tx: %w", err)
	}

	id := htlcContractID(c.account, receiver, amount, cond, timelock)
	c.outgoing[id] = t.ID
	c.log.Debug("htlc submitted",
		zap.String("transfer_id", t.ID),
		zap.String("contract_id", id.Hex()),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Int("payload_bytes", len(t.Payload)),
	)
	return nil
}

// FulfillCondition withdraws the HTLC identified by transferID with the
// preimage. The call returns once the transaction is accepted by the node.
func (c *EthClient) FulfillCondition(ctx context.Context, transferID, fulfillment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	id, err := parseContractID(transferID)
	if err != nil {
		return err
	}
	f, err := condition.ParseFulfillment(fulfillment)
	if err != nil {
		return err
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "withdraw", id, [32]byte(f))
	if err != nil {
		return fmt.Errorf("withdraw htlc tx: %w", err)
	}
	c.log.Debug("htlc withdraw submitted",
		zap.String("transfer_id", transferID),
		zap.String("tx_hash", tx.Hash().Hex()),
	)
	return nil
}

// RejectIncomingTransfer cannot move funds on an HTLC ledger: only the
// sender can refund, and only once the timelock has passed. The reason is
// logged and the transfer is left to expire.
func (c *EthClient) RejectIncomingTransfer(_ context.Context, transferID string, reason RejectReason) error {
	if _, err := parseContractID(transferID); err != nil {
		return err
	}
	c.log.Info("htlc left to expire",
		zap.String("transfer_id", transferID),
		zap.String("code", reason.Code),
		zap.String("reason", reason.Message),
	)
	return nil
}

func (c *EthClient) parseAddress(account string) (common.Address, error) {
	raw := strings.TrimPrefix(account, c.info.Prefix)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return common.HexToAddress(raw), nil
}

func parseContractID(transferID string) (common.Hash, error) {
	if len(transferID) != 66 || !strings.HasPrefix(transferID, "0x") {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	return common.HexToHash(transferID), nil
}

// htlcContractID mirrors the contract's
// sha256(abi.encodePacked(sender, receiver, amount, hashlock, timelock)).
func htlcContractID(sender, receiver common.Address, amount *big.Int, hashlock condition.Condition, timelock *big.Int) common.Hash {
	h := sha256.New()
	h.Write(sender.Bytes())
	h.Write(receiver.Bytes())
	h.Write(common.LeftPadBytes(amount.Bytes(), 32))
	h.Write(hashlock[:])
	h.Write(common.LeftPadBytes(timelock.Bytes(), 32))
	return common.BytesToHash(h.Sum(nil))
}

type htlcNewLog struct {
	ContractId [32]byte
	Sender     common.Address
	Receiver   common.Address
	Amount     *big.Int
	Hashlock   [32]byte
	Timelock   *big.Int
}

func (c *EthClient) poll(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.pollOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("htlc log poll failed", zap.Error(err))
		}
	}
}

func (c *EthClient) pollOnce(ctx context.Context) error {
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	from := c.fromBlock
	c.mu.Unlock()
	if head < from {
		return nil
	}

	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.address},
	})
	if err != nil {
		return err
	}
	return c.deliverLogs(ctx, logs, head)
}

// errRetryLog marks a log that could not be decoded for a transient reason.
// The log cursor stays on it so the next poll tries again.
var errRetryLog = errors.New("htlc log needs retry")

// deliverLogs emits the events for logs, which must be ordered as returned
// by FilterLogs, and advances the log cursor past head. On a retryable
// failure the cursor stops at the failing log instead.
func (c *EthClient) deliverLogs(ctx context.Context, logs []types.Log, head uint64) error {
	c.mu.Lock()
	from, fromIndex := c.fromBlock, c.fromIndex
	c.mu.Unlock()

	for _, lg := range logs {
		if lg.BlockNumber == from && lg.Index < fromIndex {
			continue
		}
		ev, ok, err := c.decodeLog(ctx, lg)
		if errors.Is(err, errRetryLog) {
			c.mu.Lock()
			c.fromBlock, c.fromIndex = lg.BlockNumber, lg.Index
			c.mu.Unlock()
			return fmt.Errorf("htlc log %s: %w", lg.TxHash.Hex(), err)
		}
		if err != nil {
			c.log.Warn("skip htlc log", zap.String("tx_hash", lg.TxHash.Hex()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
			if ev.Kind == EventOutgoingFulfill || ev.Kind == EventOutgoingCancel {
				c.forget(lg.Topics[1])
			}
		case <-ctx.Done():
			c.mu.Lock()
			c.fromBlock, c.fromIndex = lg.BlockNumber, lg.Index
			c.mu.Unlock()
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.fromBlock, c.fromIndex = head+1, 0
	c.mu.Unlock()
	return nil
}

// decodeLog turns a contract log into an Event for this account. ok is
// false for logs that concern other parties.
func (c *EthClient) decodeLog(ctx context.Context, lg types.Log) (Event, bool, error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}
	switch lg.Topics[0] {
	case c.abi.Events["LogHTLCNew"].ID:
		out, err := unpackNewLog(c.abi, lg)
		if err != nil {
			return Event{}, false, err
		}
		c.mu.Lock()
		account, info := c.account, c.info
		c.mu.Unlock()
		if out.Receiver != account {
			return Event{}, false, nil
		}
		return incomingFromLog(info, out)
	case c.abi.Events["LogHTLCWithdraw"].ID:
		id, ok := c.ownTransfer(lg)
		if !ok {
			return Event{}, false, nil
		}
		preimage, err := c.preimage(ctx, lg.Topics[1])
		if err != nil {
			return Event{}, false, fmt.Errorf("%w: %w", errRetryLog, err)
		}
		return Event{Kind: EventOutgoingFulfill, TransferID: id, Fulfillment: condition.Encode(preimage[:])}, true, nil
	case c.abi.Events["LogHTLCRefund"].ID:
		id, ok := c.ownTransfer(lg)
		if !ok {
			return Event{}, false, nil
		}
		return Event{Kind: EventOutgoingCancel, TransferID: id}, true, nil
	}
	return Event{}, false, nil
}

func unpackNewLog(contractABI abi.ABI, lg types.Log) (htlcNewLog, error) {
	var out htlcNewLog
	ev := contractABI.Events["LogHTLCNew"]
	if err := contractABI.UnpackIntoInterface(&out, "LogHTLCNew", lg.Data); err != nil {
		return htlcNewLog{}, fmt.Errorf("unpack log data: %w", err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(&out, indexed, lg.Topics[1:]); err != nil {
		return htlcNewLog{}, fmt.Errorf("unpack log topics: %w", err)
	}
	return out, nil
}

func incomingFromLog(info Info, out htlcNewLog) (Event, bool, error) {
	if !out.Amount.IsUint64() {
		return Event{}, false, fmt.Errorf("amount %s overflows base units", out.Amount)
	}
	id := common.Hash(out.ContractId).Hex()
	return Event{
		Kind:       EventIncomingPrepare,
		TransferID: id,
		Transfer: IncomingTransfer{
			ID:                 id,
			From:               info.Prefix + out.Sender.Hex(),
			To:                 info.Prefix + out.Receiver.Hex(),
			Ledger:             info.Prefix,
			Amount:             out.Amount.Uint64(),
			ExecutionCondition: condition.Encode(out.Hashlock[:]),
			ExpiresAt:          time.Unix(out.Timelock.Int64(), 0),
		},
	}, true, nil
}

// ownTransfer maps a withdraw or refund log to the transfer id this client
// sent it under. The entry stays tracked until its event is delivered.
func (c *EthClient) ownTransfer(lg types.Log) (string, bool) {
	if len(lg.Topics) < 2 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.outgoing[lg.Topics[1]]
	return id, ok
}

func (c *EthClient) forget(contractID common.Hash) {
	c.mu.Lock()
	delete(c.outgoing, contractID)
	c.mu.Unlock()
}

func (c *EthClient) preimage(ctx context.Context, id common.Hash) ([32]byte, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getContract", id); err != nil {
		return [32]byte{}, fmt.Errorf("get htlc: %w", err)
	}
	if len(out) != 8 {
		return [32]byte{}, fmt.Errorf("get htlc: unexpected %d outputs", len(out))
	}
	return *abi.ConvertType(out[7], new([32]byte)).(*[32]byte), nil
}
