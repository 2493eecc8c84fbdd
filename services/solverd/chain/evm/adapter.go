// Package evm implements the chain adapter for EVM networks on top of go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"htlcsolver/services/solverd/chain"
)

// Client is the subset of the Ethereum RPC used by the adapter. *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Token describes an asset the adapter can move. An empty Contract is the native asset.
type Token struct {
	Symbol   string
	Contract string
	Decimals int32
}

// Config describes one EVM network.
type Config struct {
	Network        string
	ChainID        int64
	HTLCContract   string
	Confirmations  uint64
	FeeModel       string
	GasLimit       uint64
	NativeToken    string
	Tokens         []Token
	RateLimit      float64
	RequestTimeout time.Duration
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithSigner installs the private key used to sign solver transactions.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(a *Adapter) {
		if key != nil {
			a.signer = key
			a.signerAddr = gethcrypto.PubkeyToAddress(key.PublicKey)
		}
	}
}

// WithLimiter overrides the per-network RPC rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(a *Adapter) {
		if l != nil {
			a.limiter = l
		}
	}
}

// Adapter implements chain.Adapter for one EVM network.
type Adapter struct {
	network       string
	chainID       *big.Int
	client        Client
	contract      common.Address
	fees          FeeStrategy
	confirmations uint64
	gasLimit      uint64
	native        Token
	bySymbol      map[string]Token
	byContract    map[common.Address]Token
	limiter       *rate.Limiter
	timeout       time.Duration
	signer        *ecdsa.PrivateKey
	signerAddr    common.Address
}

var _ chain.Adapter = (*Adapter)(nil)

type txTarget struct {
	address common.Address
	value   *big.Int
	data    []byte
}

// New constructs an adapter over client.
func New(cfg Config, client Client, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("evm: client required")
	}
	network := chain.NormalizeNetwork(cfg.Network)
	if network == "" {
		return nil, fmt.Errorf("evm: network name required")
	}
	if !common.IsHexAddress(cfg.HTLCContract) {
		return nil, fmt.Errorf("evm: network %s: invalid htlc contract %q", network, cfg.HTLCContract)
	}
	fees, err := NewFeeStrategy(cfg.FeeModel)
	if err != nil {
		return nil, err
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	a := &Adapter{
		network:       network,
		chainID:       big.NewInt(cfg.ChainID),
		client:        client,
		contract:      common.HexToAddress(cfg.HTLCContract),
		fees:          fees,
		confirmations: cfg.Confirmations,
		gasLimit:      cfg.GasLimit,
		bySymbol:      make(map[string]Token),
		byContract:    make(map[common.Address]Token),
		limiter:       rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		timeout:       cfg.RequestTimeout,
	}
	nativeSymbol := strings.ToUpper(strings.TrimSpace(cfg.NativeToken))
	if nativeSymbol == "" {
		nativeSymbol = "ETH"
	}
	a.native = Token{Symbol: nativeSymbol, Decimals: 18}
	for _, t := range cfg.Tokens {
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		if strings.TrimSpace(t.Contract) == "" {
			if t.Symbol == nativeSymbol {
				a.native.Decimals = t.Decimals
			}
			a.bySymbol[t.Symbol] = Token{Symbol: t.Symbol, Decimals: t.Decimals}
			continue
		}
		if !common.IsHexAddress(t.Contract) {
			return nil, fmt.Errorf("evm: network %s: token %s has invalid contract", network, t.Symbol)
		}
		a.bySymbol[t.Symbol] = t
		a.byContract[common.HexToAddress(t.Contract)] = t
	}
	a.bySymbol[nativeSymbol] = a.native
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Network returns the network served by the adapter.
func (a *Adapter) Network() string { return a.network }

// SignerAddress returns the address of the configured signer.
func (a *Adapter) SignerAddress() string { return a.signerAddr.Hex() }

func (a *Adapter) rpc(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, nil, chain.NewError(chain.KindTransient, a.network, "rate_limit", err)
	}
	if a.timeout > 0 {
		c, cancel := context.WithTimeout(ctx, a.timeout)
		return c, cancel, nil
	}
	return ctx, func() {}, nil
}

func (a *Adapter) token(symbol string) (Token, error) {
	t, ok := a.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Token{}, chain.NewError(chain.KindInvalidRequest, a.network, "resolve_asset", fmt.Errorf("asset %q not configured", symbol))
	}
	return t, nil
}

func (t Token) isNative() bool { return t.Contract == "" }

// GetBalance returns the balance of address in asset units.
func (a *Adapter) GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	tok, err := a.token(asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !common.IsHexAddress(address) {
		return decimal.Zero, chain.NewError(chain.KindInvalidRequest, a.network, "get_balance", fmt.Errorf("invalid address %q", address))
	}
	rctx, cancel, err := a.rpc(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer cancel()
	owner := common.HexToAddress(address)
	if tok.isNative() {
		bal, err := a.client.BalanceAt(rctx, owner, nil)
		if err != nil {
			return decimal.Zero, classify(a.network, "get_balance", err)
		}
		return fromWei(bal, tok.Decimals), nil
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	contract := common.HexToAddress(tok.Contract)
	out, err := a.client.CallContract(rctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, classify(a.network, "get_balance", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return decimal.Zero, chain.NewError(chain.KindTransient, a.network, "get_balance", fmt.Errorf("decode balance: %v", err))
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, chain.NewError(chain.KindTransient, a.network, "get_balance", errors.New("unexpected balance type"))
	}
	return fromWei(bal, tok.Decimals), nil
}

// BuildTransaction encodes the call for txType.
func (a *Adapter) BuildTransaction(ctx context.Context, txType chain.TransactionType, from string, args chain.TxArgs) (chain.PreparedTransaction, error) {
	fail := func(err error) (chain.PreparedTransaction, error) {
		return chain.PreparedTransaction{}, chain.NewError(chain.KindInvalidRequest, a.network, "build_"+string(txType), err)
	}
	if !common.IsHexAddress(from) {
		return fail(fmt.Errorf("invalid from address %q", from))
	}
	prepared := chain.PreparedTransaction{
		Network: a.network,
		Type:    txType,
		From:    common.HexToAddress(from).Hex(),
		To:      a.contract.Hex(),
		Value:   decimal.Zero,
		Asset:   strings.ToUpper(args.Asset),
		Amount:  args.Amount,
	}
	var (
		data []byte
		err  error
	)
	switch txType {
	case chain.TxHTLCLock, chain.TxHTLCCommit, chain.TxTransfer, chain.TxApprove:
		tok, terr := a.token(args.Asset)
		if terr != nil {
			return chain.PreparedTransaction{}, terr
		}
		amount, aerr := toWei(args.Amount, tok.Decimals)
		if aerr != nil {
			return fail(aerr)
		}
		tokenAddr := common.Address{}
		if !tok.isNative() {
			tokenAddr = common.HexToAddress(tok.Contract)
		}
		switch txType {
		case chain.TxHTLCLock:
			id, hashlock, perr := parseIDAndHashlock(args.CommitID, args.Hashlock)
			if perr != nil {
				return fail(perr)
			}
			reward, rerr := toWei(args.Reward, tok.Decimals)
			if rerr != nil {
				return fail(rerr)
			}
			if !common.IsHexAddress(args.Receiver) {
				return fail(fmt.Errorf("invalid receiver %q", args.Receiver))
			}
			data, err = htlcABI.Pack("lock", id, hashlock, reward,
				new(big.Int).SetInt64(args.RewardTimelock), new(big.Int).SetInt64(args.Timelock),
				common.HexToAddress(args.Receiver), tokenAddr, amount)
			if tok.isNative() {
				prepared.Value = fromWei(new(big.Int).Add(amount, reward), tok.Decimals)
			}
		case chain.TxHTLCCommit:
			id, perr := parseBytes32(args.CommitID)
			if perr != nil {
				return fail(perr)
			}
			if !common.IsHexAddress(args.Receiver) {
				return fail(fmt.Errorf("invalid receiver %q", args.Receiver))
			}
			data, err = htlcABI.Pack("commit", id, common.HexToAddress(args.Receiver),
				new(big.Int).SetInt64(args.Timelock), tokenAddr, amount, "", "", "")
			if tok.isNative() {
				prepared.Value = args.Amount
			}
		case chain.TxTransfer:
			if !common.IsHexAddress(args.Receiver) {
				return fail(fmt.Errorf("invalid receiver %q", args.Receiver))
			}
			receiver := common.HexToAddress(args.Receiver)
			if tok.isNative() {
				prepared.To = receiver.Hex()
				prepared.Value = args.Amount
			} else {
				prepared.To = tokenAddr.Hex()
				data, err = erc20ABI.Pack("transfer", receiver, amount)
			}
		case chain.TxApprove:
			if tok.isNative() {
				return fail(fmt.Errorf("approve requires a token asset"))
			}
			prepared.To = tokenAddr.Hex()
			data, err = erc20ABI.Pack("approve", a.contract, amount)
		}
	case chain.TxHTLCRedeem:
		id, perr := parseBytes32(args.CommitID)
		if perr != nil {
			return fail(perr)
		}
		secret, serr := parseBytes32(args.Secret)
		if serr != nil {
			return fail(fmt.Errorf("secret: %w", serr))
		}
		data, err = htlcABI.Pack("redeem", id, secret)
	case chain.TxHTLCRefund:
		id, perr := parseBytes32(args.CommitID)
		if perr != nil {
			return fail(perr)
		}
		data, err = htlcABI.Pack("refund", id)
	case chain.TxHTLCAddLockSig:
		id, hashlock, perr := parseIDAndHashlock(args.CommitID, args.Hashlock)
		if perr != nil {
			return fail(perr)
		}
		sig, serr := decodeSignature(args.Signature)
		if serr != nil {
			return fail(serr)
		}
		data, err = htlcABI.Pack("addLockSig", id, hashlock, new(big.Int).SetInt64(args.Timelock), sig)
	default:
		return fail(fmt.Errorf("unsupported transaction type %q", txType))
	}
	if err != nil {
		return fail(fmt.Errorf("encode call: %w", err))
	}
	prepared.CallData = data
	return prepared, nil
}

// EstimateFee estimates gas for tx and prices it with the network's fee strategy. Reverts
// during estimation surface as classified terminal errors.
func (a *Adapter) EstimateFee(ctx context.Context, tx chain.PreparedTransaction) (chain.Fee, error) {
	msg, err := a.callMsg(tx)
	if err != nil {
		return chain.Fee{}, err
	}
	rctx, cancel, err := a.rpc(ctx)
	if err != nil {
		return chain.Fee{}, err
	}
	defer cancel()
	gas, err := a.client.EstimateGas(rctx, msg)
	if err != nil {
		return chain.Fee{}, classify(a.network, "estimate_gas", err)
	}
	gasLimit := bufferedGas(gas)
	if gasLimit == 0 {
		gasLimit = a.gasLimit
	}
	params, price, err := a.fees.Price(rctx, a.client)
	if err != nil {
		return chain.Fee{}, classify(a.network, "price_gas", err)
	}
	total := new(big.Int).Mul(price, new(big.Int).SetUint64(gasLimit))
	return chain.Fee{
		Asset:    a.native.Symbol,
		Amount:   fromWei(total, a.native.Decimals),
		GasLimit: gasLimit,
		Model:    a.fees.Model(),
		Params:   params,
	}, nil
}

// ComposeSignedTransaction signs tx with the configured key at nonce.
func (a *Adapter) ComposeSignedTransaction(ctx context.Context, tx chain.PreparedTransaction, fee chain.Fee, nonce uint64) (chain.SignedTransaction, error) {
	if a.signer == nil {
		return chain.SignedTransaction{}, chain.NewError(chain.KindInvalidRequest, a.network, "sign", errors.New("signer not configured"))
	}
	if !strings.EqualFold(tx.From, a.signerAddr.Hex()) {
		return chain.SignedTransaction{}, chain.NewError(chain.KindInvalidRequest, a.network, "sign",
			fmt.Errorf("from %s does not match signer %s", tx.From, a.signerAddr.Hex()))
	}
	if fee.Model != "" && fee.Model != a.fees.Model() {
		return chain.SignedTransaction{}, chain.NewError(chain.KindInvalidRequest, a.network, "sign",
			fmt.Errorf("fee model %s does not match network model %s", fee.Model, a.fees.Model()))
	}
	target, err := a.target(tx)
	if err != nil {
		return chain.SignedTransaction{}, err
	}
	gasLimit := fee.GasLimit
	if gasLimit == 0 {
		gasLimit = a.gasLimit
	}
	unsigned, err := a.fees.NewTx(a.chainID, nonce, gasLimit, fee.Params, target)
	if err != nil {
		return chain.SignedTransaction{}, chain.NewError(chain.KindInvalidRequest, a.network, "sign", err)
	}
	signed, err := gethtypes.SignTx(unsigned, gethtypes.LatestSignerForChainID(a.chainID), a.signer)
	if err != nil {
		return chain.SignedTransaction{}, chain.NewError(chain.KindInvalidRequest, a.network, "sign", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return chain.SignedTransaction{}, chain.NewError(chain.KindInvalidRequest, a.network, "sign", err)
	}
	return chain.SignedTransaction{
		Network: a.network,
		Hash:    signed.Hash().Hex(),
		Nonce:   nonce,
		Raw:     raw,
	}, nil
}

// PublishRawTransaction broadcasts a signed transaction and returns its hash.
func (a *Adapter) PublishRawTransaction(ctx context.Context, tx chain.SignedTransaction) (string, error) {
	var decoded gethtypes.Transaction
	if err := decoded.UnmarshalBinary(tx.Raw); err != nil {
		return "", chain.NewError(chain.KindInvalidRequest, a.network, "publish", fmt.Errorf("decode raw transaction: %w", err))
	}
	rctx, cancel, err := a.rpc(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	if err := a.client.SendTransaction(rctx, &decoded); err != nil {
		return "", classify(a.network, "publish", err)
	}
	return decoded.Hash().Hex(), nil
}

// GetTransactionStatus reports the confirmation state of hash.
func (a *Adapter) GetTransactionStatus(ctx context.Context, hash string) (chain.TxStatus, error) {
	status := chain.TxStatus{Hash: hash, State: chain.TxStateNotFound, FeeAsset: a.native.Symbol}
	rctx, cancel, err := a.rpc(ctx)
	if err != nil {
		return status, err
	}
	defer cancel()
	txHash := common.HexToHash(hash)
	receipt, err := a.client.TransactionReceipt(rctx, txHash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return status, classify(a.network, "receipt", err)
		}
		_, pending, terr := a.client.TransactionByHash(rctx, txHash)
		switch {
		case terr == nil && pending:
			status.State = chain.TxStatePending
		case terr == nil:
			// mined but receipt not yet indexed
			status.State = chain.TxStatePending
		case errors.Is(terr, ethereum.NotFound):
		default:
			return status, classify(a.network, "get_transaction", terr)
		}
		return status, nil
	}
	if receipt == nil || receipt.BlockNumber == nil {
		status.State = chain.TxStatePending
		return status, nil
	}
	head, err := a.client.BlockNumber(rctx)
	if err != nil {
		return status, classify(a.network, "block_number", err)
	}
	block := receipt.BlockNumber.Uint64()
	status.BlockNumber = block
	if head >= block {
		status.Confirmations = head - block + 1
	}
	if receipt.EffectiveGasPrice != nil {
		fee := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
		status.FeeAmount = fromWei(fee, a.native.Decimals)
	}
	status.Timestamp = time.Now().UTC()
	switch {
	case receipt.Status != gethtypes.ReceiptStatusSuccessful:
		status.State = chain.TxStateFailed
	case status.Confirmations >= max(a.confirmations, 1):
		status.State = chain.TxStateConfirmed
	default:
		status.State = chain.TxStatePending
	}
	return status, nil
}

// GetEvents decodes HTLC commit and lock events emitted in [fromBlock, toBlock].
func (a *Adapter) GetEvents(ctx context.Context, fromBlock, toBlock uint64) (chain.Events, error) {
	var out chain.Events
	if toBlock < fromBlock {
		return out, nil
	}
	rctx, cancel, err := a.rpc(ctx)
	if err != nil {
		return out, err
	}
	defer cancel()
	logs, err := a.client.FilterLogs(rctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{a.contract},
		Topics:    [][]common.Hash{{tokenCommittedTopic, tokenLockAddedTopic}},
	})
	if err != nil {
		return out, classify(a.network, "filter_logs", err)
	}
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case tokenCommittedTopic:
			ev, err := a.decodeCommit(lg)
			if err != nil {
				return out, chain.NewError(chain.KindTransient, a.network, "decode_commit", err)
			}
			out.Commits = append(out.Commits, ev)
		case tokenLockAddedTopic:
			ev, err := a.decodeLock(lg)
			if err != nil {
				return out, chain.NewError(chain.KindTransient, a.network, "decode_lock", err)
			}
			out.Locks = append(out.Locks, ev)
		}
	}
	return out, nil
}

func (a *Adapter) decodeCommit(lg gethtypes.Log) (chain.CommitEvent, error) {
	if len(lg.Topics) < 4 {
		return chain.CommitEvent{}, fmt.Errorf("TokenCommitted: expected 4 topics, got %d", len(lg.Topics))
	}
	fields := map[string]any{}
	if err := htlcABI.UnpackIntoMap(fields, "TokenCommitted", lg.Data); err != nil {
		return chain.CommitEvent{}, fmt.Errorf("unpack TokenCommitted: %w", err)
	}
	tokenAddr, _ := fields["tokenContract"].(common.Address)
	amount, _ := fields["amount"].(*big.Int)
	timelock, _ := fields["timelock"].(*big.Int)
	if amount == nil || timelock == nil {
		return chain.CommitEvent{}, errors.New("TokenCommitted: missing amount or timelock")
	}
	tok := a.native
	if tokenAddr != (common.Address{}) {
		known, ok := a.byContract[tokenAddr]
		if !ok {
			known = Token{Symbol: tokenAddr.Hex(), Contract: tokenAddr.Hex()}
		}
		tok = known
	}
	dstChain, _ := fields["dstChain"].(string)
	dstAsset, _ := fields["dstAsset"].(string)
	dstAddress, _ := fields["dstAddress"].(string)
	return chain.CommitEvent{
		CommitID:           lg.Topics[1].Hex(),
		SourceNetwork:      a.network,
		SourceAsset:        tok.Symbol,
		SourceAmount:       fromWei(amount, tok.Decimals),
		SourceSender:       common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		SourceReceiver:     common.BytesToAddress(lg.Topics[3].Bytes()).Hex(),
		DestinationNetwork: chain.NormalizeNetwork(dstChain),
		DestinationAsset:   strings.ToUpper(strings.TrimSpace(dstAsset)),
		DestinationAddress: strings.TrimSpace(dstAddress),
		Timelock:           timelock.Int64(),
		TransactionHash:    lg.TxHash.Hex(),
		BlockNumber:        lg.BlockNumber,
	}, nil
}

func (a *Adapter) decodeLock(lg gethtypes.Log) (chain.LockEvent, error) {
	if len(lg.Topics) < 2 {
		return chain.LockEvent{}, fmt.Errorf("TokenLockAdded: expected 2 topics, got %d", len(lg.Topics))
	}
	fields := map[string]any{}
	if err := htlcABI.UnpackIntoMap(fields, "TokenLockAdded", lg.Data); err != nil {
		return chain.LockEvent{}, fmt.Errorf("unpack TokenLockAdded: %w", err)
	}
	hashlock, _ := fields["hashlock"].([32]byte)
	timelock, _ := fields["timelock"].(*big.Int)
	if timelock == nil {
		return chain.LockEvent{}, errors.New("TokenLockAdded: missing timelock")
	}
	return chain.LockEvent{
		CommitID:        lg.Topics[1].Hex(),
		Network:         a.network,
		Hashlock:        common.Hash(hashlock).Hex(),
		Timelock:        timelock.Int64(),
		TransactionHash: lg.TxHash.Hex(),
		BlockNumber:     lg.BlockNumber,
	}, nil
}

// GetLastConfirmedBlockNumber returns the newest block with the configured confirmation depth.
func (a *Adapter) GetLastConfirmedBlockNumber(ctx context.Context) (uint64, error) {
	rctx, cancel, err := a.rpc(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	head, err := a.client.BlockNumber(rctx)
	if err != nil {
		return 0, classify(a.network, "block_number", err)
	}
	depth := max(a.confirmations, 1) - 1
	if head < depth {
		return 0, nil
	}
	return head - depth, nil
}

// ValidateAddLockSignature reports whether req.Signature was produced by req.Signer over the
// add-lock digest. Malformed signatures are invalid rather than errors.
func (a *Adapter) ValidateAddLockSignature(_ context.Context, req chain.AddLockSignature) (bool, error) {
	if !common.IsHexAddress(req.Signer) {
		return false, nil
	}
	id, hashlock, err := parseIDAndHashlock(req.CommitID, req.Hashlock)
	if err != nil || req.Timelock <= 0 {
		return false, nil
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		return false, nil
	}
	digest := AddLockDigest(id, hashlock, uint64(req.Timelock))
	pub, err := gethcrypto.SigToPub(digest, normaliseV(sig))
	if err != nil {
		return false, nil
	}
	return gethcrypto.PubkeyToAddress(*pub) == common.HexToAddress(req.Signer), nil
}

// GetNextNonce returns the pending nonce of address.
func (a *Adapter) GetNextNonce(ctx context.Context, address string) (uint64, error) {
	if !common.IsHexAddress(address) {
		return 0, chain.NewError(chain.KindInvalidRequest, a.network, "pending_nonce", fmt.Errorf("invalid address %q", address))
	}
	rctx, cancel, err := a.rpc(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := a.client.PendingNonceAt(rctx, common.HexToAddress(address))
	if err != nil {
		return 0, classify(a.network, "pending_nonce", err)
	}
	return n, nil
}

func (a *Adapter) target(tx chain.PreparedTransaction) (txTarget, error) {
	if !common.IsHexAddress(tx.To) {
		return txTarget{}, chain.NewError(chain.KindInvalidRequest, a.network, "target", fmt.Errorf("invalid to address %q", tx.To))
	}
	value, err := toWei(tx.Value, a.native.Decimals)
	if err != nil {
		return txTarget{}, chain.NewError(chain.KindInvalidRequest, a.network, "target", err)
	}
	return txTarget{address: common.HexToAddress(tx.To), value: value, data: tx.CallData}, nil
}

func (a *Adapter) callMsg(tx chain.PreparedTransaction) (ethereum.CallMsg, error) {
	target, err := a.target(tx)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	return ethereum.CallMsg{
		From:  common.HexToAddress(tx.From),
		To:    &target.address,
		Value: target.value,
		Data:  target.data,
	}, nil
}

// toWei converts a decimal amount into base units, rejecting fractional remainders and values
// that do not fit in uint256.
func toWei(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", amount, decimals)
	}
	wei := shifted.BigInt()
	if _, overflow := uint256.FromBig(wei); overflow {
		return nil, fmt.Errorf("amount %s overflows uint256", amount)
	}
	return wei, nil
}

func fromWei(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

func parseBytes32(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if len(trimmed) != 64 {
		return out, fmt.Errorf("expected 32-byte hex value, got %q", raw)
	}
	b := common.FromHex("0x" + trimmed)
	if len(b) != 32 {
		return out, fmt.Errorf("invalid hex value %q", raw)
	}
	copy(out[:], b)
	return out, nil
}

func parseIDAndHashlock(id, hashlock string) ([32]byte, [32]byte, error) {
	idBytes, err := parseBytes32(id)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("commit id: %w", err)
	}
	lock, err := parseBytes32(hashlock)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("hashlock: %w", err)
	}
	return idBytes, lock, nil
}

func decodeSignature(raw string) ([]byte, error) {
	sig := common.FromHex(strings.TrimSpace(raw))
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

// normaliseV maps wallet-style recovery ids (27/28) to the 0/1 form expected by SigToPub.
func normaliseV(sig []byte) []byte {
	out := make([]byte, len(sig))
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}
