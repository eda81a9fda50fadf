package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"
	"delivery-route-ledger/internal/ports"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// routeRegistryABI describes the RouteRegistry contract. The contract stores
// msg.sender as the route's driver and only lets that address update it.
const routeRegistryABI = `[
 {"type":"function","name":"createRoute","stateMutability":"nonpayable",
  "inputs":[{"name":"routeId","type":"string"},{"name":"dataHash","type":"bytes32"},
   {"name":"status","type":"string"},{"name":"totalDistance","type":"uint256"},
   {"name":"deliveryCount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"updateRoute","stateMutability":"nonpayable",
  "inputs":[{"name":"routeId","type":"string"},{"name":"dataHash","type":"bytes32"},
   {"name":"status","type":"string"},{"name":"completedDeliveries","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getRoute","stateMutability":"view",
  "inputs":[{"name":"routeId","type":"string"}],
  "outputs":[{"name":"routeId","type":"string"},{"name":"dataHash","type":"bytes32"},
   {"name":"timestamp","type":"uint256"},{"name":"driver","type":"address"},
   {"name":"status","type":"string"},{"name":"totalDistance","type":"uint256"},
   {"name":"deliveryCount","type":"uint256"},{"name":"completedDeliveries","type":"uint256"}]},
 {"type":"function","name":"routeExists","stateMutability":"view",
  "inputs":[{"name":"routeId","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getRouteCount","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// EthereumConfig selects the RPC endpoint, the registry contract and the signing keys.
type EthereumConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKeyHex   string
	ChainID         int64
	// ActorKeys optionally maps route actors to their own signing keys.
	// Actors without an entry sign with PrivateKeyHex.
	ActorKeys map[string]string
	// MineTimeout bounds the wait for inclusion of a submitted transaction.
	MineTimeout time.Duration
}

func (c EthereumConfig) Validate() error {
	if c.RPCURL == "" {
		return errors.New("ethereum rpc url is required")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", c.ContractAddress)
	}
	if c.PrivateKeyHex == "" {
		return errors.New("ethereum private key is required")
	}
	if c.ChainID <= 0 {
		return errors.New("ethereum chain id must be positive")
	}
	return nil
}

// EthereumLedger anchors fingerprints into an EVM RouteRegistry contract.
type EthereumLedger struct {
	client      *ethclient.Client
	contract    *bind.BoundContract
	chainID     *big.Int
	defaultKey  *ecdsa.PrivateKey
	actorKeys   map[string]*ecdsa.PrivateKey
	mineTimeout time.Duration
}

func NewEthereumLedger(ctx context.Context, cfg EthereumConfig) (*EthereumLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ethereum ledger: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(routeRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("ethereum ledger: parse abi: %w", err)
	}

	defaultKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum ledger: parse private key: %w", err)
	}

	actorKeys := make(map[string]*ecdsa.PrivateKey, len(cfg.ActorKeys))
	for actor, hexKey := range cfg.ActorKeys {
		k, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("ethereum ledger: parse key for actor %q: %w", actor, err)
		}
		actorKeys[actor] = k
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum ledger: dial %s: %w", cfg.RPCURL, err)
	}

	mineTimeout := cfg.MineTimeout
	if mineTimeout == 0 {
		mineTimeout = 2 * time.Minute
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &EthereumLedger{
		client:      client,
		contract:    bind.NewBoundContract(address, parsed, client, client, client),
		chainID:     big.NewInt(cfg.ChainID),
		defaultKey:  defaultKey,
		actorKeys:   actorKeys,
		mineTimeout: mineTimeout,
	}, nil
}

func (l *EthereumLedger) Close() { l.client.Close() }

func (l *EthereumLedger) keyFor(actor string) *ecdsa.PrivateKey {
	if k, ok := l.actorKeys[actor]; ok {
		return k
	}
	return l.defaultKey
}

// Identity returns the address that signs for actor; the contract records it as driver.
func (l *EthereumLedger) Identity(actor string) string {
	return crypto.PubkeyToAddress(l.keyFor(actor).PublicKey).Hex()
}

func (l *EthereumLedger) Create(ctx context.Context, actor string, req ports.AnchorCreateRequest) (_ ports.LedgerTx, err error) {
	defer obs.Time(ctx, "ledger.eth.Create")(&err)

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return ports.LedgerTx{}, fmt.Errorf("ledger create: %w", domain.ErrInvalidAnchor)
	}

	tx, err := l.transact(ctx, actor, "createRoute",
		req.RouteID, [32]byte(req.Fingerprint), req.StatusLabel,
		new(big.Int).SetUint64(req.TotalDistance), new(big.Int).SetUint64(req.StopCount))
	if isRevert(err) {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w: %w", req.RouteID, domain.ErrAlreadyAnchored, err)
	}
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger create %q: %w", req.RouteID, err)
	}
	return tx, nil
}

func (l *EthereumLedger) Update(ctx context.Context, actor string, req ports.AnchorUpdateRequest) (_ ports.LedgerTx, err error) {
	defer obs.Time(ctx, "ledger.eth.Update")(&err)

	if req.RouteID == "" || req.Fingerprint.IsZero() {
		return ports.LedgerTx{}, fmt.Errorf("ledger update: %w", domain.ErrInvalidAnchor)
	}

	tx, err := l.transact(ctx, actor, "updateRoute",
		req.RouteID, [32]byte(req.Fingerprint), req.StatusLabel,
		new(big.Int).SetUint64(req.CompletedCount))
	if isRevert(err) {
		// The contract reverts for both a missing record and a foreign caller.
		exists, exErr := l.Exists(ctx, req.RouteID)
		if exErr == nil && !exists {
			return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w", req.RouteID, domain.ErrNotAnchored)
		}
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w: %w", req.RouteID, domain.ErrForbidden, err)
	}
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("ledger update %q: %w", req.RouteID, err)
	}
	return tx, nil
}

func (l *EthereumLedger) Read(ctx context.Context, routeID string) (_ domain.AnchorRecord, err error) {
	defer obs.Time(ctx, "ledger.eth.Read")(&err)

	exists, err := l.Exists(ctx, routeID)
	if err != nil {
		return domain.AnchorRecord{}, err
	}
	if !exists {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: %w", routeID, domain.ErrNotFound)
	}

	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getRoute", routeID); err != nil {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: %w: %w", routeID, domain.ErrLedgerUnavailable, err)
	}
	if len(out) != 8 {
		return domain.AnchorRecord{}, fmt.Errorf("ledger read %q: unexpected output length %d", routeID, len(out))
	}

	hash := *abi.ConvertType(out[1], new([32]byte)).(*[32]byte)
	timestamp := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	driver := *abi.ConvertType(out[3], new(common.Address)).(*common.Address)
	status := *abi.ConvertType(out[4], new(string)).(*string)
	distance := *abi.ConvertType(out[5], new(*big.Int)).(**big.Int)
	stops := *abi.ConvertType(out[6], new(*big.Int)).(**big.Int)
	completed := *abi.ConvertType(out[7], new(*big.Int)).(**big.Int)

	return domain.AnchorRecord{
		RouteID:        routeID,
		Fingerprint:    domain.Fingerprint(hash),
		StatusLabel:    status,
		TotalDistance:  distance.Uint64(),
		StopCount:      stops.Uint64(),
		CompletedCount: completed.Uint64(),
		AnchorTime:     time.Unix(timestamp.Int64(), 0).UTC(),
		AnchoringActor: driver.Hex(),
	}, nil
}

func (l *EthereumLedger) Exists(ctx context.Context, routeID string) (bool, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "routeExists", routeID); err != nil {
		return false, fmt.Errorf("ledger exists %q: %w: %w", routeID, domain.ErrLedgerUnavailable, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("ledger exists %q: unexpected output length %d", routeID, len(out))
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// transact submits method signed for actor and waits until it is mined.
func (l *EthereumLedger) transact(ctx context.Context, actor, method string, params ...interface{}) (ports.LedgerTx, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(l.keyFor(actor), l.chainID)
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("%s: transactor: %w", method, err)
	}
	opts.Context = ctx

	tx, err := l.contract.Transact(opts, method, params...)
	if err != nil {
		if isRevert(err) {
			return ports.LedgerTx{}, err
		}
		return ports.LedgerTx{}, fmt.Errorf("%s: submit: %w: %w", method, domain.ErrLedgerUnavailable, err)
	}

	mineCtx, cancel := context.WithTimeout(ctx, l.mineTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(mineCtx, l.client, tx)
	if err != nil {
		return ports.LedgerTx{}, fmt.Errorf("%s: wait mined %s: %w: %w", method, tx.Hash().Hex(), domain.ErrLedgerUnavailable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ports.LedgerTx{}, fmt.Errorf("%s: tx %s: %w", method, tx.Hash().Hex(), errReverted)
	}

	included := time.Now().Unix()
	if header, err := l.client.HeaderByNumber(ctx, receipt.BlockNumber); err == nil {
		included = int64(header.Time)
	}
	return ports.LedgerTx{Ref: tx.Hash().Hex(), IncludedAt: included}, nil
}

var errReverted = errors.New("execution reverted")

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, errReverted) || strings.Contains(err.Error(), "execution reverted")
}
