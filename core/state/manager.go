package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/kellymusk/Aframp-backend/native/common"
	"github.com/kellymusk/Aframp-backend/native/escrow"
	"github.com/kellymusk/Aframp-backend/native/token"
	"github.com/kellymusk/Aframp-backend/storage"
)

// Manager provides typed access to the settlement records kept in a
// key-value database. Reads fall through a write overlay to the database;
// writes stay in the overlay until Commit flushes them as a single atomic
// batch, or Reset discards them. One Manager serves one call.
type Manager struct {
	db       storage.Database
	dirty    map[string][]byte
	dirtyKey []string
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:    db,
		dirty: make(map[string][]byte),
	}
}

// --- key space ---

// The record families below form the engine's whole key space. Keys are
// built from a tagged variant rather than ad-hoc strings so that adding a
// family forces the switch in bytes() to be revisited.
type keyKind uint8

const (
	keyGovernance keyKind = iota + 1
	keyOrder
	keyUserOrders
	keyCustody
	keyQuota
	keyAsset
	keyAssetList
	keyBalance
)

type dataKey struct {
	kind  keyKind
	id    uint64
	addr  [20]byte
	asset string
}

var (
	governancePrefix = []byte("escrow/governance")
	orderPrefix      = []byte("escrow/order/")
	userOrdersPrefix = []byte("escrow/user-orders/")
	custodyPrefix    = []byte("escrow/custody/")
	quotaPrefix      = []byte("escrow/quota/")
	assetPrefix      = []byte("token/asset/")
	assetListName    = []byte("token/asset-list")
	balancePrefix    = []byte("token/balance/")
	vaultPrefix      = []byte("escrow/vault/")
)

func governanceKey() dataKey           { return dataKey{kind: keyGovernance} }
func orderKey(id uint64) dataKey       { return dataKey{kind: keyOrder, id: id} }
func userOrdersKey(a [20]byte) dataKey { return dataKey{kind: keyUserOrders, addr: a} }
func custodyKey(id uint64) dataKey     { return dataKey{kind: keyCustody, id: id} }
func quotaKey(a [20]byte) dataKey      { return dataKey{kind: keyQuota, addr: a} }
func assetKey(symbol string) dataKey   { return dataKey{kind: keyAsset, asset: symbol} }
func assetListKey() dataKey            { return dataKey{kind: keyAssetList} }
func balanceKey(symbol string, a [20]byte) dataKey {
	return dataKey{kind: keyBalance, asset: symbol, addr: a}
}

func (k dataKey) bytes() []byte {
	switch k.kind {
	case keyGovernance:
		return ethcrypto.Keccak256(governancePrefix)
	case keyOrder:
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], k.id)
		buf := make([]byte, len(orderPrefix)+8)
		copy(buf, orderPrefix)
		copy(buf[len(orderPrefix):], id[:])
		return ethcrypto.Keccak256(buf)
	case keyUserOrders:
		buf := make([]byte, len(userOrdersPrefix)+20)
		copy(buf, userOrdersPrefix)
		copy(buf[len(userOrdersPrefix):], k.addr[:])
		return ethcrypto.Keccak256(buf)
	case keyCustody:
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], k.id)
		buf := make([]byte, len(custodyPrefix)+8)
		copy(buf, custodyPrefix)
		copy(buf[len(custodyPrefix):], id[:])
		return ethcrypto.Keccak256(buf)
	case keyQuota:
		buf := make([]byte, len(quotaPrefix)+20)
		copy(buf, quotaPrefix)
		copy(buf[len(quotaPrefix):], k.addr[:])
		return ethcrypto.Keccak256(buf)
	case keyAsset:
		buf := make([]byte, len(assetPrefix)+len(k.asset))
		copy(buf, assetPrefix)
		copy(buf[len(assetPrefix):], k.asset)
		return ethcrypto.Keccak256(buf)
	case keyAssetList:
		return ethcrypto.Keccak256(assetListName)
	case keyBalance:
		buf := make([]byte, len(balancePrefix)+len(k.asset)+1+20)
		copy(buf, balancePrefix)
		copy(buf[len(balancePrefix):], k.asset)
		buf[len(balancePrefix)+len(k.asset)] = ':'
		copy(buf[len(balancePrefix)+len(k.asset)+1:], k.addr[:])
		return ethcrypto.Keccak256(buf)
	default:
		panic(fmt.Sprintf("state: unknown key kind %d", k.kind))
	}
}

// --- overlay ---

func (m *Manager) get(key dataKey) ([]byte, error) {
	kb := key.bytes()
	if value, ok := m.dirty[string(kb)]; ok {
		return append([]byte(nil), value...), nil
	}
	value, err := m.db.Get(kb)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) put(key dataKey, value []byte) error {
	kb := string(key.bytes())
	if _, ok := m.dirty[kb]; !ok {
		m.dirtyKey = append(m.dirtyKey, kb)
	}
	m.dirty[kb] = append([]byte(nil), value...)
	return nil
}

// Dirty reports whether the overlay holds uncommitted writes.
func (m *Manager) Dirty() bool {
	return len(m.dirty) > 0
}

// Commit flushes the overlay to the database as one atomic batch and clears
// it. Writes are replayed in first-touch order.
func (m *Manager) Commit() error {
	if len(m.dirty) == 0 {
		return nil
	}
	batch := new(storage.Batch)
	for _, key := range m.dirtyKey {
		batch.Put([]byte(key), m.dirty[key])
	}
	if err := m.db.Write(batch); err != nil {
		return err
	}
	m.Reset()
	return nil
}

// Reset discards all uncommitted writes.
func (m *Manager) Reset() {
	m.dirty = make(map[string][]byte)
	m.dirtyKey = nil
}

// --- governance ---

// GovernanceGet loads the singleton governance record. The second return
// reports whether it exists.
func (m *Manager) GovernanceGet() (*escrow.Governance, bool, error) {
	data, err := m.get(governanceKey())
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	gov := new(escrow.Governance)
	if err := rlp.DecodeBytes(data, gov); err != nil {
		return nil, false, err
	}
	return gov, true, nil
}

// GovernancePut persists the governance record after validation.
func (m *Manager) GovernancePut(gov *escrow.Governance) error {
	sanitized, err := escrow.SanitizeGovernance(gov)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(sanitized)
	if err != nil {
		return err
	}
	return m.put(governanceKey(), encoded)
}

// --- orders ---

// OrderGet loads an order by id. The second return reports whether it
// exists.
func (m *Manager) OrderGet(id uint64) (*escrow.Order, bool, error) {
	data, err := m.get(orderKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	order := new(escrow.Order)
	if err := rlp.DecodeBytes(data, order); err != nil {
		return nil, false, err
	}
	sanitized, err := escrow.SanitizeOrder(order)
	if err != nil {
		return nil, false, err
	}
	return sanitized, true, nil
}

// OrderPut persists an order record after validation.
func (m *Manager) OrderPut(order *escrow.Order) error {
	sanitized, err := escrow.SanitizeOrder(order)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(sanitized)
	if err != nil {
		return err
	}
	return m.put(orderKey(sanitized.ID), encoded)
}

// UserOrdersAppend records an order id in the principal's buyer index. The
// index is append-only and tolerates duplicates being rejected here.
func (m *Manager) UserOrdersAppend(addr [20]byte, id uint64) error {
	list, err := m.UserOrders(addr)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == id {
			return nil
		}
	}
	list = append(list, id)
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.put(userOrdersKey(addr), encoded)
}

// UserOrders returns the principal's buyer index in append order.
func (m *Manager) UserOrders(addr [20]byte) ([]uint64, error) {
	data, err := m.get(userOrdersKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []uint64{}, nil
	}
	var list []uint64
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// --- custody ---

// custodyRecord tracks the amount held in escrow for one order. The asset is
// recorded so a mismatched credit or debit fails loudly instead of mixing
// denominations.
type custodyRecord struct {
	Asset  string
	Amount *uint256.Int
}

func (m *Manager) custodyLoad(id uint64) (*custodyRecord, error) {
	data, err := m.get(custodyKey(id))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	record := new(custodyRecord)
	if err := rlp.DecodeBytes(data, record); err != nil {
		return nil, err
	}
	if record.Amount == nil {
		record.Amount = uint256.NewInt(0)
	}
	return record, nil
}

func (m *Manager) custodyStore(id uint64, record *custodyRecord) error {
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return m.put(custodyKey(id), encoded)
}

// OrderCustodyCredit adds to the amount held for an order.
func (m *Manager) OrderCustodyCredit(id uint64, asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: custody credit must be non-negative")
	}
	value, overflow := uint256.FromBig(amt)
	if overflow {
		return fmt.Errorf("state: custody amount overflow")
	}
	record, err := m.custodyLoad(id)
	if err != nil {
		return err
	}
	if record == nil {
		record = &custodyRecord{Asset: asset, Amount: uint256.NewInt(0)}
	}
	if record.Asset != asset {
		return fmt.Errorf("state: custody asset mismatch for order %d: %s != %s", id, record.Asset, asset)
	}
	updated := new(uint256.Int)
	if _, over := updated.AddOverflow(record.Amount, value); over {
		return fmt.Errorf("state: custody amount overflow")
	}
	record.Amount = updated
	return m.custodyStore(id, record)
}

// OrderCustodyDebit subtracts from the amount held for an order. Debiting
// more than is held is a hard error; settlement never overdraws custody.
func (m *Manager) OrderCustodyDebit(id uint64, asset string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: custody debit must be non-negative")
	}
	value, overflow := uint256.FromBig(amt)
	if overflow {
		return fmt.Errorf("state: custody amount overflow")
	}
	record, err := m.custodyLoad(id)
	if err != nil {
		return err
	}
	if record == nil || record.Amount.Lt(value) {
		return fmt.Errorf("state: custody underflow for order %d", id)
	}
	if record.Asset != asset {
		return fmt.Errorf("state: custody asset mismatch for order %d: %s != %s", id, record.Asset, asset)
	}
	record.Amount = new(uint256.Int).Sub(record.Amount, value)
	return m.custodyStore(id, record)
}

// OrderCustodyBalance reports the amount currently held for an order.
func (m *Manager) OrderCustodyBalance(id uint64) (*big.Int, error) {
	record, err := m.custodyLoad(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return big.NewInt(0), nil
	}
	return record.Amount.ToBig(), nil
}

// QuotaGet loads the order quota counters for a principal. Untracked
// principals read as zero usage.
func (m *Manager) QuotaGet(addr [20]byte) (common.QuotaNow, error) {
	data, err := m.get(quotaKey(addr))
	if err != nil {
		return common.QuotaNow{}, err
	}
	if len(data) == 0 {
		return common.QuotaNow{}, nil
	}
	var usage common.QuotaNow
	if err := rlp.DecodeBytes(data, &usage); err != nil {
		return common.QuotaNow{}, err
	}
	return usage, nil
}

// QuotaPut persists the order quota counters for a principal.
func (m *Manager) QuotaPut(addr [20]byte, usage common.QuotaNow) error {
	encoded, err := rlp.EncodeToBytes(usage)
	if err != nil {
		return err
	}
	return m.put(quotaKey(addr), encoded)
}

// EscrowVaultAddress derives the deterministic module account that holds
// custody for an asset. The vault has no controlling key; only the engine
// moves its balances.
func (m *Manager) EscrowVaultAddress(asset string) ([20]byte, error) {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return [20]byte{}, err
	}
	buf := make([]byte, len(vaultPrefix)+len(normalized))
	copy(buf, vaultPrefix)
	copy(buf[len(vaultPrefix):], normalized)
	digest := ethcrypto.Keccak256(buf)
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr, nil
}

// --- assets and balances ---

// AssetGet loads a registered asset definition by symbol.
func (m *Manager) AssetGet(symbol string) (*token.Asset, bool, error) {
	data, err := m.get(assetKey(symbol))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	asset := new(token.Asset)
	if err := rlp.DecodeBytes(data, asset); err != nil {
		return nil, false, err
	}
	return asset, true, nil
}

// AssetPut persists an asset definition and records the symbol in the sorted
// asset index.
func (m *Manager) AssetPut(asset *token.Asset) error {
	if asset == nil {
		return fmt.Errorf("state: nil asset")
	}
	encoded, err := rlp.EncodeToBytes(asset)
	if err != nil {
		return err
	}
	if err := m.put(assetKey(asset.Symbol), encoded); err != nil {
		return err
	}
	list, err := m.AssetList()
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == asset.Symbol {
			return nil
		}
	}
	list = append(list, asset.Symbol)
	sort.Strings(list)
	encodedList, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.put(assetListKey(), encodedList)
}

// AssetList returns all registered symbols in sorted order.
func (m *Manager) AssetList() ([]string, error) {
	data, err := m.get(assetListKey())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// BalanceGet reports an account balance. Untouched accounts read as zero.
func (m *Manager) BalanceGet(asset string, addr [20]byte) (*big.Int, error) {
	data, err := m.get(balanceKey(asset, addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	value := new(uint256.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// BalanceSet stores an account balance. Balances are unsigned; callers
// perform their own underflow checks before writing.
func (m *Manager) BalanceSet(asset string, addr [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return fmt.Errorf("state: balance overflow")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.put(balanceKey(asset, addr), encoded)
}
