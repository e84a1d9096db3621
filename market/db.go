// Package market implements the on-chain order book and price-history
// store the matching engine reads and writes: bids, asks, shorts, and
// margin calls ordered by price-time priority, plus the OHLC price-
// point history spec.md §4.3/§4.4 requires for market data queries. It
// is backed by go.etcd.io/bbolt for the same ordered-iteration reason
// the utxo package is: bids must iterate highest-price-first and asks
// lowest-price-first without a secondary sort pass.
package market

import (
	"encoding/binary"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/primitives"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("market: not found")

// Order is a single resting order in a book: the amount of the asset it
// offers, the price it was placed at, the output that backs it, and the
// address its side of a trade pays out to (spec.md §4.4).
type Order struct {
	Output     blockchain.OutputRef
	Amount     blockchain.Asset
	Price      blockchain.Price
	PayAddress primitives.Address
}

// MarginCall is a resting short position tracked separately from the
// ask book so the matching engine can sweep it the instant the market
// price crosses its call price (spec.md §4.4).
type MarginCall struct {
	Output     blockchain.OutputRef
	PayAddress primitives.Address
	Collateral blockchain.Asset
	Payoff     blockchain.Asset
	CallPrice  blockchain.Price
}

// PricePoint is one bucket of OHLC trade history for a pair, covering
// blocksPerPoint blocks (SPEC_FULL.md §3 "rich price_point history").
type PricePoint struct {
	BlockNum               uint32
	Open, High, Low, Close blockchain.Price
	Volume                 blockchain.Asset
}

// Merge folds a newly observed trade price into p, widening High/Low
// and updating Close, the same running-aggregate shape
// blockchain_market_db.hpp's price_point keeps per block bucket.
func (p *PricePoint) Merge(price blockchain.Price, volume blockchain.Asset) {
	if p.Open.Ratio == nil {
		p.Open = price
		p.High = price
		p.Low = price
		p.Volume = volume
	} else {
		if greater, _ := price.Cmp(p.High); greater > 0 {
			p.High = price
		}
		if less, _ := price.Cmp(p.Low); less < 0 {
			p.Low = price
		}
		p.Volume = p.Volume.Add(volume)
	}
	p.Close = price
}

// pairKey identifies one asset pair's order book and history.
func pairKey(quote, base blockchain.AssetType) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], uint32(quote))
	binary.BigEndian.PutUint32(b[4:], uint32(base))
	return b[:]
}

var (
	bucketBids        = []byte("bids")
	bucketAsks        = []byte("asks")
	bucketShorts      = []byte("shorts")
	bucketMarginCalls = []byte("margin_calls")
	bucketPricePoints = []byte("price_points")
)

// DB is the persistent order-book and price-history store for every
// asset pair the chain trades.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a market DB at path.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "market: open database")
	}
	m := &DB{db: bdb}
	if err := m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBids, bucketAsks, bucketShorts, bucketMarginCalls, bucketPricePoints} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		bdb.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the underlying database.
func (m *DB) Close() error { return m.db.Close() }

// orderKey encodes an order so that, within one pair's bucket, bids
// sort highest-price-first and asks sort lowest-price-first purely by
// byte order: for bids, invert the ratio (2^128-1 minus it) so larger
// prices sort first; for asks, encode the ratio directly.
func orderKey(price blockchain.Price, invert bool, ref blockchain.OutputRef) []byte {
	bytes32 := price.Ratio.Bytes32()
	key := make([]byte, 0, 16+len(ref.TrxID)+2)
	lo := bytes32[16:32]
	if invert {
		inverted := make([]byte, 16)
		for i, b := range lo {
			inverted[i] = ^b
		}
		key = append(key, inverted...)
	} else {
		key = append(key, lo...)
	}
	key = append(key, ref.TrxID[:]...)
	var idx [2]byte
	binary.BigEndian.PutUint16(idx[:], ref.Index)
	key = append(key, idx[:]...)
	return key
}

func bucketPath(tx *bolt.Tx, top, quote, base []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(top)
	sub, err := b.CreateBucketIfNotExists(quote)
	if err != nil {
		return nil, err
	}
	return sub.CreateBucketIfNotExists(base)
}

// InsertBid adds a resting bid to the (quote, base) book.
func (m *DB) InsertBid(quote, base blockchain.AssetType, o Order) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketBids, u32(quote), u32(base))
		if err != nil {
			return err
		}
		data, err := marshalOrder(o)
		if err != nil {
			return err
		}
		return b.Put(orderKey(o.Price, true, o.Output), data)
	})
}

// InsertAsk adds a resting ask to the (quote, base) book. Short-sell
// offers are kept separately through InsertShort.
func (m *DB) InsertAsk(quote, base blockchain.AssetType, o Order) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketAsks, u32(quote), u32(base))
		if err != nil {
			return err
		}
		data, err := marshalOrder(o)
		if err != nil {
			return err
		}
		return b.Put(orderKey(o.Price, false, o.Output), data)
	})
}

// RemoveBid removes a bid identified by its price and backing output.
func (m *DB) RemoveBid(quote, base blockchain.AssetType, price blockchain.Price, ref blockchain.OutputRef) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketBids, u32(quote), u32(base))
		if err != nil {
			return err
		}
		return b.Delete(orderKey(price, true, ref))
	})
}

// RemoveAsk removes an ask identified by its price and backing output.
func (m *DB) RemoveAsk(quote, base blockchain.AssetType, price blockchain.Price, ref blockchain.OutputRef) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketAsks, u32(quote), u32(base))
		if err != nil {
			return err
		}
		return b.Delete(orderKey(price, false, ref))
	})
}

// InsertShort adds a resting claim_by_long short-sell offer to the
// (quote, base) book, keyed the same way as an ask (spec.md §3 "Shorts:
// same key shape as asks").
func (m *DB) InsertShort(quote, base blockchain.AssetType, o Order) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketShorts, u32(quote), u32(base))
		if err != nil {
			return err
		}
		data, err := marshalOrder(o)
		if err != nil {
			return err
		}
		return b.Put(orderKey(o.Price, false, o.Output), data)
	})
}

// RemoveShort removes a short offer identified by its price and backing
// output.
func (m *DB) RemoveShort(quote, base blockchain.AssetType, price blockchain.Price, ref blockchain.OutputRef) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketShorts, u32(quote), u32(base))
		if err != nil {
			return err
		}
		return b.Delete(orderKey(price, false, ref))
	})
}

// GetLowestShort returns the best (lowest-price) resting short offer
// for the pair, if any.
func (m *DB) GetLowestShort(quote, base blockchain.AssetType) (Order, bool, error) {
	return m.firstOrder(bucketShorts, quote, base)
}

// ShortDepth returns resting short offers for the pair, lowest price
// first.
func (m *DB) ShortDepth(quote, base blockchain.AssetType) ([]Order, error) {
	return m.Depth(bucketShorts, quote, base)
}

// GetHighestBid returns the best (highest-price) resting bid for the
// pair, if any.
func (m *DB) GetHighestBid(quote, base blockchain.AssetType) (Order, bool, error) {
	return m.firstOrder(bucketBids, quote, base)
}

// GetLowestAsk returns the best (lowest-price) resting ask for the
// pair, if any.
func (m *DB) GetLowestAsk(quote, base blockchain.AssetType) (Order, bool, error) {
	return m.firstOrder(bucketAsks, quote, base)
}

func (m *DB) firstOrder(top []byte, quote, base blockchain.AssetType) (Order, bool, error) {
	var o Order
	var found bool
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(top).Bucket(u32(quote))
		if b == nil {
			return nil
		}
		b = b.Bucket(u32(base))
		if b == nil {
			return nil
		}
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		decoded, err := unmarshalOrder(v)
		if err != nil {
			return err
		}
		o = decoded
		found = true
		return nil
	})
	return o, found, err
}

// Depth returns every resting order on one side of the book,
// price-time ordered.
func (m *DB) Depth(top []byte, quote, base blockchain.AssetType) ([]Order, error) {
	var orders []Order
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(top).Bucket(u32(quote))
		if b == nil {
			return nil
		}
		b = b.Bucket(u32(base))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			o, err := unmarshalOrder(v)
			if err != nil {
				return err
			}
			orders = append(orders, o)
			return nil
		})
	})
	return orders, err
}

// BidDepth returns resting bids for the pair, highest price first.
func (m *DB) BidDepth(quote, base blockchain.AssetType) ([]Order, error) {
	return m.Depth(bucketBids, quote, base)
}

// AskDepth returns resting asks for the pair, lowest price first.
func (m *DB) AskDepth(quote, base blockchain.AssetType) ([]Order, error) {
	return m.Depth(bucketAsks, quote, base)
}

// InsertMarginCall registers a short position for margin-call sweep
// tracking, keyed by call price ascending. GetCalls walks every entry
// of the pair and keeps those due at the current market price.
func (m *DB) InsertMarginCall(quote, base blockchain.AssetType, call MarginCall) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketMarginCalls, u32(quote), u32(base))
		if err != nil {
			return err
		}
		data, err := marshalMarginCall(call)
		if err != nil {
			return err
		}
		return b.Put(orderKey(call.CallPrice, false, call.Output), data)
	})
}

// RemoveMarginCall removes a tracked short position, called once it has
// been covered or liquidated.
func (m *DB) RemoveMarginCall(quote, base blockchain.AssetType, callPrice blockchain.Price, ref blockchain.OutputRef) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketMarginCalls, u32(quote), u32(base))
		if err != nil {
			return err
		}
		return b.Delete(orderKey(callPrice, false, ref))
	})
}

// GetCalls returns every margin call whose call price is at or below
// currentPrice: the positions the matching engine's liquidation sweep
// must cover (spec.md §4.4).
func (m *DB) GetCalls(quote, base blockchain.AssetType, currentPrice blockchain.Price) ([]MarginCall, error) {
	var calls []MarginCall
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMarginCalls).Bucket(u32(quote))
		if b == nil {
			return nil
		}
		b = b.Bucket(u32(base))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			call, err := unmarshalMarginCall(v)
			if err != nil {
				return err
			}
			if cmp, cerr := call.CallPrice.Cmp(currentPrice); cerr == nil && cmp <= 0 {
				calls = append(calls, call)
			}
			return nil
		})
	})
	return calls, err
}

// RecordTrade folds a trade into the price-point bucket for blockNum,
// creating it if this is the bucket's first trade.
func (m *DB) RecordTrade(quote, base blockchain.AssetType, blockNum, blocksPerPoint uint32, price blockchain.Price, volume blockchain.Asset) error {
	bucketNum := (blockNum / blocksPerPoint) * blocksPerPoint
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketPath(tx, bucketPricePoints, u32(quote), u32(base))
		if err != nil {
			return err
		}
		key := u32(bucketNum)
		var point PricePoint
		if raw := b.Get(key); raw != nil {
			if point, err = unmarshalPricePoint(raw); err != nil {
				return err
			}
		} else {
			point.BlockNum = bucketNum
		}
		point.Merge(price, volume)
		data, err := marshalPricePoint(point)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// History returns every recorded price point for the pair in block
// order, the series get_market/dump_market's chart view reads.
func (m *DB) History(quote, base blockchain.AssetType) ([]PricePoint, error) {
	var points []PricePoint
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPricePoints).Bucket(u32(quote))
		if b == nil {
			return nil
		}
		b = b.Bucket(u32(base))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			p, err := unmarshalPricePoint(v)
			if err != nil {
				return err
			}
			points = append(points, p)
			return nil
		})
	})
	return points, err
}

// MarketData is a snapshot of one pair's book depth and trade history,
// the shape dump_market/get_market returns (SPEC_FULL.md §3).
type MarketData struct {
	Bids    []Order
	Asks    []Order
	Shorts  []Order
	Calls   []MarginCall
	History []PricePoint
}

// DumpMarket returns a full snapshot of the (quote, base) market.
func (m *DB) DumpMarket(quote, base blockchain.AssetType) (MarketData, error) {
	bids, err := m.BidDepth(quote, base)
	if err != nil {
		return MarketData{}, err
	}
	asks, err := m.AskDepth(quote, base)
	if err != nil {
		return MarketData{}, err
	}
	shorts, err := m.ShortDepth(quote, base)
	if err != nil {
		return MarketData{}, err
	}
	var best blockchain.Price
	if len(asks) > 0 {
		best = asks[0].Price
	} else if len(bids) > 0 {
		best = bids[0].Price
	} else {
		best = blockchain.NewPriceFromRatio(0, 1, quote, base)
	}
	calls, err := m.GetCalls(quote, base, best)
	if err != nil {
		return MarketData{}, err
	}
	history, err := m.History(quote, base)
	if err != nil {
		return MarketData{}, err
	}
	return MarketData{Bids: bids, Asks: asks, Shorts: shorts, Calls: calls, History: history}, nil
}

func u32(t blockchain.AssetType) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return b[:]
}

func marshalOrder(o Order) ([]byte, error) {
	ref, err := o.Output.MarshalBinary()
	if err != nil {
		return nil, err
	}
	amt, err := o.Amount.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf = appendVarBytes(buf, ref)
	buf = appendVarBytes(buf, amt)
	buf = appendVarBytes(buf, []byte(o.PayAddress.String()))
	price32 := o.Price.Ratio.Bytes32()
	buf = append(buf, byte(o.Price.Quote), byte(o.Price.Quote>>8), byte(o.Price.Quote>>16), byte(o.Price.Quote>>24))
	buf = append(buf, byte(o.Price.Base), byte(o.Price.Base>>8), byte(o.Price.Base>>16), byte(o.Price.Base>>24))
	buf = append(buf, price32[:]...)
	return buf, nil
}

func unmarshalOrder(data []byte) (Order, error) {
	rest := data
	ref, rest, err := takeVarBytes(rest)
	if err != nil {
		return Order{}, err
	}
	amt, rest, err := takeVarBytes(rest)
	if err != nil {
		return Order{}, err
	}
	addrText, rest, err := takeVarBytes(rest)
	if err != nil {
		return Order{}, err
	}
	if len(rest) < 8+32 {
		return Order{}, errors.New("market: corrupt order record")
	}
	quote := binary.LittleEndian.Uint32(rest[0:4])
	base := binary.LittleEndian.Uint32(rest[4:8])
	priceBytes := rest[8 : 8+32]

	outRef, err := blockchain.OutputRefFromBytes(ref)
	if err != nil {
		return Order{}, err
	}
	var amount blockchain.Asset
	if err := amount.UnmarshalBinary(amt); err != nil {
		return Order{}, err
	}
	addr, err := primitives.ParseAddress(string(addrText))
	if err != nil {
		return Order{}, err
	}
	price := priceFromBytes32(priceBytes, blockchain.AssetType(quote), blockchain.AssetType(base))
	return Order{Output: outRef, Amount: amount, Price: price, PayAddress: addr}, nil
}

func marshalMarginCall(c MarginCall) ([]byte, error) {
	ref, err := c.Output.MarshalBinary()
	if err != nil {
		return nil, err
	}
	collateral, err := c.Collateral.MarshalBinary()
	if err != nil {
		return nil, err
	}
	payoff, err := c.Payoff.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf = appendVarBytes(buf, ref)
	buf = appendVarBytes(buf, collateral)
	buf = appendVarBytes(buf, payoff)
	buf = appendVarBytes(buf, []byte(c.PayAddress.String()))
	buf = append(buf, byte(c.CallPrice.Quote), byte(c.CallPrice.Quote>>8), byte(c.CallPrice.Quote>>16), byte(c.CallPrice.Quote>>24))
	buf = append(buf, byte(c.CallPrice.Base), byte(c.CallPrice.Base>>8), byte(c.CallPrice.Base>>16), byte(c.CallPrice.Base>>24))
	price32 := c.CallPrice.Ratio.Bytes32()
	buf = append(buf, price32[:]...)
	return buf, nil
}

func unmarshalMarginCall(data []byte) (MarginCall, error) {
	rest := data
	ref, rest, err := takeVarBytes(rest)
	if err != nil {
		return MarginCall{}, err
	}
	collateral, rest, err := takeVarBytes(rest)
	if err != nil {
		return MarginCall{}, err
	}
	payoff, rest, err := takeVarBytes(rest)
	if err != nil {
		return MarginCall{}, err
	}
	addrText, rest, err := takeVarBytes(rest)
	if err != nil {
		return MarginCall{}, err
	}
	if len(rest) < 8+32 {
		return MarginCall{}, errors.New("market: corrupt margin call record")
	}
	quote := binary.LittleEndian.Uint32(rest[0:4])
	base := binary.LittleEndian.Uint32(rest[4:8])
	priceBytes := rest[8 : 8+32]

	outRef, err := blockchain.OutputRefFromBytes(ref)
	if err != nil {
		return MarginCall{}, err
	}
	var c blockchain.Asset
	if err := c.UnmarshalBinary(collateral); err != nil {
		return MarginCall{}, err
	}
	var p blockchain.Asset
	if err := p.UnmarshalBinary(payoff); err != nil {
		return MarginCall{}, err
	}
	addr, err := primitives.ParseAddress(string(addrText))
	if err != nil {
		return MarginCall{}, err
	}
	price := priceFromBytes32(priceBytes, blockchain.AssetType(quote), blockchain.AssetType(base))
	return MarginCall{Output: outRef, PayAddress: addr, Collateral: c, Payoff: p, CallPrice: price}, nil
}

func marshalPricePoint(p PricePoint) ([]byte, error) {
	var buf []byte
	buf = append(buf, byte(p.BlockNum), byte(p.BlockNum>>8), byte(p.BlockNum>>16), byte(p.BlockNum>>24))
	for _, price := range []blockchain.Price{p.Open, p.High, p.Low, p.Close} {
		b32 := price.Ratio.Bytes32()
		buf = append(buf, byte(price.Quote), byte(price.Quote>>8), byte(price.Quote>>16), byte(price.Quote>>24))
		buf = append(buf, byte(price.Base), byte(price.Base>>8), byte(price.Base>>16), byte(price.Base>>24))
		buf = append(buf, b32[:]...)
	}
	vol, err := p.Volume.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf = appendVarBytes(buf, vol)
	return buf, nil
}

func unmarshalPricePoint(data []byte) (PricePoint, error) {
	if len(data) < 4 {
		return PricePoint{}, errors.New("market: corrupt price point record")
	}
	p := PricePoint{BlockNum: binary.LittleEndian.Uint32(data[:4])}
	rest := data[4:]
	prices := make([]blockchain.Price, 4)
	for i := 0; i < 4; i++ {
		if len(rest) < 40 {
			return PricePoint{}, errors.New("market: corrupt price point record")
		}
		quote := binary.LittleEndian.Uint32(rest[0:4])
		base := binary.LittleEndian.Uint32(rest[4:8])
		prices[i] = priceFromBytes32(rest[8:40], blockchain.AssetType(quote), blockchain.AssetType(base))
		rest = rest[40:]
	}
	p.Open, p.High, p.Low, p.Close = prices[0], prices[1], prices[2], prices[3]
	vol, _, err := takeVarBytes(rest)
	if err != nil {
		return PricePoint{}, err
	}
	if err := p.Volume.UnmarshalBinary(vol); err != nil {
		return PricePoint{}, err
	}
	return p, nil
}

func appendVarBytes(buf, b []byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	buf = append(buf, n[:]...)
	return append(buf, b...)
}

func takeVarBytes(buf []byte) (value, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("market: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errors.New("market: truncated record")
	}
	return buf[:n], buf[n:], nil
}

func priceFromBytes32(be32 []byte, quote, base blockchain.AssetType) blockchain.Price {
	price, _ := blockchain.PriceFromBytes32(be32, quote, base)
	return price
}
