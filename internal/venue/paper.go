package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	exchange "tracking-core/pkg/exchanges/common"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	FeeRate        decimal.Decimal // e.g. 0.001 = 10 bps
	SlippageBps    float64         // max adverse slippage applied to market fills
	QuoteCurrency  string
	InitialBalance decimal.Decimal // starting free quote balance
	Seed           int64           // 0 seeds from the clock
}

// DefaultPaperConfig mirrors the dry-run defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		FeeRate:        decimal.RequireFromString("0.001"),
		SlippageBps:    5,
		QuoteCurrency:  "USDT",
		InitialBalance: decimal.NewFromInt(10000),
	}
}

type paperOrder struct {
	id        string
	req       exchange.OrderRequest
	status    string
	filled    decimal.Decimal
	avgPrice  *decimal.Decimal
	fee       *decimal.Decimal
	locked    decimal.Decimal
	createdAt time.Time
}

// Paper simulates an execution venue in memory. Market orders fill at the
// source price plus slippage; resting LIMIT and stop orders are evaluated
// against the current price whenever their status is queried.
type Paper struct {
	mu       sync.Mutex
	cfg      PaperConfig
	prices   PriceSource
	rng      *rand.Rand
	orders   map[string]*paperOrder
	balances map[string]*exchange.Balance
	log      *zap.Logger
}

// NewPaper builds a paper venue funded with cfg.InitialBalance of the quote currency.
func NewPaper(prices PriceSource, cfg PaperConfig, log *zap.Logger) *Paper {
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}
	cfg.QuoteCurrency = strings.ToUpper(cfg.QuoteCurrency)
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Paper{
		cfg:      cfg,
		prices:   prices,
		rng:      rand.New(rand.NewSource(seed)),
		orders:   make(map[string]*paperOrder),
		balances: make(map[string]*exchange.Balance),
		log:      log.Named("paper"),
	}
	p.balance(cfg.QuoteCurrency).Free = cfg.InitialBalance
	return p
}

func rejected(reason string) exchange.PlaceResult {
	return exchange.PlaceResult{Success: false, Error: reason}
}

// PlaceOrder implements exchange.Venue.
func (p *Paper) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.PlaceResult, error) {
	req.Symbol = strings.ToUpper(req.Symbol)
	if req.Symbol == "" {
		return rejected("symbol required"), nil
	}
	if !req.Qty.IsPositive() {
		return rejected("quantity must be positive"), nil
	}
	if req.Side != exchange.SideBuy && req.Side != exchange.SideSell {
		return rejected(fmt.Sprintf("unsupported side %q", req.Side)), nil
	}
	market, err := p.prices.Price(ctx, req.Symbol)
	if err != nil {
		return exchange.PlaceResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o := &paperOrder{id: uuid.NewString(), req: req, status: exchange.StatusNew, createdAt: time.Now().UTC()}

	switch req.Type {
	case exchange.OrderTypeMarket:
		price := p.slipped(req.Side, market)
		if reason := p.checkFunds(req, price); reason != "" {
			return rejected(reason), nil
		}
		p.fill(o, price)
	case exchange.OrderTypeLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			return rejected("limit price required"), nil
		}
		if crosses(req.Side, market, *req.Price) {
			if reason := p.checkFunds(req, *req.Price); reason != "" {
				return rejected(reason), nil
			}
			p.fill(o, *req.Price)
			break
		}
		if req.TimeInForce == exchange.TIFIOC || req.TimeInForce == exchange.TIFFOK {
			o.status = exchange.StatusExpired
			break
		}
		if reason := p.checkFunds(req, *req.Price); reason != "" {
			return rejected(reason), nil
		}
		p.lock(o, *req.Price)
	case exchange.OrderTypeStopLoss, exchange.OrderTypeTakeProfit:
		if req.StopPrice == nil || !req.StopPrice.IsPositive() {
			return rejected("stop price required"), nil
		}
		if triggered(req, market) {
			price := p.slipped(req.Side, market)
			if reason := p.checkFunds(req, price); reason != "" {
				return rejected(reason), nil
			}
			p.fill(o, price)
		}
	default:
		return rejected(fmt.Sprintf("unsupported order type %q", req.Type)), nil
	}

	p.orders[o.id] = o
	p.log.Debug("order placed",
		zap.String("venue_order_id", o.id),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("status", o.status))

	res := exchange.PlaceResult{OrderID: o.id, Success: true}
	if o.status == exchange.StatusFilled {
		filled := o.filled
		res.FilledQty = &filled
		res.AvgPrice = o.avgPrice
		res.Fee = o.fee
		res.FeeCurrency = p.cfg.QuoteCurrency
	}
	return res, nil
}

// CancelOrder implements exchange.Venue.
func (p *Paper) CancelOrder(_ context.Context, orderID, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || (symbol != "" && !strings.EqualFold(o.req.Symbol, symbol)) {
		return exchange.ErrOrderNotFound
	}
	if o.status != exchange.StatusNew {
		return fmt.Errorf("cannot cancel order in status %s", o.status)
	}
	p.unlock(o)
	o.status = exchange.StatusCanceled
	return nil
}

// GetOrderStatus implements exchange.Venue. Resting orders are re-evaluated
// against the current price first.
func (p *Paper) GetOrderStatus(ctx context.Context, orderID, symbol string) (exchange.OrderStatusReport, error) {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || (symbol != "" && !strings.EqualFold(o.req.Symbol, symbol)) {
		p.mu.Unlock()
		return exchange.OrderStatusReport{}, exchange.ErrOrderNotFound
	}
	resting := o.status == exchange.StatusNew
	p.mu.Unlock()

	if resting {
		market, err := p.prices.Price(ctx, o.req.Symbol)
		if err != nil {
			return exchange.OrderStatusReport{}, err
		}
		p.mu.Lock()
		if o.status == exchange.StatusNew {
			p.evaluate(o, market)
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	report := exchange.OrderStatusReport{
		Status:    o.status,
		FilledQty: o.filled,
		AvgPrice:  o.avgPrice,
		Fee:       o.fee,
	}
	if o.fee != nil {
		report.FeeCurrency = p.cfg.QuoteCurrency
	}
	return report, nil
}

// GetMarketPrice implements exchange.Venue.
func (p *Paper) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.prices.Price(ctx, strings.ToUpper(symbol))
}

// GetBalance implements exchange.Venue. Unknown assets report zero.
func (p *Paper) GetBalance(_ context.Context, asset string) (exchange.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	asset = strings.ToUpper(asset)
	if b, ok := p.balances[asset]; ok {
		return *b, nil
	}
	return exchange.Balance{Asset: asset}, nil
}

// GetAllBalances implements exchange.Venue, sorted by asset.
func (p *Paper) GetAllBalances(_ context.Context) ([]exchange.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]exchange.Balance, 0, len(p.balances))
	for _, b := range p.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// evaluate fills a resting order whose condition the market now meets.
func (p *Paper) evaluate(o *paperOrder, market decimal.Decimal) {
	switch o.req.Type {
	case exchange.OrderTypeLimit:
		if crosses(o.req.Side, market, *o.req.Price) {
			p.unlock(o)
			p.fill(o, *o.req.Price)
		}
	case exchange.OrderTypeStopLoss, exchange.OrderTypeTakeProfit:
		if !triggered(o.req, market) {
			return
		}
		price := p.slipped(o.req.Side, market)
		if reason := p.checkFunds(o.req, price); reason != "" {
			o.status = exchange.StatusRejected
			p.log.Info("triggered order rejected", zap.String("venue_order_id", o.id), zap.String("reason", reason))
			return
		}
		p.fill(o, price)
	}
}

func (p *Paper) slipped(side exchange.Side, price decimal.Decimal) decimal.Decimal {
	frac := p.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	noise := decimal.NewFromFloat(p.rng.Float64() * frac)
	if side == exchange.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(noise)).Round(8)
	}
	return price.Mul(decimal.NewFromInt(1).Sub(noise)).Round(8)
}

// checkFunds only guards buys; sells may open short exposure.
func (p *Paper) checkFunds(req exchange.OrderRequest, price decimal.Decimal) string {
	if req.Side != exchange.SideBuy {
		return ""
	}
	cost := req.Qty.Mul(price)
	cost = cost.Add(cost.Mul(p.cfg.FeeRate))
	free := p.balance(p.cfg.QuoteCurrency).Free
	if cost.GreaterThan(free) {
		return fmt.Sprintf("insufficient balance: need %s, have %s", cost.StringFixed(2), free.StringFixed(2))
	}
	return ""
}

func (p *Paper) fill(o *paperOrder, price decimal.Decimal) {
	value := o.req.Qty.Mul(price)
	fee := value.Mul(p.cfg.FeeRate)
	quote := p.balance(p.cfg.QuoteCurrency)
	base := p.balance(p.baseAsset(o.req.Symbol))
	if o.req.Side == exchange.SideBuy {
		quote.Free = quote.Free.Sub(value).Sub(fee)
		base.Free = base.Free.Add(o.req.Qty)
	} else {
		quote.Free = quote.Free.Add(value).Sub(fee)
		base.Free = base.Free.Sub(o.req.Qty)
	}
	o.status = exchange.StatusFilled
	o.filled = o.req.Qty
	o.avgPrice = &price
	o.fee = &fee
}

func (p *Paper) lock(o *paperOrder, price decimal.Decimal) {
	if o.req.Side != exchange.SideBuy {
		return
	}
	amount := o.req.Qty.Mul(price)
	quote := p.balance(p.cfg.QuoteCurrency)
	quote.Free = quote.Free.Sub(amount)
	quote.Locked = quote.Locked.Add(amount)
	o.locked = amount
}

func (p *Paper) unlock(o *paperOrder) {
	if o.locked.IsZero() {
		return
	}
	quote := p.balance(p.cfg.QuoteCurrency)
	quote.Free = quote.Free.Add(o.locked)
	quote.Locked = quote.Locked.Sub(o.locked)
	o.locked = decimal.Zero
}

func (p *Paper) balance(asset string) *exchange.Balance {
	b, ok := p.balances[asset]
	if !ok {
		b = &exchange.Balance{Asset: asset}
		p.balances[asset] = b
	}
	return b
}

func (p *Paper) baseAsset(symbol string) string {
	if base := strings.TrimSuffix(symbol, p.cfg.QuoteCurrency); base != "" && base != symbol {
		return base
	}
	return symbol
}

// crosses reports whether a limit order is marketable at the given price.
func crosses(side exchange.Side, market, limit decimal.Decimal) bool {
	if side == exchange.SideBuy {
		return market.LessThanOrEqual(limit)
	}
	return market.GreaterThanOrEqual(limit)
}

// triggered reports whether a stop or take-profit order fires. A SELL stop
// protects a long and fires on a fall; a SELL take-profit fires on a rise.
// BUY orders mirror that for shorts.
func triggered(req exchange.OrderRequest, market decimal.Decimal) bool {
	stop := *req.StopPrice
	falling := market.LessThanOrEqual(stop)
	rising := market.GreaterThanOrEqual(stop)
	switch {
	case req.Type == exchange.OrderTypeStopLoss && req.Side == exchange.SideSell:
		return falling
	case req.Type == exchange.OrderTypeStopLoss:
		return rising
	case req.Side == exchange.SideSell:
		return rising
	default:
		return falling
	}
}
