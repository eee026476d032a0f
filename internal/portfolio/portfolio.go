package portfolio

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// Portfolio virtual wallet and books kept in step with the ledger.
type Portfolio struct {
	mu       sync.RWMutex
	ledger   *Ledger
	initial  map[domain.Currency]decimal.Decimal
	wallet   *Wallet
	books    map[domain.TradingPair]*Book
	reserved map[domain.Currency]decimal.Decimal
	// issues pairs whose ledger history breaks an integrity rule.
	issues map[domain.TradingPair]error
}

// State wallet and books derived from a ledger.
type State struct {
	Wallet *Wallet
	Books  map[domain.TradingPair]*Book
	// Overdrafts first overdrafted sell of each affected pair.
	Overdrafts map[domain.TradingPair]error
}

// New rebuilds the portfolio from the initial balances and the ledger content.
// Integrity violations found in the history do not fail New; they are reported by Issues.
func New(ledger *Ledger, initial map[domain.Currency]decimal.Decimal) (*Portfolio, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}

	state, err := Replay(initial, ledger.Trades())
	if err != nil {
		return nil, errors.Wrap(err, "failed to replay ledger")
	}

	p := &Portfolio{
		ledger:   ledger,
		initial:  NewWallet(initial).Balances(),
		wallet:   state.Wallet,
		books:    state.Books,
		reserved: make(map[domain.Currency]decimal.Decimal),
		issues:   state.Overdrafts,
	}
	_ = p.flagBreaches()
	return p, nil
}

// Replay folds trades in ledger order into a fresh wallet and per-pair books.
// An overdrafted sell empties its book and is reported in State.Overdrafts.
func Replay(initial map[domain.Currency]decimal.Decimal, trades []domain.Trade) (*State, error) {
	state := &State{
		Wallet:     NewWallet(initial),
		Books:      make(map[domain.TradingPair]*Book),
		Overdrafts: make(map[domain.TradingPair]error),
	}

	for _, t := range trades {
		book, ok := state.Books[t.Pair]
		if !ok {
			book = NewBook(t.Pair)
			state.Books[t.Pair] = book
		}
		if err := book.Apply(t); err != nil {
			if !errors.Is(err, domain.ErrOverdraftedSell) {
				return nil, err
			}
			if _, seen := state.Overdrafts[t.Pair]; !seen {
				state.Overdrafts[t.Pair] = err
			}
		}
		state.Wallet.Apply(t)
	}

	return state, nil
}

// ReplayBook rebuilds the book of one pair from the trades.
// On an overdrafted sell the book is still returned along with the first overdraft error.
func ReplayBook(pair domain.TradingPair, trades []domain.Trade) (*Book, error) {
	book := NewBook(pair)
	var overdraft error
	for _, t := range trades {
		if t.Pair != pair {
			continue
		}
		if err := book.Apply(t); err != nil {
			if !errors.Is(err, domain.ErrOverdraftedSell) {
				return nil, err
			}
			if overdraft == nil {
				overdraft = err
			}
		}
	}
	return book, overdraft
}

// Record durably appends a confirmed trade and updates wallet and book.
// A confirmed fill is booked even when it breaks an integrity rule: an overdrafted
// sell returns ErrOverdraftedSell and unmatched buys above the wallet balance return
// ErrHoldingExceeded, both after the append. The affected pairs are listed by Issues.
func (p *Portfolio) Record(trade domain.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[trade.Pair]
	if !ok {
		book = NewBook(trade.Pair)
	}
	next := book.Clone()
	applyErr := next.Apply(trade)
	if applyErr != nil && !errors.Is(applyErr, domain.ErrOverdraftedSell) {
		return applyErr
	}

	if err := p.ledger.Append(trade); err != nil {
		return err
	}

	p.books[trade.Pair] = next
	p.wallet.Apply(trade)

	if applyErr != nil {
		p.issues[trade.Pair] = applyErr
		return applyErr
	}
	return p.flagBreaches()
}

// Issues returns the pairs whose history breaks an integrity rule, with the violation.
func (p *Portfolio) Issues() map[domain.TradingPair]error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[domain.TradingPair]error, len(p.issues))
	for pair, err := range p.issues {
		out[pair] = err
	}
	return out
}

// WalletBalances returns the balance of every currency touched so far.
func (p *Portfolio) WalletBalances() map[domain.Currency]decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wallet.Balances()
}

// Balance returns the wallet balance of one currency.
func (p *Portfolio) Balance(c domain.Currency) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wallet.Balance(c)
}

// Available returns the balance of c that may be spent: funds reserved by in-flight
// buys and the unmatched buys of pairs with base c are held back. Never negative.
func (p *Portfolio) Available(c domain.Currency) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available(c)
}

// TryReserve atomically reserves amount of c if the available balance covers it.
func (p *Portfolio) TryReserve(c domain.Currency, amount decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available(c).LessThan(amount) {
		return false
	}
	p.reserved[c] = p.reserved[c].Add(amount)
	return true
}

func (p *Portfolio) available(c domain.Currency) decimal.Decimal {
	free := p.wallet.Balance(c).Sub(p.reserved[c]).Sub(p.committed(c))
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// committed returns the unmatched amount of c bought through pairs with base c.
func (p *Portfolio) committed(c domain.Currency) decimal.Decimal {
	total := decimal.Zero
	for pair, book := range p.books {
		if pair.Base == c {
			total = total.Add(book.Holding())
		}
	}
	return total
}

// Release returns reserved funds.
func (p *Portfolio) Release(c domain.Currency, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	left := p.reserved[c].Sub(amount)
	if !left.IsPositive() {
		delete(p.reserved, c)
		return
	}
	p.reserved[c] = left
}

// Reserved returns the funds currently held back for in-flight buys.
func (p *Portfolio) Reserved() map[domain.Currency]decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[domain.Currency]decimal.Decimal, len(p.reserved))
	for c, amount := range p.reserved {
		out[c] = amount
	}
	return out
}

// Book returns a copy of the incrementally maintained book of the pair.
func (p *Portfolio) Book(pair domain.TradingPair) *Book {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if book, ok := p.books[pair]; ok {
		return book.Clone()
	}
	return NewBook(pair)
}

// BookFor rebuilds the book of the pair by replaying the ledger.
func (p *Portfolio) BookFor(pair domain.TradingPair) (*Book, error) {
	return ReplayBook(pair, p.ledger.Trades())
}

// Trades returns a copy of the ledger.
func (p *Portfolio) Trades() []domain.Trade {
	return p.ledger.Trades()
}

// HasClientOrder reports whether a trade of the client order id is already recorded.
func (p *Portfolio) HasClientOrder(clientOrderID string) bool {
	return p.ledger.HasClientOrder(clientOrderID)
}

// Verify checks that the incremental state equals a full replay and
// that unmatched buys never exceed the wallet holding.
func (p *Portfolio) Verify() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, err := Replay(p.initial, p.ledger.Trades())
	if err != nil {
		return errors.Wrap(err, "failed to replay ledger")
	}
	wallet, books := state.Wallet, state.Books

	if !wallet.Equal(p.wallet) {
		return errors.New("wallet differs from ledger replay")
	}

	for pair, book := range p.books {
		replayed, ok := books[pair]
		if !ok {
			replayed = NewBook(pair)
		}
		if !replayed.Equal(book) {
			return errors.Errorf("book %s differs from ledger replay", pair.String())
		}
	}
	for pair, replayed := range books {
		if _, ok := p.books[pair]; !ok && replayed.CanSell() > 0 {
			return errors.Errorf("book %s missing", pair.String())
		}
	}

	return p.checkHoldings()
}

// checkHoldings verifies that unmatched buys of every base currency fit in the wallet.
func (p *Portfolio) checkHoldings() error {
	if breached := p.breaches(); len(breached) > 0 {
		return p.holdingErr(breached[0])
	}
	return nil
}

// flagBreaches marks every pair holding a currency whose unmatched buys exceed the
// wallet balance and returns the first violation.
func (p *Portfolio) flagBreaches() error {
	var first error
	for _, c := range p.breaches() {
		err := p.holdingErr(c)
		for pair, book := range p.books {
			if pair.Base == c && book.Holding().IsPositive() {
				if _, ok := p.issues[pair]; !ok {
					p.issues[pair] = err
				}
			}
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// breaches returns the currencies whose unmatched buys exceed the wallet balance, sorted.
func (p *Portfolio) breaches() []domain.Currency {
	unmatched := make(map[domain.Currency]decimal.Decimal)
	for pair, book := range p.books {
		unmatched[pair.Base] = unmatched[pair.Base].Add(book.Holding())
	}

	var out []domain.Currency
	for c, amount := range unmatched {
		if amount.IsPositive() && amount.GreaterThan(p.wallet.Balance(c)) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Portfolio) holdingErr(c domain.Currency) error {
	return errors.Wrapf(domain.ErrHoldingExceeded, "unmatched %s %s exceeds wallet balance %s",
		c.String(), p.committed(c).String(), p.wallet.Balance(c).String())
}

// Pairs returns the pairs that have a book, sorted by code.
func (p *Portfolio) Pairs() []domain.TradingPair {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.TradingPair, 0, len(p.books))
	for pair := range p.books {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
