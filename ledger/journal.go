package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Journal posts template transactions against a Store. It implements both
// Poster and LimitEvaluator.
type Journal struct {
	store     Store
	templates map[string]Template
	limits    LimitEvaluator
	clock     types.Clock
	logger    *slog.Logger
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithTemplates registers additional or replacement templates.
func WithTemplates(ts ...Template) JournalOption {
	return func(j *Journal) {
		for _, t := range ts {
			j.templates[t.Code] = t
		}
	}
}

// WithLimitEvaluator replaces the limit evaluator used by Post.
func WithLimitEvaluator(le LimitEvaluator) JournalOption {
	return func(j *Journal) { j.limits = le }
}

// WithClock sets the clock used to stamp postings.
func WithClock(c types.Clock) JournalOption {
	return func(j *Journal) { j.clock = c }
}

// WithJournalLogger sets the logger.
func WithJournalLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// NewJournal creates a journal with the default templates.
func NewJournal(s Store, opts ...JournalOption) *Journal {
	j := &Journal{
		store:     s,
		templates: make(map[string]Template),
		clock:     types.SystemClock{},
		logger:    slog.Default(),
	}
	for _, t := range DefaultTemplates() {
		j.templates[t.Code] = t
	}
	j.limits = j
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Template returns a registered template.
func (j *Journal) Template(code string) (Template, error) {
	t, ok := j.templates[code]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, code)
	}
	return t, nil
}

// Post builds the template's entries from p and posts them atomically with
// the caller's transaction. A non-empty idempotencyKey that was already
// posted returns the original transaction without posting again.
func (j *Journal) Post(ctx context.Context, templateCode string, p Params, idempotencyKey string) (*Transaction, error) {
	var posted *Transaction
	err := j.store.RunInTx(ctx, func(ctx context.Context) error {
		tx, err := j.post(ctx, templateCode, p, idempotencyKey)
		posted = tx
		return err
	})
	if err != nil {
		return nil, err
	}
	return posted, nil
}

func (j *Journal) post(ctx context.Context, code string, p Params, key string) (*Transaction, error) {
	if key != "" {
		existing, err := j.store.GetTransactionByKey(ctx, key)
		switch {
		case err == nil:
			if existing.TemplateCode != code {
				return nil, fmt.Errorf("%w: %q posted as %s", ErrIdempotencyConflict, key, existing.TemplateCode)
			}
			return existing, nil
		case !errors.Is(err, ErrTransactionNotFound):
			return nil, err
		}
	}

	tmpl, err := j.Template(code)
	if err != nil {
		return nil, err
	}

	inputs, err := tmpl.build(p)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTransaction, code)
	}
	if err := checkBalanced(inputs); err != nil {
		return nil, fmt.Errorf("%s: %w", code, err)
	}

	accounts := make(map[id.AccountID]*Account)
	for _, in := range inputs {
		if _, ok := accounts[in.AccountID]; ok {
			continue
		}
		a, err := j.store.GetAccount(ctx, in.AccountID)
		if err != nil {
			return nil, err
		}
		accounts[in.AccountID] = a
	}

	now := j.clock.Now().UTC()
	effective := p.EffectiveDate
	if effective.IsZero() {
		effective = now
	}

	tx := &Transaction{
		ID:             id.NewTransactionID(),
		TemplateCode:   code,
		IdempotencyKey: key,
		Description:    p.Description,
		EffectiveDate:  effective,
		PostedAt:       now,
		Metadata:       p.Metadata,
	}
	if tx.Description == "" {
		tx.Description = tmpl.Description
	}

	keys := make([]BalanceKey, 0, len(inputs))
	seen := make(map[BalanceKey]bool)
	for i, in := range inputs {
		a := accounts[in.AccountID]
		if a.Currency != in.Amount.Currency {
			return nil, fmt.Errorf("%w: %s is %s, entry is %s", ErrCurrencyMismatch, a.Code, a.Currency, in.Amount.Currency)
		}
		tx.Entries = append(tx.Entries, Entry{
			ID:            id.NewEntryID(),
			TransactionID: tx.ID,
			AccountID:     in.AccountID,
			Side:          in.Side,
			Layer:         in.Layer,
			Amount:        in.Amount,
			Sequence:      i + 1,
		})
		k := BalanceKey{AccountID: in.AccountID, Currency: in.Amount.Currency, Layer: in.Layer}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	// Lock in a stable order so concurrent postings cannot deadlock.
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].AccountID.String() != keys[b].AccountID.String() {
			return keys[a].AccountID.String() < keys[b].AccountID.String()
		}
		if keys[a].Currency != keys[b].Currency {
			return keys[a].Currency < keys[b].Currency
		}
		return keys[a].Layer < keys[b].Layer
	})

	current, err := j.store.LockBalances(ctx, keys)
	if err != nil {
		return nil, err
	}

	projected := make(map[BalanceKey]Balance, len(keys))
	for _, k := range keys {
		b := current[k]
		b.Key = k
		projected[k] = b
	}
	for _, e := range tx.Entries {
		k := BalanceKey{AccountID: e.AccountID, Currency: e.Amount.Currency, Layer: e.Layer}
		b := projected[k]
		b.apply(e)
		projected[k] = b
	}

	projections := make([]Projection, 0, len(keys))
	updates := make([]Balance, 0, len(keys))
	for _, k := range keys {
		b := projected[k]
		b.Version++
		b.UpdatedAt = now
		projections = append(projections, Projection{Account: accounts[k.AccountID], Balance: b})
		updates = append(updates, b)
	}

	if err := j.limits.EvaluateLimits(ctx, projections); err != nil {
		var ve *VelocityError
		if errors.As(err, &ve) {
			ve.TemplateCode = code
			j.logger.Warn("ledger posting rejected",
				"template", code,
				"idempotency_key", key,
				"violations", len(ve.Violations),
			)
		}
		return nil, err
	}

	if err := j.store.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := j.store.SaveBalances(ctx, updates); err != nil {
		return nil, err
	}

	j.logger.Debug("ledger transaction posted",
		"template", code,
		"transaction_id", tx.ID.String(),
		"entries", len(tx.Entries),
	)
	return tx, nil
}

// EvaluateLimits implements LimitEvaluator using the limits in the store.
func (j *Journal) EvaluateLimits(ctx context.Context, projected []Projection) error {
	if len(projected) == 0 {
		return nil
	}

	ids := make([]id.AccountID, 0, len(projected))
	for _, p := range projected {
		ids = append(ids, p.Account.ID)
	}
	limits, err := j.store.ListVelocityLimits(ctx, ids)
	if err != nil {
		return err
	}

	var violations []Violation
	for _, p := range projected {
		normal := p.Balance.Normal(p.Account.NormalSide)
		for _, l := range limits {
			if l.AccountID != p.Account.ID || l.Currency != p.Balance.Key.Currency || l.Layer != p.Balance.Key.Layer {
				continue
			}
			if l.allows(normal.Amount) {
				continue
			}
			violations = append(violations, Violation{
				LimitID:   l.ID,
				LimitName: l.Name,
				AccountID: p.Account.ID,
				Currency:  l.Currency,
				Layer:     l.Layer,
				Balance:   normal.Amount,
				Min:       l.Min,
				Max:       l.Max,
			})
		}
	}
	if len(violations) > 0 {
		return &VelocityError{Violations: violations}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Accounts and balances
// ──────────────────────────────────────────────────

// AccountSpec describes an account to open.
type AccountSpec struct {
	Code        string
	Name        string
	NormalSide  Side
	Currency    string
	NonNegative bool
	Metadata    map[string]string
}

// EnsureAccount returns the account with spec.Code, creating it (and its
// non-negative limit when requested) if it does not exist.
func (j *Journal) EnsureAccount(ctx context.Context, spec AccountSpec) (*Account, error) {
	var out *Account
	err := j.store.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := j.store.GetAccountByCode(ctx, spec.Code)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}

		a := &Account{
			Entity:     types.NewEntityAt(j.clock.Now().UTC()),
			ID:         id.NewAccountID(),
			Code:       spec.Code,
			Name:       spec.Name,
			NormalSide: spec.NormalSide,
			Currency:   spec.Currency,
			Metadata:   spec.Metadata,
		}
		if err := j.store.CreateAccount(ctx, a); err != nil {
			return err
		}
		if spec.NonNegative {
			l := NonNegative(a.ID, a.Currency)
			l.CreatedAt = a.CreatedAt
			if err := j.store.CreateVelocityLimit(ctx, l); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	return out, err
}

// AddLimit attaches a velocity limit to an account.
func (j *Journal) AddLimit(ctx context.Context, l *VelocityLimit) error {
	if l.ID.IsNil() {
		l.ID = id.NewLimitID()
	}
	if l.Layer == "" {
		l.Layer = LayerSettled
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = j.clock.Now().UTC()
	}
	if _, err := j.store.GetAccount(ctx, l.AccountID); err != nil {
		return err
	}
	return j.store.CreateVelocityLimit(ctx, l)
}

// Balance returns the normal-side balance of an account for a layer.
func (j *Journal) Balance(ctx context.Context, accountID id.AccountID, layer Layer) (types.Money, error) {
	a, err := j.store.GetAccount(ctx, accountID)
	if err != nil {
		return types.Money{}, err
	}
	b, err := j.store.GetBalance(ctx, BalanceKey{AccountID: accountID, Currency: a.Currency, Layer: layer})
	if err != nil {
		return types.Money{}, err
	}
	b.Key.Currency = a.Currency
	return b.Normal(a.NormalSide), nil
}

// Transaction returns a posted transaction.
func (j *Journal) Transaction(ctx context.Context, txID id.TransactionID) (*Transaction, error) {
	return j.store.GetTransaction(ctx, txID)
}

// Entries lists the entries posted to an account.
func (j *Journal) Entries(ctx context.Context, accountID id.AccountID, q EntryQuery) ([]Entry, error) {
	return j.store.ListEntries(ctx, accountID, q)
}
