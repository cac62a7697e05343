package pricing

import "github.com/smallbiznis/taleforge/internal/config"

// Provider hands out a Table built from the latest pricing snapshot, so a
// reload is observed by every caller at the same moment.
type Provider interface {
	Table() *Table
}

type holderProvider struct {
	holder *config.PricingConfigHolder
}

func NewProvider(holder *config.PricingConfigHolder) Provider {
	return &holderProvider{holder: holder}
}

func (p *holderProvider) Table() *Table {
	return NewTable(p.holder.Get())
}

type staticProvider struct {
	table *Table
}

// Static returns a Provider pinned to cfg.
func Static(cfg config.PricingConfig) Provider {
	return staticProvider{table: NewTable(cfg)}
}

func (p staticProvider) Table() *Table {
	return p.table
}
