package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entity 一个有有效期的可追踪合约。有效期为左闭右开 [ValidFrom, ValidUntil)。
type Entity struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Symbol     string    `json:"symbol"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
}

func (e Entity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entity id is required")
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("entity %s: symbol is required", e.ID)
	}
	if e.ValidUntil.IsZero() {
		return fmt.Errorf("entity %s: valid_until is required", e.ID)
	}
	if !e.ValidFrom.IsZero() && !e.ValidFrom.Before(e.ValidUntil) {
		return fmt.Errorf("entity %s: valid_from %s must be before valid_until %s",
			e.ID, e.ValidFrom.Format(time.RFC3339), e.ValidUntil.Format(time.RFC3339))
	}
	return nil
}

// DisplayLabel falls back to the id when no label was configured.
func (e Entity) DisplayLabel() string {
	if l := strings.TrimSpace(e.Label); l != "" {
		return l
	}
	return e.ID
}

// DurationSpec 固定天数的跨度，文本形式 "7 D"。
type DurationSpec struct {
	Days int
}

func Days(n int) DurationSpec { return DurationSpec{Days: n} }

func (d DurationSpec) Duration() time.Duration {
	return time.Duration(d.Days) * 24 * time.Hour
}

func (d DurationSpec) String() string {
	return fmt.Sprintf("%d D", d.Days)
}

func (d DurationSpec) Valid() bool { return d.Days > 0 }

// ParseDurationSpec accepts "7 D", "7D", "7d" or a bare day count.
func ParseDurationSpec(raw string) (DurationSpec, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSpace(strings.TrimSuffix(s, "D"))
	n, err := strconv.Atoi(s)
	if err != nil {
		return DurationSpec{}, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if n <= 0 {
		return DurationSpec{}, fmt.Errorf("invalid duration %q: must be positive", raw)
	}
	return DurationSpec{Days: n}, nil
}
