package market

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultLookbackDays = 90

// EntityFile 实体清单文件。series=true 时按到期日串联，前一个合约的到期即后一个的起点。
type EntityFile struct {
	Series              bool         `yaml:"series"`
	DefaultLookbackDays int          `yaml:"default_lookback_days"`
	Entities            []EntitySpec `yaml:"entities"`
}

type EntitySpec struct {
	ID         string `yaml:"id"`
	Label      string `yaml:"label"`
	Symbol     string `yaml:"symbol"`
	Expiry     string `yaml:"expiry"`
	ValidFrom  string `yaml:"valid_from"`
	ValidUntil string `yaml:"valid_until"`
}

func LoadEntityFile(path string) (*EntityFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entity file %s: %w", path, err)
	}
	return ParseEntityFile(raw)
}

func ParseEntityFile(raw []byte) (*EntityFile, error) {
	var f EntityFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode entity file: %w", err)
	}
	return &f, nil
}

// Resolve 把清单转为 Entity 列表。loc 用于解释不带偏移的时间；lookbackDays<=0 时使用文件或默认值。
func (f *EntityFile) Resolve(loc *time.Location, lookbackDays int) ([]Entity, error) {
	if f == nil {
		return nil, nil
	}
	if lookbackDays <= 0 {
		lookbackDays = f.DefaultLookbackDays
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	lookback := Days(lookbackDays).Duration()

	type resolved struct {
		entity      Entity
		explicitFrm bool
	}
	items := make([]resolved, 0, len(f.Entities))
	seen := make(map[string]struct{}, len(f.Entities))
	for i, spec := range f.Entities {
		e, explicit, err := spec.resolve(loc)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("entities[%d]: duplicate id %s", i, e.ID)
		}
		seen[e.ID] = struct{}{}
		items = append(items, resolved{entity: e, explicitFrm: explicit})
	}

	if f.Series {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].entity.ValidUntil.Before(items[j].entity.ValidUntil)
		})
	}
	out := make([]Entity, 0, len(items))
	for i, it := range items {
		e := it.entity
		if !it.explicitFrm {
			if f.Series && i > 0 {
				e.ValidFrom = items[i-1].entity.ValidUntil
			} else {
				e.ValidFrom = e.ValidUntil.Add(-lookback)
			}
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s EntitySpec) resolve(loc *time.Location) (Entity, bool, error) {
	e := Entity{
		ID:     strings.TrimSpace(s.ID),
		Label:  strings.TrimSpace(s.Label),
		Symbol: strings.TrimSpace(s.Symbol),
	}
	if e.Symbol == "" {
		e.Symbol = e.ID
	}
	if e.ID == "" {
		e.ID = e.Symbol
	}
	if e.ID == "" {
		return Entity{}, false, fmt.Errorf("id or symbol is required")
	}
	until := strings.TrimSpace(s.ValidUntil)
	if until == "" {
		until = strings.TrimSpace(s.Expiry)
	}
	if until == "" {
		return Entity{}, false, fmt.Errorf("entity %s: valid_until or expiry is required", e.ID)
	}
	t, err := parseBoundary(until, loc, true)
	if err != nil {
		return Entity{}, false, fmt.Errorf("entity %s: valid_until: %w", e.ID, err)
	}
	e.ValidUntil = t
	if from := strings.TrimSpace(s.ValidFrom); from != "" {
		t, err := parseBoundary(from, loc, false)
		if err != nil {
			return Entity{}, false, fmt.Errorf("entity %s: valid_from: %w", e.ID, err)
		}
		e.ValidFrom = t
		return e, true, nil
	}
	return e, false, nil
}
