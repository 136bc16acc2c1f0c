// Package symbol 统一合约代码的写法。
package symbol

import (
	"strings"
)

// Symbol 交易对加可选的交割日（YYMMDD），永续合约 Delivery 为空。
type Symbol struct {
	Base     string
	Quote    string
	Delivery string
}

func (s Symbol) Valid() bool {
	return s.Base != "" && s.Quote != ""
}

// Internal 形如 BTC/USDT 或 BTC/USDT-231229。
func (s Symbol) Internal() string {
	if !s.Valid() {
		return ""
	}
	out := s.Base + "/" + s.Quote
	if s.Delivery != "" {
		out += "-" + s.Delivery
	}
	return out
}

// Binance 形如 BTCUSDT 或 BTCUSDT_231229。
func (s Symbol) Binance() string {
	if !s.Valid() {
		return ""
	}
	out := s.Base + s.Quote
	if s.Delivery != "" {
		out += "_" + s.Delivery
	}
	return out
}

var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}

// Parse 接受 BTCUSDT、BTC/USDT、BTC/USDT:USDT、BTCUSDT_231229、BTC/USDT:USDT-231229 等写法。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	var delivery string
	if idx := strings.IndexAny(s, "_-"); idx >= 0 {
		delivery = strings.TrimSpace(s[idx+1:])
		s = s[:idx]
		if !isDigits(delivery) {
			return Symbol{}
		}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:     strings.TrimSpace(parts[0]),
			Quote:    strings.TrimSpace(parts[1]),
			Delivery: delivery,
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:     s[:len(s)-len(quote)],
				Quote:    quote,
				Delivery: delivery,
			}
		}
	}
	return Symbol{}
}

// ToBinance 无法识别时原样返回大写形式，交给交易所判定。
func ToBinance(raw string) string {
	if sym := Parse(raw); sym.Valid() {
		return sym.Binance()
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
