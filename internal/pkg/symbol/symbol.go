// Package symbol 统一交易对写法：内部使用 BTC/USDT，Binance 使用 BTCUSDT，文件名使用 BTC_USDT。
package symbol

import (
	"strings"
)

// Symbol is a trading pair split into base and quote assets.
type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Valid() bool { return s.Base != "" && s.Quote != "" }

func (s Symbol) join(sep string) string {
	if !s.Valid() {
		return ""
	}
	return s.Base + sep + s.Quote
}

// String 返回内部写法 BTC/USDT，无法拆分时为空串。
func (s Symbol) String() string { return s.join("/") }

func (s Symbol) Binance() string { return s.join("") }

// FileStem is the pair as used in output file names, e.g. BTC_USDT.
func (s Symbol) FileStem() string { return s.join("_") }

// 无分隔符时按常见计价币后缀拆分，长的优先（FDUSD 先于 USD）
var quoteCurrencies = []string{"FDUSD", "USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// Parse 接受 BTC/USDT、BTC_USDT、BTC-USDT、BTCUSDT 以及带结算币后缀的 BTC/USDT:USDT。
func Parse(raw string) Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if settle := strings.IndexByte(s, ':'); settle >= 0 {
		s = s[:settle]
	}
	if s == "" {
		return Symbol{}
	}
	if i := strings.IndexAny(s, "/_-"); i >= 0 {
		return Symbol{Base: strings.TrimSpace(s[:i]), Quote: strings.TrimSpace(s[i+1:])}
	}
	for _, quote := range quoteCurrencies {
		if base, ok := strings.CutSuffix(s, quote); ok && base != "" {
			return Symbol{Base: base, Quote: quote}
		}
	}
	return Symbol{}
}

func Normalize(s string) string {
	return Parse(s).String()
}

// ToBinance 返回 REST 参数中的写法；无法拆分时去掉分隔符原样大写。
func ToBinance(s string) string {
	if sym := Parse(s); sym.Valid() {
		return sym.Binance()
	}
	return strings.NewReplacer("/", "", "_", "", "-", "").Replace(strings.ToUpper(strings.TrimSpace(s)))
}

// FileStem falls back to the upper-cased input when the pair cannot be split.
func FileStem(s string) string {
	if stem := Parse(s).FileStem(); stem != "" {
		return stem
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeList 规范化并去重，保持首次出现的顺序；无法拆分的保留大写原文，交给交易所报错。
func NormalizeList(symbols []string) []string {
	var out []string
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			norm = strings.ToUpper(strings.TrimSpace(s))
		}
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}

func IsValid(s string) bool {
	return Parse(s).Valid()
}
