package mapping

import (
	"strings"

	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
)

// TransformerFunc is a pure string-to-string cleanup applied to a cell value
// before type coercion.
type TransformerFunc func(string) string

// transformerRegistry is the string-keyed dispatch table of named
// transformers referenced by field mappings. Formats store transformer names,
// never code.
var transformerRegistry = map[string]TransformerFunc{
	"trim":               strings.TrimSpace,
	"uppercase":          func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) },
	"removeCurrency":     RemoveCurrency,
	"parseQuantity":      ParseQuantity,
	"sideMapping":        func(s string) string { return string(NormalizeOrderSide(s)) },
	"tradeSideMapping":   func(s string) string { return string(NormalizeTradeSide(s)) },
	"parseOrderDateTime": NormalizeDateTimeString,
}

// ResolveTransformer looks up a named transformer, falling back to identity
// for unknown names so a stale format never breaks ingestion.
func ResolveTransformer(name string) TransformerFunc {
	if name == "" {
		return func(s string) string { return s }
	}
	if fn, ok := transformerRegistry[name]; ok {
		return fn
	}
	logger.L.Warn("Unknown transformer name, using identity", "transformer", name)
	return func(s string) string { return s }
}

// RemoveCurrency strips currency symbols, thousands separators and wrapping
// parentheses (accounting-style negatives) from a numeric string.
func RemoveCurrency(s string) string {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	if negative && !strings.HasPrefix(s, "-") {
		s = "-" + s
	}
	return s
}

// ParseQuantity strips separators and the +/- sign decoration some brokers
// put on share quantities.
func ParseQuantity(s string) string {
	s = RemoveCurrency(s)
	return strings.TrimPrefix(s, "+")
}

// NormalizeDateTimeString collapses the whitespace quirks broker exports put
// in timestamps; actual parsing happens during coercion.
func NormalizeDateTimeString(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	return strings.Join(strings.Fields(s), " ")
}

// orderSideVocabulary maps broker-specific side words onto BUY/SELL.
var orderSideVocabulary = map[string]models.OrderSide{
	"BUY": models.SideBuy, "B": models.SideBuy, "BOT": models.SideBuy,
	"BOUGHT": models.SideBuy, "YOU BOUGHT": models.SideBuy,
	"BUY TO OPEN": models.SideBuy, "BTO": models.SideBuy,
	"BUY TO COVER": models.SideBuy, "BTC": models.SideBuy,

	"SELL": models.SideSell, "S": models.SideSell, "SLD": models.SideSell,
	"SOLD": models.SideSell, "YOU SOLD": models.SideSell,
	"SELL TO CLOSE": models.SideSell, "STC": models.SideSell,
	"SELL SHORT": models.SideSell, "STO": models.SideSell,
	"SELL TO OPEN": models.SideSell, "SS": models.SideSell,
}

// tradeSideVocabulary extends the order vocabulary with the short-selling
// directions trade-level records keep distinct.
var tradeSideVocabulary = map[string]models.TradeSide{
	"BUY": models.TradeSideBuy, "B": models.TradeSideBuy, "BOT": models.TradeSideBuy,
	"BOUGHT": models.TradeSideBuy, "YOU BOUGHT": models.TradeSideBuy,
	"BUY TO OPEN": models.TradeSideBuy, "BTO": models.TradeSideBuy,

	"SELL": models.TradeSideSell, "S": models.TradeSideSell, "SLD": models.TradeSideSell,
	"SOLD": models.TradeSideSell, "YOU SOLD": models.TradeSideSell,
	"SELL TO CLOSE": models.TradeSideSell, "STC": models.TradeSideSell,

	"SHORT": models.TradeSideShort, "SS": models.TradeSideShort,
	"SELL SHORT": models.TradeSideShort, "SELL TO OPEN": models.TradeSideShort,
	"STO": models.TradeSideShort,

	"COVER": models.TradeSideCover, "BUY TO COVER": models.TradeSideCover,
	"BTC": models.TradeSideCover,
}

// NormalizeOrderSide maps a broker side token onto the canonical BUY/SELL
// vocabulary. Unknown tokens come back empty.
func NormalizeOrderSide(raw string) models.OrderSide {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if side, ok := orderSideVocabulary[token]; ok {
		return side
	}
	// Some exports decorate the side with order details ("Bought 100 AAPL").
	// Longest phrase wins so "SELL TO OPEN ..." never collapses to SELL.
	if phrase := longestPrefixPhrase(token, orderSidePhrases()); phrase != "" {
		return orderSideVocabulary[phrase]
	}
	return ""
}

// NormalizeTradeSide maps a broker side token onto BUY/SELL/SHORT/COVER.
func NormalizeTradeSide(raw string) models.TradeSide {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if side, ok := tradeSideVocabulary[token]; ok {
		return side
	}
	if phrase := longestPrefixPhrase(token, tradeSidePhrases()); phrase != "" {
		return tradeSideVocabulary[phrase]
	}
	return ""
}

func orderSidePhrases() []string {
	phrases := make([]string, 0, len(orderSideVocabulary))
	for p := range orderSideVocabulary {
		phrases = append(phrases, p)
	}
	return phrases
}

func tradeSidePhrases() []string {
	phrases := make([]string, 0, len(tradeSideVocabulary))
	for p := range tradeSideVocabulary {
		phrases = append(phrases, p)
	}
	return phrases
}

func longestPrefixPhrase(token string, phrases []string) string {
	best := ""
	for _, phrase := range phrases {
		if len(phrase) <= 1 || len(phrase) <= len(best) {
			continue
		}
		if strings.HasPrefix(token, phrase) {
			best = phrase
		}
	}
	return best
}
