package mapping

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

func TestRemoveCurrency(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"$1,234.56", "1234.56"},
		{"€99,00", "9900"},
		{"£ 15.00", "15.00"},
		{"(42.50)", "-42.50"},
		{"($1,000.00)", "-1000.00"},
		{"-12.34", "-12.34"},
		{"  189.34  ", "189.34"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, RemoveCurrency(tc.in), "input %q", tc.in)
	}
}

func TestParseQuantity(t *testing.T) {
	assert.Equal(t, "100", ParseQuantity("+100"))
	assert.Equal(t, "-100", ParseQuantity("-100"))
	assert.Equal(t, "1500", ParseQuantity("1,500"))
}

func TestNormalizeOrderSide(t *testing.T) {
	tests := []struct {
		in   string
		want models.OrderSide
	}{
		{"BUY", models.SideBuy},
		{"buy", models.SideBuy},
		{"B", models.SideBuy},
		{"BOT", models.SideBuy},
		{"You Bought", models.SideBuy},
		{"Buy to Open", models.SideBuy},
		{"BTO", models.SideBuy},
		{"Buy to Cover", models.SideBuy},
		{"SELL", models.SideSell},
		{"SLD", models.SideSell},
		{"Sold", models.SideSell},
		{"Sell Short", models.SideSell},
		{"STO", models.SideSell},
		{"Sell to Close", models.SideSell},
		{"hold", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeOrderSide(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeOrderSideLongestPhraseWins(t *testing.T) {
	// "SELL TO OPEN 1 AAPL" must resolve via the full phrase, not plain SELL.
	assert.Equal(t, models.SideSell, NormalizeOrderSide("Sell to Open 1 AAPL 100 Call"))
	// Decorated buys collapse to the phrase prefix.
	assert.Equal(t, models.SideBuy, NormalizeOrderSide("Bought 100 AAPL @ 189.34"))
}

func TestNormalizeTradeSide(t *testing.T) {
	tests := []struct {
		in   string
		want models.TradeSide
	}{
		{"BUY", models.TradeSideBuy},
		{"SELL", models.TradeSideSell},
		{"Sell Short", models.TradeSideShort},
		{"SS", models.TradeSideShort},
		{"STO", models.TradeSideShort},
		{"Buy to Cover", models.TradeSideCover},
		{"BTC", models.TradeSideCover},
		{"unknown", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeTradeSide(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeSideDeterministic(t *testing.T) {
	// Prefix fallback iterates a map; the longest-phrase rule must make the
	// outcome stable across runs.
	for i := 0; i < 50; i++ {
		assert.Equal(t, models.TradeSideShort, NormalizeTradeSide("Sell Short 100 GME"))
		assert.Equal(t, models.SideSell, NormalizeOrderSide("Sell to Close leg 2"))
	}
}

func TestResolveTransformerUnknownIsIdentity(t *testing.T) {
	fn := ResolveTransformer("definitely-not-registered")
	assert.Equal(t, "  raw  ", fn("  raw  "))

	fn = ResolveTransformer("")
	assert.Equal(t, "x", fn("x"))

	fn = ResolveTransformer("uppercase")
	assert.Equal(t, "AAPL", fn(" aapl "))
}
