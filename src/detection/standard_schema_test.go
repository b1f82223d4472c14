package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/tradevault/backend/src/models"
)

func TestMatchesStandardSchema(t *testing.T) {
	// All required columns plus enough coverage (6 of 10).
	assert.True(t, MatchesStandardSchema([]string{"Symbol", "Side", "Quantity", "Price", "Date", "Account"}))

	// Case-insensitive header matching.
	assert.True(t, MatchesStandardSchema([]string{"symbol", "SIDE", "quantity", "price", "date", "account"}))

	// Missing a required column fails no matter the coverage.
	assert.False(t, MatchesStandardSchema([]string{"Symbol", "Quantity", "Price", "Date", "Account", "Fees", "Notes"}))

	// Required columns alone give only 40% coverage.
	assert.False(t, MatchesStandardSchema([]string{"Symbol", "Side", "Quantity", "Price"}))

	assert.False(t, MatchesStandardSchema(nil))
}

func TestStandardMappings(t *testing.T) {
	headers := []string{"Symbol", "Side", "Quantity", "Price", "Date", "Account", "Commission"}
	mappings := StandardMappings(headers)
	require.Len(t, mappings, 7)

	bySource := make(map[string]models.ColumnMapping)
	for _, m := range mappings {
		bySource[m.SourceColumn] = m
	}

	assert.Equal(t, "limitPrice", bySource["Price"].TargetColumn)
	assert.Equal(t, "orderExecutedTime", bySource["Date"].TargetColumn)
	assert.Equal(t, models.DataTypeDate, bySource["Date"].DataType)
	assert.Equal(t, "accountId", bySource["Account"].TargetColumn)
	assert.Equal(t, models.BrokerMetadataField, bySource["Commission"].TargetColumn)
	assert.Equal(t, 1.0, bySource["Symbol"].Confidence)
}
