package cli

import (
	"encoding/json"
	"testing"

	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsCommand(t *testing.T) {
	t.Run("should print a table of every provider", func(t *testing.T) {
		output, err := execute(t, "models")
		require.NoError(t, err)

		assert.Contains(t, output, "PROVIDER")
		assert.Contains(t, output, "anthropic:claude-sonnet-4-5")
	})

	t.Run("should filter by provider as JSON", func(t *testing.T) {
		output, err := execute(t, "models", "--provider", "anthropic", "--json")
		require.NoError(t, err)

		var catalog registry.Catalog
		require.NoError(t, json.Unmarshal([]byte(output), &catalog))
		assert.NotEmpty(t, catalog.ModelsByProvider["anthropic"])
		assert.Empty(t, catalog.ModelsByProvider["openai"])
	})

	t.Run("should reject an unknown provider", func(t *testing.T) {
		_, err := execute(t, "models", "--provider", "acme")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider")
	})
}
