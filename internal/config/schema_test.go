package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaDescribesFleetFile(t *testing.T) {
	data, err := SchemaJSON()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, false, doc["additionalProperties"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"total_shards", "total_clusters", "worker", "timeouts", "watch", "log"} {
		require.Contains(t, props, key)
	}

	shards := props["total_shards"].(map[string]any)
	require.Len(t, shards["oneOf"], 2)

	timeouts := props["timeouts"].(map[string]any)["properties"].(map[string]any)
	require.Contains(t, timeouts["request"], "oneOf")
}
