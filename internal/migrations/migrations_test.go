package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInitialSchema(t *testing.T) {
	schema, err := GetInitialSchema()
	require.NoError(t, err)

	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS conversations")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS messages")
	assert.Contains(t, schema, "idx_messages_conversation")
}
