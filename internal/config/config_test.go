package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbbridge/internal/schema"
)

func TestNamedConnectionVar(t *testing.T) {
	assert.Equal(t, "DBBRIDGE_ORDERS_URL", NamedConnectionVar("orders"))
	assert.Equal(t, "DBBRIDGE_MY_SHOP_DB_URL", NamedConnectionVar("my-shop.db"))
}

func TestResolveConnectionExplicitEnvWins(t *testing.T) {
	t.Setenv("ORDERS_DSN", "postgres://explicit")
	t.Setenv("DBBRIDGE_ORDERS_URL", "postgres://named")

	doc := &schema.Document{
		Name:     "orders",
		Metadata: schema.Metadata{Type: "postgres", ConnectionEnv: "ORDERS_DSN", Connection: "postgres://literal"},
	}
	dsn, source, err := ResolveConnection(doc)
	require.NoError(t, err)
	assert.Equal(t, "postgres://explicit", dsn)
	assert.Equal(t, SourceExplicitEnv, source)
}

func TestResolveConnectionNamingConvention(t *testing.T) {
	t.Setenv("DBBRIDGE_ORDERS_URL", "postgres://named")

	doc := &schema.Document{
		Name:     "orders",
		Metadata: schema.Metadata{Type: "postgres", Connection: "postgres://literal"},
	}
	dsn, source, err := ResolveConnection(doc)
	require.NoError(t, err)
	assert.Equal(t, "postgres://named", dsn)
	assert.Equal(t, SourceNamedEnv, source)
}

func TestResolveConnectionLiteralFallback(t *testing.T) {
	doc := &schema.Document{
		Name:     "orders",
		Metadata: schema.Metadata{Type: "postgres", Connection: "postgres://literal"},
	}
	dsn, source, err := ResolveConnection(doc)
	require.NoError(t, err)
	assert.Equal(t, "postgres://literal", dsn)
	assert.Equal(t, SourceLiteral, source)
}

func TestResolveConnectionExplicitEnvEmptyIsError(t *testing.T) {
	doc := &schema.Document{
		Name:     "orders",
		Metadata: schema.Metadata{Type: "postgres", ConnectionEnv: "DEFINITELY_UNSET_VAR_42"},
	}
	_, _, err := ResolveConnection(doc)
	require.Error(t, err)
}

func TestResolveConnectionNothingFound(t *testing.T) {
	doc := &schema.Document{Name: "orders", Metadata: schema.Metadata{Type: "postgres"}}
	_, _, err := ResolveConnection(doc)
	require.ErrorIs(t, err, ErrNoConnection)
}
