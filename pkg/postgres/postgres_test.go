package postgres

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDSN(t *testing.T) {
	// Arrange
	cfg := Config{Host: "db", Port: "5432", User: "checkout", Password: "pass", Name: "checkout_db", SSLMode: "disable"}

	// Act
	dsn := cfg.DSN()

	// Assert
	assert.Equal(t, "postgres://checkout:pass@db:5432/checkout_db?sslmode=disable", dsn)
}

func TestConfigDSN_EscapesCredentials(t *testing.T) {
	// Arrange
	cfg := Config{Host: "db", Port: "5432", User: "app@corp", Password: "p@ss:w/rd?#", Name: "checkout_db", SSLMode: "require"}

	// Act
	u, err := url.Parse(cfg.DSN())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "app@corp", u.User.Username())
	password, ok := u.User.Password()
	assert.True(t, ok)
	assert.Equal(t, "p@ss:w/rd?#", password)
	assert.Equal(t, "db:5432", u.Host)
	assert.Equal(t, "/checkout_db", u.Path)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
}
