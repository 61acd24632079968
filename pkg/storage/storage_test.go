package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSNAppendsDatabaseToKeywordForm(t *testing.T) {
	got := dsn(Config{URI: "host=localhost user=fleet sslmode=disable", Database: "gv50"})
	assert.Equal(t, "host=localhost user=fleet sslmode=disable dbname=gv50", got)
}

func TestDSNLeavesExplicitDbnameAlone(t *testing.T) {
	uri := "host=localhost dbname=other"
	assert.Equal(t, uri, dsn(Config{URI: uri, Database: "gv50"}))
}

func TestDSNLeavesURLFormAlone(t *testing.T) {
	uri := "postgres://fleet@localhost/gv50?sslmode=disable"
	assert.Equal(t, uri, dsn(Config{URI: uri, Database: "gv50"}))
}
