package gorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullString(t *testing.T) {
	assert.False(t, nullString("").Valid)

	ns := nullString("ex-1")
	assert.True(t, ns.Valid)
	assert.Equal(t, "ex-1", ns.String)
}
