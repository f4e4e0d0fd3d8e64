package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultStore(t *testing.T) {
	assert.Nil(t, Default(), "no default store installed yet")

	s := newTestStore()
	SetDefault(s)
	assert.Same(t, s, Default())

	other := newTestStore()
	SetDefault(other)
	assert.Same(t, other, Default())
}
