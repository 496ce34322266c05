package wal

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestSlotKeyHashIsIdentity(t *testing.T) {
	assert.Equal(t, slotKeyHash(0), uint64(0))
	assert.Equal(t, slotKeyHash(12345), uint64(12345))
}

func TestIdentityHash64PanicsOnSecondWrite(t *testing.T) {
	var h identityHash64
	_, err := h.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.NilError(t, err)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on second write before Reset")
		}
	}()
	h.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
}
