package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_Compare(t *testing.T) {
	t.Run("higher version wins", func(t *testing.T) {
		a := Value{Originator: "node-1", Version: 2}
		b := Value{Originator: "node-2", Version: 1, TTLVersion: 100}
		assert.Equal(t, 1, a.Compare(&b))
		assert.Equal(t, -1, b.Compare(&a))
	})

	t.Run("higher ttl version breaks version tie", func(t *testing.T) {
		a := Value{Originator: "node-1", Version: 5, TTLVersion: 3}
		b := Value{Originator: "node-2", Version: 5, TTLVersion: 2}
		assert.Equal(t, 1, a.Compare(&b))
		assert.Equal(t, -1, b.Compare(&a))
	})

	t.Run("higher originator breaks remaining tie", func(t *testing.T) {
		a := Value{Originator: "node-b", Version: 5, TTLVersion: 1}
		b := Value{Originator: "node-a", Version: 5, TTLVersion: 1}
		assert.Equal(t, 1, a.Compare(&b))
		assert.Equal(t, -1, b.Compare(&a))
	})

	t.Run("identical ordering fields tie", func(t *testing.T) {
		a := Value{Originator: "node-1", Version: 5, TTLVersion: 1}
		b := Value{Originator: "node-1", Version: 5, TTLVersion: 1}
		assert.Equal(t, 0, a.Compare(&b))
	})
}

func TestValue_Sum(t *testing.T) {
	t.Run("ttl insensitive", func(t *testing.T) {
		a := Value{Originator: "node-1", Version: 1, Payload: []byte("foo"), TTL: 1000, TTLVersion: 1}
		b := Value{Originator: "node-1", Version: 1, Payload: []byte("foo"), TTL: 500, TTLVersion: 9}
		assert.Equal(t, a.Sum(), b.Sum())
	})

	t.Run("payload sensitive", func(t *testing.T) {
		a := Value{Originator: "node-1", Version: 1, Payload: []byte("foo")}
		b := Value{Originator: "node-1", Version: 1, Payload: []byte("bar")}
		assert.NotEqual(t, a.Sum(), b.Sum())
	})

	t.Run("version sensitive", func(t *testing.T) {
		a := Value{Originator: "node-1", Version: 1, Payload: []byte("foo")}
		b := Value{Originator: "node-1", Version: 2, Payload: []byte("foo")}
		assert.NotEqual(t, a.Sum(), b.Sum())
	})
}

func TestValue_Verify(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		v := Value{Originator: "node-1", Version: 1, TTL: 1000}
		assert.NoError(t, v.Verify())
	})

	t.Run("missing originator", func(t *testing.T) {
		v := Value{Version: 1}
		assert.Error(t, v.Verify())
	})

	t.Run("invalid version", func(t *testing.T) {
		v := Value{Originator: "node-1", Version: 0}
		assert.Error(t, v.Verify())
	})

	t.Run("negative ttl clamped", func(t *testing.T) {
		v := Value{Originator: "node-1", Version: 1, TTL: -500}
		assert.NoError(t, v.Verify())
		assert.Equal(t, int64(0), v.TTL)
	})
}
