package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func key(b byte) Key {
	var k Key
	for i := range k {
		k[i] = b + byte(i)
	}
	return k
}

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(0),
		"sqlite": openSQLite(t),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			const high = uint64(0xfedcba9876543210)

			require.ErrorIs(t, s.LookupKey(1, nil), ErrKeyNotFound)
			require.NoError(t, s.AddKey(1, key(1)))
			require.NoError(t, s.AddKey(high, key(9)))
			require.ErrorIs(t, s.AddKey(1, key(2)), ErrKeyExists, "keys are never overwritten")

			var got Key
			require.NoError(t, s.LookupKey(1, &got))
			require.Equal(t, key(1), got)
			require.NoError(t, s.LookupKey(high, &got))
			require.Equal(t, key(9), got)
			require.NoError(t, s.LookupKey(high, nil))

			ids, err := s.List()
			require.NoError(t, err)
			require.Equal(t, []uint64{1, high}, ids)

			require.NoError(t, s.DeleteKey(1))
			require.ErrorIs(t, s.DeleteKey(1), ErrKeyNotFound)
			require.ErrorIs(t, s.LookupKey(1, &got), ErrKeyNotFound)

			require.NoError(t, s.AddKey(1, key(3)), "re-add after delete")
			require.NoError(t, s.LookupKey(1, &got))
			require.Equal(t, key(3), got)
		})
	}
}

func TestMemory_Limit(t *testing.T) {
	m := NewMemory(2)
	require.NoError(t, m.AddKey(1, key(1)))
	require.NoError(t, m.AddKey(2, key(2)))
	require.ErrorIs(t, m.AddKey(3, key(3)), ErrFull)
	require.NoError(t, m.DeleteKey(1))
	require.NoError(t, m.AddKey(3, key(3)))
}

func TestSQLite_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.AddKey(7, key(7)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	var got Key
	require.NoError(t, s.LookupKey(7, &got))
	require.Equal(t, key(7), got)
}

func TestDeriveKey(t *testing.T) {
	a := DeriveKey([]byte("hunter2"), []byte("salt"))
	b := DeriveKey([]byte("hunter2"), []byte("salt"))
	c := DeriveKey([]byte("hunter2"), []byte("pepper"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, Key{}, a)
}
