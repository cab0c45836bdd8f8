package sidecar

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store"
)

func newSidecar(t *testing.T) *Sidecar {
	t.Helper()
	sc, err := Open(filepath.Join(t.TempDir(), "payload.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { sc.Close() })
	return sc
}

func TestAppendReadRoundTrip(t *testing.T) {
	sc := newSidecar(t)

	for _, codec := range []model.Codec{model.CodecRaw, model.CodecZlib} {
		payload := []byte("pixel data for " + string(codec))
		ref, err := sc.Append(payload, codec)
		require.NoError(t, err)
		require.Equal(t, model.HashBytes(payload), ref.Hash)

		got, err := sc.Read(ref)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestAppendsAreSequential(t *testing.T) {
	sc := newSidecar(t)

	a, err := sc.Append(make([]byte, 100), model.CodecRaw)
	require.NoError(t, err)
	b, err := sc.Append(make([]byte, 50), model.CodecRaw)
	require.NoError(t, err)

	require.Equal(t, int64(0), a.Offset)
	require.Equal(t, int64(100), a.Length)
	require.Equal(t, int64(100), b.Offset)

	size, err := sc.Size()
	require.NoError(t, err)
	require.Equal(t, int64(150), size)
}

func TestReadOutOfRange(t *testing.T) {
	sc := newSidecar(t)

	ref, err := sc.Append([]byte("short"), model.CodecRaw)
	require.NoError(t, err)

	bad := ref
	bad.Length = 1000
	_, err = sc.Read(bad)
	require.ErrorIs(t, err, store.ErrRange)

	bad = ref
	bad.Offset = 9999
	_, err = sc.Read(bad)
	require.ErrorIs(t, err, store.ErrRange)
}

func TestReadIntegrityMismatch(t *testing.T) {
	sc := newSidecar(t)

	ref, err := sc.Append([]byte("original bytes"), model.CodecRaw)
	require.NoError(t, err)

	// Flip a byte in place. Raw codec, so the hash check must catch it.
	f, err := os.OpenFile(sc.Path(), os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, ref.Offset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = sc.Read(ref)
	require.ErrorIs(t, err, store.ErrIntegrity)
}

func TestMissingSidecar(t *testing.T) {
	_, err := OpenExisting(filepath.Join(t.TempDir(), "absent.bin"))
	require.ErrorIs(t, err, store.ErrMissingSidecar)
}

func TestCompactDropsDeadFrames(t *testing.T) {
	sc := newSidecar(t)

	a, err := sc.Append(make([]byte, 1024), model.CodecRaw)
	require.NoError(t, err)
	dead, err := sc.Append(make([]byte, 1024), model.CodecRaw)
	require.NoError(t, err)
	b, err := sc.Append(make([]byte, 900), model.CodecRaw)
	require.NoError(t, err)
	_ = dead

	result, err := sc.Compact([]model.PayloadRef{a, b})
	require.NoError(t, err)
	require.Equal(t, int64(1024+900), result.NewSize)
	require.Equal(t, int64(0), result.Remap[a.Offset])
	require.Equal(t, int64(1024), result.Remap[b.Offset])

	oldPath := sc.Path()
	require.NoError(t, sc.Switch(result))
	require.NotEqual(t, oldPath, sc.Path())

	_, err = os.Stat(oldPath)
	require.True(t, errors.Is(err, os.ErrNotExist))

	// Reads through the remapped refs still verify.
	moved := a
	moved.Offset = result.Remap[a.Offset]
	got, err := sc.Read(moved)
	require.NoError(t, err)
	require.Len(t, got, 1024)
}

func TestCompactGenerationNaming(t *testing.T) {
	require.Equal(t, "payload.g1.bin", filepath.Base(nextGenerationPath("payload.bin")))
	require.Equal(t, "payload.g2.bin", filepath.Base(nextGenerationPath("payload.g1.bin")))
	require.Equal(t, "payload.g10.bin", filepath.Base(nextGenerationPath("payload.g9.bin")))
}

func TestCompactPreservesContentAcrossGenerations(t *testing.T) {
	sc := newSidecar(t)

	payload := []byte("survives two compactions")
	ref, err := sc.Append(payload, model.CodecZlib)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := sc.Compact([]model.PayloadRef{ref})
		require.NoError(t, err)
		require.NoError(t, sc.Switch(result))
		ref.Offset = result.Remap[ref.Offset]

		got, err := sc.Read(ref)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestReadDuringCompactSwitchover(t *testing.T) {
	sc := newSidecar(t)

	payload := []byte("stable frame content")
	ref, err := sc.Append(payload, model.CodecRaw)
	require.NoError(t, err)

	// Readers racing the switchover must keep a stable file handle; a
	// closed-file error would mean a read slipped between handles.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 500; i++ {
			if _, err := sc.Read(ref); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 5; i++ {
		result, err := sc.Compact([]model.PayloadRef{ref})
		require.NoError(t, err)
		require.NoError(t, sc.Switch(result))
	}
	require.NoError(t, <-done)

	got, err := sc.Read(ref)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
