package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenStreamShard(t *testing.T) {
	task := CopyTask{NumTokens: 18, SeqLen: 8}
	rng := rand.New(rand.NewSource(3))
	written := make([]Sample, 5)
	for i := range written {
		written[i] = task.Sample(rng)
	}

	shard := filepath.Join(t.TempDir(), "out", ShardName(0))
	require.NoError(t, WriteShard(shard, written))

	samples, err := drainShard(t, shard, 4)
	require.NoError(t, err)
	require.Len(t, samples, len(written))

	byKey := map[string]Sample{}
	for _, s := range samples {
		byKey[s.Key] = s
	}
	for i, w := range written {
		got, ok := byKey[fmtKey(i)]
		require.True(t, ok, "missing key %s", fmtKey(i))
		require.Equal(t, w.Src, got.Src)
		require.Equal(t, w.Tgt, got.Tgt)
		require.Equal(t, w.SecTgt, got.SecTgt)
		require.Len(t, got.SrcMask, len(got.Src))
		require.Len(t, got.TgtMask, len(got.Tgt))
	}
}

func TestStreamShardIncompleteSample(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "000000.src", []byte("2 3"))
	addTarEntry(tw, "000000.tgt", []byte("1 2 3 2 3"))
	addTarEntry(tw, "000000.txt", []byte("ignored"))
	require.NoError(t, tw.Close())

	shard := filepath.Join(t.TempDir(), ShardName(0))
	require.NoError(t, os.WriteFile(shard, buf.Bytes(), 0o644))

	samples, err := drainShard(t, shard, 4)
	require.Error(t, err)
	require.Empty(t, samples)
}

func TestStreamShardRejectsTargetLength(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "000000.src", []byte("2 3"))
	addTarEntry(tw, "000000.tgt", []byte("1 2 3"))
	addTarEntry(tw, "000000.sec", []byte("1 2 3"))
	require.NoError(t, tw.Close())

	shard := filepath.Join(t.TempDir(), ShardName(0))
	require.NoError(t, os.WriteFile(shard, buf.Bytes(), 0o644))

	samples, err := drainShard(t, shard, 4)
	require.ErrorContains(t, err, "target length")
	require.Empty(t, samples)
}

func TestStreamShardPendingOverflow(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "a.src", []byte("2"))
	addTarEntry(tw, "b.src", []byte("2"))
	addTarEntry(tw, "c.src", []byte("2"))
	require.NoError(t, tw.Close())

	shard := filepath.Join(t.TempDir(), ShardName(0))
	require.NoError(t, os.WriteFile(shard, buf.Bytes(), 0o644))

	_, err := drainShard(t, shard, 2)
	require.True(t, errors.Is(err, ErrPendingOverflow), "got %v", err)
}

func TestStreamShardBadTokens(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "000000.src", []byte("2 x"))
	require.NoError(t, tw.Close())

	shard := filepath.Join(t.TempDir(), ShardName(0))
	require.NoError(t, os.WriteFile(shard, buf.Bytes(), 0o644))

	_, err := drainShard(t, shard, 2)
	require.Error(t, err)
}

func drainShard(t *testing.T, path string, pendingCap int) ([]Sample, error) {
	t.Helper()
	samplesCh, errCh := StreamShard(context.Background(), path, pendingCap)
	var samples []Sample
	var firstErr error
	for samplesCh != nil || errCh != nil {
		select {
		case sample, ok := <-samplesCh:
			if !ok {
				samplesCh = nil
				continue
			}
			samples = append(samples, sample)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return samples, firstErr
}

func fmtKey(i int) string {
	return fmt.Sprintf("%06d", i)
}

func addTarEntry(tw *tar.Writer, name string, data []byte) {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
}
