package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Shard entry extensions. Each sample key owns one entry of each kind.
const (
	extSrc = ".src"
	extTgt = ".tgt"
	extSec = ".sec"
)

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// WriteShard stores samples as a WebDataset-style tar at path. Token
// sequences are written as space separated decimal IDs.
func WriteShard(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	bw := bufio.NewWriter(f)
	tw := tar.NewWriter(bw)
	for i, s := range samples {
		key := s.Key
		if key == "" {
			key = fmt.Sprintf("%06d", i)
		}
		for _, entry := range []struct {
			ext    string
			tokens []int
		}{{extSrc, s.Src}, {extTgt, s.Tgt}, {extSec, s.SecTgt}} {
			payload := []byte(formatTokens(entry.tokens))
			hdr := &tar.Header{Name: key + entry.ext, Size: int64(len(payload)), Mode: 0o644}
			if err := tw.WriteHeader(hdr); err != nil {
				f.Close()
				return fmt.Errorf("write header %s%s: %w", key, entry.ext, err)
			}
			if _, err := tw.Write(payload); err != nil {
				f.Close()
				return fmt.Errorf("write %s%s: %w", key, entry.ext, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush shard: %w", err)
	}
	return f.Close()
}

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			switch ext {
			case extSrc, extTgt, extSec:
			default:
				// ignore unknown extension
				continue
			}
			payload, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", name, err)
				return
			}
			tokens, err := parseTokens(string(payload))
			if err != nil {
				errCh <- fmt.Errorf("parse %s: %w", name, err)
				return
			}

			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			switch ext {
			case extSrc:
				part.src = tokens
			case extTgt:
				part.tgt = tokens
			case extSec:
				part.sec = tokens
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				delete(pending, key)
				if len(part.sec) != len(part.tgt) {
					errCh <- fmt.Errorf("sample %s: secondary target length %d != target length %d", key, len(part.sec), len(part.tgt))
					return
				}
				if len(part.tgt) != 1+2*len(part.src) {
					errCh <- fmt.Errorf("sample %s: target length %d != 1+2*%d", key, len(part.tgt), len(part.src))
					return
				}
				sample := Sample{
					Key:     key,
					Src:     part.src,
					Tgt:     part.tgt,
					SecTgt:  part.sec,
					SrcMask: allTrue(len(part.src)),
					TgtMask: allTrue(len(part.tgt)),
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	src, tgt, sec []int
}

func (p *partial) ready() bool {
	return p.src != nil && p.tgt != nil && p.sec != nil
}

func formatTokens(tokens []int) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, " ")
}

func parseTokens(s string) ([]int, error) {
	fields := strings.Fields(s)
	tokens := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		tokens[i] = v
	}
	return tokens, nil
}
