package store

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/axmq/ax/cluster"
)

// FileArchiveStore is a zstd-compressed, append-only file sink for the
// optional ArchiveStore from spec §6 ("Optional ArchiveStore: append(envelope)
// for audit/history"), satisfying the S6 test scenario's requirement that an
// archive record the envelope with its senderNodeId.
//
// Each record is framed as a uint32 length prefix followed by a
// zstd-compressed CBOR encoding of the envelope, so a crash mid-write leaves
// at most one truncated trailing record, detected and ignored by Replay.
type FileArchiveStore struct {
	mu    sync.Mutex
	f     *os.File
	level int
}

// FileArchiveConfig configures a FileArchiveStore.
type FileArchiveConfig struct {
	Path string
	// Level is the zstd compression level; 0 selects zstd's default.
	Level int
}

// NewFileArchiveStore opens (creating if absent) the archive file for
// appending.
func NewFileArchiveStore(cfg FileArchiveConfig) (*FileArchiveStore, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "archive: open")
	}
	return &FileArchiveStore{f: f, level: cfg.Level}, nil
}

// Append compresses and appends a single envelope record. It satisfies
// router.ArchiveStore.
func (s *FileArchiveStore) Append(ctx context.Context, envelope cluster.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := cbor.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "archive: marshal envelope")
	}

	var compressed []byte
	if s.level > 0 {
		compressed, err = zstd.CompressLevel(nil, raw, s.level)
	} else {
		compressed, err = zstd.Compress(nil, raw)
	}
	if err != nil {
		return errors.Wrap(err, "archive: compress envelope")
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(compressed)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "archive: write length prefix")
	}
	if _, err := s.f.Write(compressed); err != nil {
		return errors.Wrap(err, "archive: write record")
	}
	return nil
}

// Replay reads every complete record from the archive file in append order,
// invoking fn for each decoded envelope. A truncated trailing record (as can
// follow a crash mid-write) stops the scan without error.
func (s *FileArchiveStore) Replay(fn func(cluster.Envelope) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(0, 0); err != nil {
		return errors.Wrap(err, "archive: seek")
	}

	var lenPrefix [4]byte
	for {
		if _, err := readFull(s.f, lenPrefix[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		compressed := make([]byte, n)
		if _, err := readFull(s.f, compressed); err != nil {
			break
		}
		raw, err := zstd.Decompress(nil, compressed)
		if err != nil {
			break
		}
		var env cluster.Envelope
		if err := cbor.Unmarshal(raw, &env); err != nil {
			break
		}
		if err := fn(env); err != nil {
			return err
		}
	}

	_, err := s.f.Seek(0, 2)
	return err
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("archive: short read")
		}
	}
	return total, nil
}

// Close flushes and closes the underlying file.
func (s *FileArchiveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
