package engine

// wal.go implements the engine's write-ahead log.
//
// Record layout:
//
//	Header (10 bytes):
//	  - 4 bytes: stored payload length (little-endian uint32)
//	  - 4 bytes: XXH3 checksum over kind, compression byte and stored
//	    payload (little-endian uint32, low half of the 64-bit hash)
//	  - 1 byte: record kind
//	  - 1 byte: compression type
//	Payload (length bytes, possibly compressed)
//
// A torn or corrupted tail is truncated on open; everything before it
// replays. Column family records are written uncompressed and synced,
// batch records honor the configured compression and the caller's sync
// flag.

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"github.com/opalkv/opalkv/internal/compression"
	"github.com/opalkv/opalkv/internal/logging"
)

const walFileName = "wal.log"

const walHeaderSize = 10

// WAL record kinds.
const (
	recBatch        byte = 1
	recCreateFamily byte = 2
	recDropFamily   byte = 3
)

func walPath(dir string) string {
	return filepath.Join(dir, walFileName)
}

func walExists(dir string) (bool, error) {
	_, err := os.Stat(walPath(dir))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("engine: stat wal: %w", err)
}

type walWriter struct {
	f      *os.File
	ctype  compression.Type
	logger logging.Logger
}

// openWAL opens the log, replays every intact record through replay,
// and truncates any torn tail so appends resume at a clean offset.
func openWAL(dir string, ctype compression.Type, logger logging.Logger, replay func(kind byte, payload []byte) error) (*walWriter, error) {
	f, err := os.OpenFile(walPath(dir), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	w := &walWriter{f: f, ctype: ctype, logger: logger}
	if err := w.replayAll(replay); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *walWriter) replayAll(replay func(kind byte, payload []byte) error) error {
	var offset int64
	header := make([]byte, walHeaderSize)

	for {
		if _, err := io.ReadFull(w.f, header); err != nil {
			if err == io.EOF {
				break
			}
			// Partial header: torn tail.
			w.logger.Warnf(logging.NSWAL+"truncating torn record header at offset %d", offset)
			break
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])
		kind := header[8]
		ctype := compression.Type(header[9])

		payload := make([]byte, length)
		if _, err := io.ReadFull(w.f, payload); err != nil {
			w.logger.Warnf(logging.NSWAL+"truncating torn record payload at offset %d", offset)
			break
		}

		if walChecksum(kind, byte(ctype), payload) != sum {
			w.logger.Warnf(logging.NSWAL+"truncating corrupted record at offset %d", offset)
			break
		}

		decoded, err := compression.Decompress(ctype, payload)
		if err != nil {
			w.logger.Warnf(logging.NSWAL+"truncating undecodable record at offset %d: %v", offset, err)
			break
		}
		if err := replay(kind, decoded); err != nil {
			return fmt.Errorf("engine: wal replay at offset %d: %w", offset, err)
		}
		offset += int64(walHeaderSize) + int64(length)
	}

	if err := w.f.Truncate(offset); err != nil {
		return fmt.Errorf("engine: truncate wal: %w", err)
	}
	if _, err := w.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("engine: seek wal: %w", err)
	}
	return nil
}

func walChecksum(kind, ctype byte, payload []byte) uint32 {
	buf := make([]byte, 2, 2+len(payload))
	buf[0] = kind
	buf[1] = ctype
	buf = append(buf, payload...)
	return uint32(xxh3.Hash(buf))
}

func (w *walWriter) appendRecord(kind byte, payload []byte, ctype compression.Type, sync bool) error {
	stored, err := compression.Compress(ctype, payload)
	if err != nil {
		return fmt.Errorf("engine: compress wal record: %w", err)
	}

	record := make([]byte, walHeaderSize, walHeaderSize+len(stored))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(stored)))
	binary.LittleEndian.PutUint32(record[4:8], walChecksum(kind, byte(ctype), stored))
	record[8] = kind
	record[9] = byte(ctype)
	record = append(record, stored...)

	if _, err := w.f.Write(record); err != nil {
		return fmt.Errorf("engine: append wal record: %w", err)
	}
	if sync {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("engine: sync wal: %w", err)
		}
	}
	return nil
}

func (w *walWriter) appendBatch(data []byte, sync bool) error {
	return w.appendRecord(recBatch, data, w.ctype, sync)
}

func (w *walWriter) appendCreateFamily(id uint32, name string) error {
	payload := binary.AppendUvarint(nil, uint64(id))
	payload = append(payload, name...)
	return w.appendRecord(recCreateFamily, payload, compression.NoCompression, true)
}

func (w *walWriter) appendDropFamily(id uint32) error {
	payload := binary.AppendUvarint(nil, uint64(id))
	return w.appendRecord(recDropFamily, payload, compression.NoCompression, true)
}

func (w *walWriter) close() error {
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("engine: sync wal: %w", err)
	}
	return w.f.Close()
}

func decodeCreateFamily(payload []byte) (uint32, string, error) {
	id, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, "", fmt.Errorf("engine: malformed create-family record")
	}
	return uint32(id), string(payload[n:]), nil
}

func decodeDropFamily(payload []byte) (uint32, error) {
	id, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, fmt.Errorf("engine: malformed drop-family record")
	}
	return uint32(id), nil
}
