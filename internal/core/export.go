// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kianostad/dash/internal/storage/index"
)

// Binary format specification:
// Header: [4 bytes magic] [4 bytes version] [8 bytes count]
// Magic: "DASH" (0x48534144 little-endian)
// Version: 1
// For each entry: [8 bytes key] [8 bytes value]
// All integers are little-endian.

const (
	MagicNumber = 0x48534144 // "DASH" in little-endian
	Version     = 1
	HeaderSize  = 16 // 4 + 4 + 8
	RecordSize  = 16 // 8 + 8
)

var (
	// ErrBadMagic is returned when an import stream does not start with "DASH".
	ErrBadMagic = errors.New("invalid magic number")

	// ErrUnsupportedVersion is returned for an export format this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported export version")
)

// ExportHeader represents the binary file header
type ExportHeader struct {
	Magic   uint32
	Version uint32
	Count   uint64
}

type exportRecord struct {
	Key   uint64
	Value uint64
}

// ExportBinary writes every entry of db to w and returns the number written.
// Entries are collected before writing so the header carries an exact count;
// the result reflects concurrent writers only approximately.
func ExportBinary[K, V index.Word](ctx context.Context, db DB[K, V], w io.Writer) (int, error) {
	var records []exportRecord
	err := db.Range(ctx, func(key K, value V) bool {
		records = append(records, exportRecord{Key: uint64(key), Value: uint64(value)})
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("collect entries: %w", err)
	}

	writer := bufio.NewWriter(w)
	header := ExportHeader{
		Magic:   MagicNumber,
		Version: Version,
		Count:   uint64(len(records)),
	}
	if err := binary.Write(writer, binary.LittleEndian, header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(writer, binary.LittleEndian, records); err != nil {
		return 0, fmt.Errorf("failed to write entries: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush: %w", err)
	}
	return len(records), nil
}

// ImportBinary reads entries written by ExportBinary from r and inserts them
// into db. Keys already present keep their value. It returns the number of
// entries that were inserted.
func ImportBinary[K, V index.Word](ctx context.Context, db DB[K, V], r io.Reader) (int, error) {
	reader := bufio.NewReader(r)

	var header ExportHeader
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	if header.Magic != MagicNumber {
		return 0, fmt.Errorf("%w: expected %x, got %x", ErrBadMagic, MagicNumber, header.Magic)
	}
	if header.Version != Version {
		return 0, fmt.Errorf("%w: expected %d, got %d", ErrUnsupportedVersion, Version, header.Version)
	}

	inserted := 0
	var record exportRecord
	for i := uint64(0); i < header.Count; i++ {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		if err := binary.Read(reader, binary.LittleEndian, &record); err != nil {
			return inserted, fmt.Errorf("failed to read entry %d of %d: %w", i, header.Count, err)
		}
		ok, err := db.Insert(ctx, K(record.Key), V(record.Value))
		if err != nil {
			return inserted, fmt.Errorf("failed to import entry %d: %w", i, err)
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// ExportBinaryFile exports db to filename, replacing any existing file.
func ExportBinaryFile[K, V index.Word](ctx context.Context, db DB[K, V], filename string) (int, error) {
	file, err := os.Create(filename) // #nosec G304
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	n, err := ExportBinary(ctx, db, file)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close file %s: %w", filename, closeErr)
	}
	return n, err
}

// ImportBinaryFile imports filename into db.
func ImportBinaryFile[K, V index.Word](ctx context.Context, db DB[K, V], filename string) (int, error) {
	file, err := os.Open(filename) // #nosec G304
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	return ImportBinary(ctx, db, file)
}
