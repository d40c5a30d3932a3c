// Package importer reads bulk blockage files into absolute-time records.
//
// A file holds one blockage per line in the offset format understood by
// package schedule. Blank lines and lines starting with '#' are skipped. A
// single bad line fails the whole batch. Only the day field of an offset rolls
// over; an hour above 23 or a minute above 59 (01d24h00m) is a bad line.
package importer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/simsync/internal/schedule"
)

// Maximum accepted line length.
const maxLineSize = 1024 * 1024

// Batch is a fully decoded file.
type Batch struct {
	Anchor  schedule.Anchor   `json:"anchor"`
	Records []schedule.Record `json:"records"`
	// Skipped counts blank and comment lines.
	Skipped int `json:"skipped"`
}

// LineError identifies the line that aborted a batch.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Read decodes every record in r against anchor.
func Read(r io.Reader, anchor schedule.Anchor) (*Batch, error) {
	batch := &Batch{Anchor: anchor}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		n++
		text := strings.TrimSpace(scanner.Text())
		if n == 1 {
			text = strings.TrimPrefix(text, "\ufeff")
		}
		if text == "" || strings.HasPrefix(text, "#") {
			batch.Skipped++
			continue
		}

		rec, err := schedule.DecodeBlockageLine(text, anchor)
		if err != nil {
			return nil, &LineError{Line: n, Text: text, Err: err}
		}
		batch.Records = append(batch.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blockages: %w", err)
	}
	return batch, nil
}

// ReadFile opens path and decodes it with Read. Files ending in .gz or .zst
// are decompressed transparently.
func ReadFile(path string, anchor schedule.Anchor) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	batch, err := Read(r, anchor)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return batch, nil
}

// AnchorFromFilename parses a leading YYYYMM from the base name of path, as
// in "202501.bloqueos.txt".
func AnchorFromFilename(path string) (schedule.Anchor, error) {
	base := filepath.Base(path)
	if len(base) < 6 {
		return schedule.Anchor{}, fmt.Errorf("%w: %q has no YYYYMM prefix", schedule.ErrInvalidAnchor, base)
	}
	year, errY := strconv.Atoi(base[:4])
	month, errM := strconv.Atoi(base[4:6])
	if errY != nil || errM != nil {
		return schedule.Anchor{}, fmt.Errorf("%w: %q has no YYYYMM prefix", schedule.ErrInvalidAnchor, base)
	}
	return schedule.NewAnchor(year, month)
}

// WriteTemplate writes a commented blockage file for records.
func WriteTemplate(w io.Writer, records []schedule.Record, anchor schedule.Anchor) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# Blockages for %s\n", anchor)
	fmt.Fprintln(bw, "# <DDdHHhMMm>-<DDdHHhMMm>:x1,y1,x2,y2,...")
	fmt.Fprintln(bw, "# Day 01 is the first day of the month; values past month end roll over.")
	for i, rec := range records {
		line, err := schedule.EncodeBlockageLine(rec, anchor)
		if err != nil {
			return fmt.Errorf("record %d: %w", i+1, err)
		}
		fmt.Fprintln(bw, line)
	}
	return bw.Flush()
}
