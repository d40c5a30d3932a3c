package importer

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/simsync/internal/model"
	"github.com/dgnsrekt/simsync/internal/schedule"
)

const sample = `# january closures
01d00h31m-01d21h35m:15,10,30,10,30,18

01d01h13m-01d20h38m:08,03,08,23,20,23
   # indented comment
02d03h00m-03d00h00m:0,0,0,5
`

func anchor(t *testing.T) schedule.Anchor {
	t.Helper()
	a, err := schedule.NewAnchor(2025, 1)
	require.NoError(t, err)
	return a
}

func TestRead(t *testing.T) {
	batch, err := Read(strings.NewReader(sample), anchor(t))
	require.NoError(t, err)

	require.Len(t, batch.Records, 3)
	assert.Equal(t, 3, batch.Skipped)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 31, 0, 0, time.UTC), batch.Records[0].Start)
	assert.Equal(t, []model.Point{{X: 8, Y: 3}, {X: 8, Y: 23}, {X: 20, Y: 23}}, batch.Records[1].Polyline)
	assert.Equal(t, time.Date(2025, time.January, 3, 0, 0, 0, 0, time.UTC), batch.Records[2].End)
}

func TestReadFailsWholeBatch(t *testing.T) {
	input := "01d00h00m-01d01h00m:1,2,3,4\n01d00h00m-01d01h00m:1,2,3\n01d00h00m-01d01h00m:1,2,3,4\n"

	batch, err := Read(strings.NewReader(input), anchor(t))
	assert.Nil(t, batch)
	require.Error(t, err)

	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 2, lineErr.Line)
	assert.Equal(t, "01d00h00m-01d01h00m:1,2,3", lineErr.Text)
	assert.ErrorIs(t, err, schedule.ErrMalformedLine)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadRejectsOutOfRangeClock(t *testing.T) {
	for _, line := range []string{
		"01d24h00m-02d01h00m:1,2,3,4",
		"01d00h00m-01d00h60m:1,2,3,4",
	} {
		t.Run(line, func(t *testing.T) {
			input := "40d00h00m-40d01h00m:0,0,0,1\n" + line + "\n"
			batch, err := Read(strings.NewReader(input), anchor(t))
			assert.Nil(t, batch)

			var lineErr *LineError
			require.ErrorAs(t, err, &lineErr)
			assert.Equal(t, 2, lineErr.Line)
			assert.ErrorIs(t, err, schedule.ErrMalformedToken)
		})
	}
}

func TestReadEmpty(t *testing.T) {
	batch, err := Read(strings.NewReader("\n# nothing\n"), anchor(t))
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, 2, batch.Skipped)
}

func TestReadStripsBOMAndCRLF(t *testing.T) {
	batch, err := Read(strings.NewReader("\ufeff01d00h00m-01d01h00m:1,2,3,4\r\n"), anchor(t))
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
}

func TestReadFileCompressed(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "202501.bloqueos.txt")
	require.NoError(t, os.WriteFile(plain, []byte(sample), 0o644))

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	gzPath := filepath.Join(dir, "202501.bloqueos.txt.gz")
	require.NoError(t, os.WriteFile(gzPath, gzBuf.Bytes(), 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zstPath := filepath.Join(dir, "202501.bloqueos.txt.zst")
	require.NoError(t, os.WriteFile(zstPath, enc.EncodeAll([]byte(sample), nil), 0o644))
	require.NoError(t, enc.Close())

	for _, path := range []string{plain, gzPath, zstPath} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			batch, err := ReadFile(path, anchor(t))
			require.NoError(t, err)
			assert.Len(t, batch.Records, 3)
		})
	}
}

func TestReadFileErrors(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.txt"), anchor(t))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("nope\n"), 0o644))
	_, err = ReadFile(bad, anchor(t))
	assert.ErrorIs(t, err, schedule.ErrMalformedLine)
	assert.Contains(t, err.Error(), "bad.txt")
}

func TestAnchorFromFilename(t *testing.T) {
	a, err := AnchorFromFilename("/data/202503.bloqueos.txt")
	require.NoError(t, err)
	assert.Equal(t, 2025, a.Year)
	assert.Equal(t, time.March, a.Month)

	for _, bad := range []string{"bloqueos.txt", "2025.txt", "202513.txt", "abc"} {
		_, err := AnchorFromFilename(bad)
		assert.ErrorIs(t, err, schedule.ErrInvalidAnchor, bad)
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	a := anchor(t)
	records := []schedule.Record{
		{
			Start:    time.Date(2025, time.January, 1, 0, 31, 0, 0, time.UTC),
			End:      time.Date(2025, time.January, 1, 21, 35, 0, 0, time.UTC),
			Polyline: []model.Point{{X: 15, Y: 10}, {X: 30, Y: 10}},
		},
		{
			Start:    time.Date(2025, time.February, 2, 6, 0, 0, 0, time.UTC),
			End:      time.Date(2025, time.February, 3, 6, 0, 0, 0, time.UTC),
			Polyline: []model.Point{{X: 0, Y: 0}, {X: 0, Y: 9}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTemplate(&buf, records, a))
	assert.Contains(t, buf.String(), "# Blockages for 2025-01")
	assert.Contains(t, buf.String(), "33d06h00m-34d06h00m:0,0,0,9")

	batch, err := Read(&buf, a)
	require.NoError(t, err)
	assert.Equal(t, records, batch.Records)
}

func TestWriteTemplateRejectsUnrepresentable(t *testing.T) {
	records := []schedule.Record{{
		Start:    time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Polyline: []model.Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
	}}
	err := WriteTemplate(&bytes.Buffer{}, records, anchor(t))
	assert.ErrorIs(t, err, schedule.ErrUnrepresentable)
}
