// Columnar segment codec. A segment is the immutable on-disk unit of a
// partition: a typed, column-oriented file holding open times as int64
// epoch milliseconds and OHLCV values as float64 columns, sorted by open
// time and protected by a CRC32 trailer.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"time"

	"github.com/tradingroom/tape/internal/models"
)

const (
	segmentMagic   = "TAPE"
	segmentVersion = uint16(1)

	// DefaultMaxSegmentRows bounds segment size; appends larger than
	// this roll over into additional segments.
	DefaultMaxSegmentRows = 50_000
)

// castagnoli is the CRC32 polynomial used for segment checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// segment is the decoded in-memory form of one partition file.
type segment struct {
	Symbol    string
	Timeframe models.Timeframe

	OpenTimes []int64 // epoch milliseconds, strictly increasing
	Opens     []float64
	Highs     []float64
	Lows      []float64
	Closes    []float64
	Volumes   []float64
}

// first returns the open time of the first row.
func (s *segment) first() time.Time { return time.UnixMilli(s.OpenTimes[0]).UTC() }

// last returns the open time of the final row.
func (s *segment) last() time.Time { return time.UnixMilli(s.OpenTimes[len(s.OpenTimes)-1]).UTC() }

// len returns the row count.
func (s *segment) len() int { return len(s.OpenTimes) }

// newSegment converts a validated, contiguous candle batch into its
// columnar representation.
func newSegment(symbol string, timeframe models.Timeframe, batch []models.Candle) (*segment, error) {
	seg := &segment{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTimes: make([]int64, 0, len(batch)),
		Opens:     make([]float64, 0, len(batch)),
		Highs:     make([]float64, 0, len(batch)),
		Lows:      make([]float64, 0, len(batch)),
		Closes:    make([]float64, 0, len(batch)),
		Volumes:   make([]float64, 0, len(batch)),
	}

	for i := range batch {
		c := &batch[i]
		open, high, low, close, volume, err := candleColumns(c)
		if err != nil {
			return nil, &StorageError{Operation: "encode", Partition: pairKey(symbol, timeframe), Err: err}
		}
		seg.OpenTimes = append(seg.OpenTimes, c.OpenTime.UnixMilli())
		seg.Opens = append(seg.Opens, open)
		seg.Highs = append(seg.Highs, high)
		seg.Lows = append(seg.Lows, low)
		seg.Closes = append(seg.Closes, close)
		seg.Volumes = append(seg.Volumes, volume)
	}

	return seg, nil
}

// candleColumns parses a candle's decimal-string fields into the float64
// column representation used on disk.
func candleColumns(c *models.Candle) (open, high, low, close, volume float64, err error) {
	if open, err = strconv.ParseFloat(c.Open, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("invalid open %q: %w", c.Open, err)
	}
	if high, err = strconv.ParseFloat(c.High, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("invalid high %q: %w", c.High, err)
	}
	if low, err = strconv.ParseFloat(c.Low, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("invalid low %q: %w", c.Low, err)
	}
	if close, err = strconv.ParseFloat(c.Close, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("invalid close %q: %w", c.Close, err)
	}
	if volume, err = strconv.ParseFloat(c.Volume, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("invalid volume %q: %w", c.Volume, err)
	}
	return open, high, low, close, volume, nil
}

// candleAt rebuilds the candle value at row i.
func (s *segment) candleAt(i int) models.Candle {
	return models.Candle{
		OpenTime:  time.UnixMilli(s.OpenTimes[i]).UTC(),
		Open:      strconv.FormatFloat(s.Opens[i], 'f', -1, 64),
		High:      strconv.FormatFloat(s.Highs[i], 'f', -1, 64),
		Low:       strconv.FormatFloat(s.Lows[i], 'f', -1, 64),
		Close:     strconv.FormatFloat(s.Closes[i], 'f', -1, 64),
		Volume:    strconv.FormatFloat(s.Volumes[i], 'f', -1, 64),
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
	}
}

// encode serializes the segment:
//
//	magic[4] version[2] symbolLen[2] symbol timeframeLen[2] timeframe
//	rowCount[4] openTimes[8*n] opens[8*n] highs[8*n] lows[8*n]
//	closes[8*n] volumes[8*n] crc32c[4]
//
// All integers are little-endian; the checksum covers every preceding
// byte.
func (s *segment) encode(w io.Writer) error {
	var buf bytes.Buffer

	buf.WriteString(segmentMagic)
	binary.Write(&buf, binary.LittleEndian, segmentVersion)

	writeString := func(v string) error {
		if len(v) > int(^uint16(0)) {
			return fmt.Errorf("string field too long: %d bytes", len(v))
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(v)))
		buf.WriteString(v)
		return nil
	}
	if err := writeString(s.Symbol); err != nil {
		return err
	}
	if err := writeString(string(s.Timeframe)); err != nil {
		return err
	}

	binary.Write(&buf, binary.LittleEndian, uint32(s.len()))
	binary.Write(&buf, binary.LittleEndian, s.OpenTimes)
	binary.Write(&buf, binary.LittleEndian, s.Opens)
	binary.Write(&buf, binary.LittleEndian, s.Highs)
	binary.Write(&buf, binary.LittleEndian, s.Lows)
	binary.Write(&buf, binary.LittleEndian, s.Closes)
	binary.Write(&buf, binary.LittleEndian, s.Volumes)

	checksum := crc32.Checksum(buf.Bytes(), castagnoli)
	binary.Write(&buf, binary.LittleEndian, checksum)

	_, err := w.Write(buf.Bytes())
	return err
}

// decodeSegment parses and validates a segment file. Any structural
// violation (bad magic, checksum mismatch, out-of-order rows, broken
// step) is reported as a *CorruptPartitionError; the file is never
// repaired in place.
func decodeSegment(path string, data []byte) (*segment, error) {
	corrupt := func(reason string, err error) error {
		return &CorruptPartitionError{Path: path, Reason: reason, Err: err}
	}

	if len(data) < len(segmentMagic)+2+4 {
		return nil, corrupt("file too short", nil)
	}
	if string(data[:len(segmentMagic)]) != segmentMagic {
		return nil, corrupt("bad magic", nil)
	}

	payload := data[:len(data)-4]
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(payload, castagnoli) != stored {
		return nil, corrupt("checksum mismatch", nil)
	}

	r := bytes.NewReader(payload[len(segmentMagic):])

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, corrupt("truncated header", err)
	}
	if version != segmentVersion {
		return nil, corrupt(fmt.Sprintf("unsupported version %d", version), nil)
	}

	readString := func() (string, error) {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	symbol, err := readString()
	if err != nil {
		return nil, corrupt("truncated symbol", err)
	}
	tfString, err := readString()
	if err != nil {
		return nil, corrupt("truncated timeframe", err)
	}
	timeframe, err := models.ParseTimeframe(tfString)
	if err != nil {
		return nil, corrupt("invalid timeframe", err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, corrupt("truncated row count", err)
	}
	if count == 0 {
		return nil, corrupt("empty segment", nil)
	}
	if int64(r.Len()) != int64(count)*6*8 {
		return nil, corrupt(fmt.Sprintf("column data size mismatch for %d rows", count), nil)
	}

	seg := &segment{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTimes: make([]int64, count),
		Opens:     make([]float64, count),
		Highs:     make([]float64, count),
		Lows:      make([]float64, count),
		Closes:    make([]float64, count),
		Volumes:   make([]float64, count),
	}
	for _, column := range []interface{}{seg.OpenTimes, seg.Opens, seg.Highs, seg.Lows, seg.Closes, seg.Volumes} {
		if err := binary.Read(r, binary.LittleEndian, column); err != nil {
			return nil, corrupt("truncated column data", err)
		}
	}

	stepMs := timeframe.Step().Milliseconds()
	for i := 1; i < seg.len(); i++ {
		if seg.OpenTimes[i]-seg.OpenTimes[i-1] != stepMs {
			return nil, corrupt(fmt.Sprintf("open times not contiguous at row %d", i), nil)
		}
	}

	return seg, nil
}
