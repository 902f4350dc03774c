package flasher_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccflash/ccflash/pkg/device"
	"github.com/ccflash/ccflash/pkg/flasher"
	"github.com/ccflash/ccflash/pkg/image"
	"github.com/ccflash/ccflash/pkg/sbl"
	"github.com/ccflash/ccflash/pkg/sbl/sbltest"
)

const (
	opDownload    = 0x21
	opSendData    = 0x24
	opSectorErase = 0x26
	opCRC32       = 0x27
)

func newFlasher(t *testing.T, family device.Family) (*flasher.Flasher, *sbltest.Target) {
	t.Helper()
	target := sbltest.NewTarget(family)
	engine := sbl.New(target, family, nil)
	require.NoError(t, engine.Connect())
	t.Cleanup(func() { engine.Close() })
	return flasher.New(engine, nil, nil), target
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestProgramBinary(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)
	data := patternData(600)

	err := f.Program(context.Background(), image.NewBinary(data, 0), uint32(len(data)))
	require.NoError(t, err)

	assert.Equal(t, data, target.Flash()[:len(data)])
	assert.Equal(t, 1, target.Writes[opDownload], "binary mode uses a single download window")
	assert.Equal(t, 3, target.Writes[opSendData], "600 bytes need three 252-byte chunks")
}

func TestProgramBinaryAtOffset(t *testing.T) {
	f, target := newFlasher(t, device.CC13x2)
	data := patternData(100)
	start := device.CC13x2.PageSize()

	err := f.Program(context.Background(), image.NewBinary(data, start), uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, target.Flash()[start:start+100])
}

func TestProgramRetriesRejectedChunks(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)
	data := patternData(64)
	target.FailSends = 3

	err := f.Program(context.Background(), image.NewBinary(data, 0), uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, target.Flash()[:len(data)])
	assert.Equal(t, 4, target.Writes[opSendData], "three rejections plus the final success")
}

func TestProgramAbortsAfterFourFailures(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)
	target.FailSends = 4

	err := f.Program(context.Background(), image.NewBinary(patternData(64), 0), 64)
	var statusErr *sbl.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 4, target.Writes[opSendData])
}

func TestProgramHexRunsGetSeparateWindows(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)

	var buf bytes.Buffer
	// Two non-contiguous regions.
	writeHexRecord(&buf, 0x0000, 0x00, patternData(16))
	writeHexRecord(&buf, 0x1000, 0x00, patternData(8))
	writeHexRecord(&buf, 0x0000, 0x01, nil)

	err := f.Program(context.Background(), image.NewHex(&buf), 24)
	require.NoError(t, err)

	assert.Equal(t, 2, target.Writes[opDownload], "each run is a separate download window")
	assert.Equal(t, patternData(16), target.Flash()[:16])
	assert.Equal(t, patternData(8), target.Flash()[0x1000:0x1008])
}

func TestVerifyMatches(t *testing.T) {
	f, _ := newFlasher(t, device.CC13x0)
	data := patternData(300)

	require.NoError(t, f.Program(context.Background(), image.NewBinary(data, 0), uint32(len(data))))
	assert.NoError(t, f.Verify(context.Background(), image.NewBinary(data, 0), uint32(len(data))))
}

func TestVerifyMismatch(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)
	data := []byte{0x01, 0x02, 0x03, 0x04}

	require.NoError(t, f.Program(context.Background(), image.NewBinary(data, 0), 4))
	target.CorruptCRC = true

	err := f.Verify(context.Background(), image.NewBinary(data, 0), 4)
	assert.ErrorIs(t, err, sbl.ErrCRCMismatch)
}

func TestVerifyDoesNotTouchFlash(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)
	data := patternData(128)
	require.NoError(t, f.Program(context.Background(), image.NewBinary(data, 0), 128))

	before := append([]byte(nil), target.Flash()...)
	require.NoError(t, f.Verify(context.Background(), image.NewBinary(data, 0), 128))
	assert.Equal(t, before, target.Flash())
	assert.Equal(t, 2, target.Writes[opCRC32])
}

func TestEraseWholeFlash(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)

	require.NoError(t, f.Erase(context.Background(), 0))
	assert.Equal(t, int(device.CC13x0.PageCount()), target.Writes[opSectorErase])
}

func TestEraseFromStartAddress(t *testing.T) {
	f, target := newFlasher(t, device.CC13x2)

	require.NoError(t, f.Erase(context.Background(), 2*device.CC13x2.PageSize()))
	assert.Equal(t, int(device.CC13x2.PageCount())-2, target.Writes[opSectorErase])
}

func TestAlignStart(t *testing.T) {
	f, _ := newFlasher(t, device.CC13x0)
	pageSize := device.CC13x0.PageSize()

	aligned, coerced := f.AlignStart(pageSize)
	assert.Equal(t, pageSize, aligned)
	assert.False(t, coerced)

	aligned, coerced = f.AlignStart(pageSize + 1)
	assert.Zero(t, aligned)
	assert.True(t, coerced)

	aligned, coerced = f.AlignStart(0)
	assert.Zero(t, aligned)
	assert.False(t, coerced)
}

func TestCancellationBetweenOperations(t *testing.T) {
	f, target := newFlasher(t, device.CC13x0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.Erase(ctx, 0), context.Canceled)
	assert.Zero(t, target.Writes[opSectorErase])

	err := f.Program(ctx, image.NewBinary(patternData(16), 0), 16)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, target.Writes[opSendData])
}

func TestProgressReporting(t *testing.T) {
	target := sbltest.NewTarget(device.CC13x0)
	engine := sbl.New(target, device.CC13x0, nil)
	require.NoError(t, engine.Connect())

	type tick struct {
		stage string
		done  uint32
	}
	var ticks []tick
	f := flasher.New(engine, nil, func(stage string, done, total uint32) {
		ticks = append(ticks, tick{stage, done})
	})

	data := patternData(600)
	require.NoError(t, f.Program(context.Background(), image.NewBinary(data, 0), 600))

	require.Len(t, ticks, 4)
	assert.Equal(t, tick{"program", 0}, ticks[0])
	assert.Equal(t, tick{"program", 252}, ticks[1])
	assert.Equal(t, tick{"program", 504}, ticks[2])
	assert.Equal(t, tick{"program", 600}, ticks[3])
}

func TestProgramPropagatesHexParseErrors(t *testing.T) {
	f, _ := newFlasher(t, device.CC13x0)

	src := image.NewHex(bytes.NewReader([]byte(":02000002100AE2\n")))
	err := f.Program(context.Background(), src, 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, sbl.ErrCRCMismatch))
}

// writeHexRecord emits a well-formed Intel HEX record.
func writeHexRecord(buf *bytes.Buffer, addr uint16, typ byte, data []byte) {
	sum := byte(len(data)) + byte(addr>>8) + byte(addr) + typ
	for _, b := range data {
		sum += b
	}
	fmt.Fprintf(buf, ":%02X%04X%02X", len(data), addr, typ)
	for _, b := range data {
		fmt.Fprintf(buf, "%02X", b)
	}
	fmt.Fprintf(buf, "%02X\n", -sum)
}
