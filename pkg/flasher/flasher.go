// Package flasher composes the bootloader engine with an image source to
// perform the top-level erase, program and verify operations.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/ccflash/ccflash/pkg/image"
	"github.com/ccflash/ccflash/pkg/sbl"
)

// sendRetries is how many additional attempts a rejected data chunk gets
// before the operation aborts.
const sendRetries = 3

// ProgressFunc receives operation progress: the stage name and done/total
// counts in stage units (pages for erase, bytes for program and verify).
// Total may be an estimate for streamed HEX images.
type ProgressFunc func(stage string, done, total uint32)

// Flasher runs flash operations over a connected engine.
type Flasher struct {
	engine   *sbl.Engine
	log      *log.Logger
	progress ProgressFunc
}

// New creates a flasher over a connected engine. The progress hook may be
// nil.
func New(engine *sbl.Engine, logger *log.Logger, progress ProgressFunc) *Flasher {
	if logger == nil {
		logger = log.Default()
	}
	if progress == nil {
		progress = func(string, uint32, uint32) {}
	}
	return &Flasher{engine: engine, log: logger, progress: progress}
}

// AlignStart applies the start-address policy: a start address that is not
// on a page boundary is reset to zero. The second return is true when the
// address was coerced.
func (f *Flasher) AlignStart(start uint32) (uint32, bool) {
	if start%f.engine.Family().PageSize() != 0 {
		return 0, true
	}
	return start, false
}

// Erase erases every page from the one containing start to the end of
// flash.
func (f *Flasher) Erase(ctx context.Context, start uint32) error {
	pageSize := f.engine.Family().PageSize()
	pageCount := f.engine.Family().PageCount()
	firstPage := start / pageSize

	total := pageCount - firstPage
	f.progress("erase", 0, total)
	for page := firstPage; page < pageCount; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.engine.SectorErase(page * pageSize); err != nil {
			return fmt.Errorf("erase page %d: %w", page, err)
		}
		f.progress("erase", page-firstPage+1, total)
	}

	f.log.Debug("erase complete", "pages", total)
	return nil
}

// Program streams every run of the image into flash. Each run gets its own
// download window; chunks are capped at the protocol's transfer limit and a
// chunk cleanly rejected by the target is retried before the operation
// aborts. The total is a byte-count hint used only for progress reporting.
func (f *Flasher) Program(ctx context.Context, src image.Source, total uint32) error {
	var sent uint32
	f.progress("program", 0, total)

	for {
		run, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(run.Data) == 0 {
			continue
		}

		f.log.Debug("download window", "addr", fmt.Sprintf("0x%08x", run.Addr), "size", len(run.Data))
		if err := f.engine.StartDownload(run.Addr, uint32(len(run.Data))); err != nil {
			return fmt.Errorf("start download at 0x%08x: %w", run.Addr, err)
		}

		for off := 0; off < len(run.Data); off += sbl.MaxTransferSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := off + sbl.MaxTransferSize
			if end > len(run.Data) {
				end = len(run.Data)
			}
			if err := f.sendChunk(run.Data[off:end]); err != nil {
				return fmt.Errorf("send data at 0x%08x: %w", run.Addr+uint32(off), err)
			}
			sent += uint32(end - off)
			f.progress("program", sent, total)
		}
	}

	f.log.Debug("program complete", "bytes", sent)
	return nil
}

// Verify checks every run of the image against the target's flash CRC.
func (f *Flasher) Verify(ctx context.Context, src image.Source, total uint32) error {
	var checked uint32
	f.progress("verify", 0, total)

	for {
		run, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(run.Data) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		hostCRC := sbl.VerifyCRC(run.Data)
		targetCRC, err := f.engine.CRC32(run.Addr, uint32(len(run.Data)))
		if err != nil {
			return fmt.Errorf("crc32 at 0x%08x: %w", run.Addr, err)
		}
		if hostCRC != targetCRC {
			return fmt.Errorf("%w: region 0x%08x+%d host 0x%08x target 0x%08x",
				sbl.ErrCRCMismatch, run.Addr, len(run.Data), hostCRC, targetCRC)
		}

		checked += uint32(len(run.Data))
		f.progress("verify", checked, total)
	}

	f.log.Debug("verify complete", "bytes", checked)
	return nil
}

// sendChunk sends one chunk, retrying when the target rejected it cleanly
// (non-SUCCESS status with the handshake intact). Wire-level failures latch
// the engine and are fatal immediately.
func (f *Flasher) sendChunk(chunk []byte) error {
	err := f.engine.SendData(chunk)
	for attempt := 0; err != nil && attempt < sendRetries; attempt++ {
		var statusErr *sbl.StatusError
		if !errors.As(err, &statusErr) {
			return err
		}
		f.log.Warn("chunk rejected, retrying", "status", statusErr.Code, "attempt", attempt+1)
		err = f.engine.SendData(chunk)
	}
	return err
}
