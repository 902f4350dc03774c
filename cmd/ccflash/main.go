package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"

	"github.com/ccflash/ccflash/pkg/device"
	"github.com/ccflash/ccflash/pkg/flasher"
	"github.com/ccflash/ccflash/pkg/image"
	"github.com/ccflash/ccflash/pkg/report"
	"github.com/ccflash/ccflash/pkg/sbl"
	"github.com/ccflash/ccflash/pkg/uart"
)

var (
	eraseFlg   = flag.BoolP("erase", "e", false, "Erase flash from the start address to the end of flash")
	programFlg = flag.BoolP("program", "p", false, "Program the image file into flash")
	verifyFlg  = flag.BoolP("verify", "v", false, "Verify flash contents against the image file")
	startArg   = flag.String("start", "0", "Start address for erase, program and verify (hex, decimal or octal)")
	baudRate   = flag.Int("baud", uart.DefaultBaudRate, "Serial baud rate")
	redisAddr  = flag.String("redis-addr", "", "Mirror progress to this Redis server (disabled when empty)")
	redisPass  = flag.String("redis-pass", "", "Redis password")
	redisDB    = flag.Int("redis-db", 0, "Redis database number")
	verbose    = flag.Bool("verbose", false, "Log protocol frames")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [SERIAL DEVICE] [FILE] [DEVICE TYPE] [OPTION]...\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nDevice types: cc13x0, cc13x2, cc26x0, cc26x2\n\nOptions:\n")
	fmt.Fprint(os.Stderr, flag.CommandLine.FlagUsages())
	fmt.Fprintf(os.Stderr, "\nExample:\n  %s /dev/ttyS1 firmware.bin cc13x2 -e -p -v\n", os.Args[0])
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = usage
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.Default()

	if flag.NArg() < 3 {
		usage()
		return 1
	}
	serialDevice := flag.Arg(0)
	imagePath := flag.Arg(1)
	deviceType := flag.Arg(2)

	family, err := device.ParseFamily(deviceType)
	if err != nil {
		printError("Invalid device type %s", deviceType)
		return 1
	}
	printSuccess("Device set to: %s", family)

	startAddr, err := parseStart(*startArg)
	if err != nil {
		printError("Start address %s not a number. Ignoring --start option", *startArg)
		startAddr = 0
	}

	format := image.DetectFormat(imagePath)
	if format == image.FormatUnknown {
		printWarning("Unrecognized file extension. Supported formats are *.bin and *.hex")
		printWarning("Assuming Intel Hex format")
		format = image.FormatHex
	}

	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		printError("Image file cannot be read: %v", err)
		return 1
	}
	if len(imageData) == 0 {
		printError("Image file %s is empty", imagePath)
		return 1
	}
	logger.Info("image loaded", "file", imagePath, "size", len(imageData), "format", format)

	fmt.Printf("Opening serial port %s\n", serialDevice)
	port, err := uart.Open(serialDevice, *baudRate)
	if err != nil {
		printError("Could not open serial port: %v", err)
		return 1
	}

	engine := sbl.New(port, family, logger)
	defer engine.Close()

	// Release the port on SIGINT/SIGTERM; the driver checks the context
	// between pages and between chunks.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("signal received, aborting", "signal", sig)
		cancel()
	}()

	var reporter *report.Reporter
	if *redisAddr != "" {
		reporter, err = report.New(*redisAddr, *redisPass, *redisDB, serialDevice, logger)
		if err != nil {
			printError("Could not connect to Redis: %v", err)
			return 1
		}
		defer reporter.Close()
	}

	fmt.Println("Connecting:")
	if err := engine.Connect(); err != nil {
		printError("Could not connect to bootloader: %v", err)
		return 1
	}
	printSuccess("Connected")

	chipID, err := engine.GetChipID()
	if err != nil {
		printError("Could not read chip ID: %v", err)
		return 1
	}
	logger.Info("bootloader ready", "chipID", fmt.Sprintf("0x%08x", chipID))

	bar := &progressBar{}
	progress := func(stage string, done, total uint32) {
		bar.Update(stage, done, total)
		if reporter != nil {
			reporter.Progress(stage, bar.lastPct)
		}
	}
	f := flasher.New(engine, logger, progress)

	if aligned, coerced := f.AlignStart(startAddr); coerced {
		printError("Start Address 0x%x not on page boundary. Ignoring --start option", startAddr)
		startAddr = aligned
	} else if startAddr != 0 {
		fmt.Printf("Start Address: 0x%x\n", startAddr)
	}

	// Progress totals: a HEX file encodes each image byte as two ASCII
	// characters, so half the file size is a close enough estimate.
	totalBytes := uint32(len(imageData))
	if format == image.FormatHex {
		totalBytes /= 2
	}

	newSource := func() image.Source {
		if format == image.FormatBinary {
			return image.NewBinary(imageData, startAddr)
		}
		return image.NewHex(bytes.NewReader(imageData))
	}

	if *eraseFlg {
		if reporter != nil {
			reporter.Stage("erase")
		}
		if err := f.Erase(ctx, startAddr); err != nil {
			return fail(bar, reporter, "Flash erase failed", err)
		}
		bar.Finish()
	}

	if *programFlg {
		if reporter != nil {
			reporter.Stage("program")
		}
		if err := f.Program(ctx, newSource(), totalBytes); err != nil {
			return fail(bar, reporter, "Error during download", err)
		}
		bar.Finish()
	}

	if *verifyFlg {
		if reporter != nil {
			reporter.Stage("verify")
		}
		if err := f.Verify(ctx, newSource(), totalBytes); err != nil {
			return fail(bar, reporter, "Error during verify", err)
		}
		bar.Finish()
	}

	if reporter != nil {
		reporter.Result(true, "")
	}
	printSuccess("Done")
	return 0
}

// parseStart accepts hex, decimal or octal start addresses.
func parseStart(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// fail drops any live progress bar, prints the single red failure line and
// mirrors it to the reporter.
func fail(bar *progressBar, reporter *report.Reporter, op string, err error) int {
	bar.Abort()
	printError("%s: %v", op, err)
	if reporter != nil {
		reporter.Result(false, err.Error())
	}
	return 1
}
