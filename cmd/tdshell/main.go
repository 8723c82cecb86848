// tdshell is an interactive shell for driving emulated floppy units.
//
// Usage:
//
//	tdshell [flags]
//
// Flags:
//
//	-c, --config         Explicit config file (JSONC)
//	    --cache-bytes    Override the shared track cache budget
//	    --no-checksums   Disable per-disk checksums
//	-u, --units          Number of units to start (default 1)
//
// glog flags (-v, --logtostderr, ...) are accepted as well.
//
// Commands (in REPL):
//
//	start [unit|any] [dd|hd]          Start a unit
//	stop <unit>                       Stop a unit
//	insert <unit> <path> [ro] [cache] [prefill]
//	eject <unit> [timeout]            Eject the medium
//	create <path> [dd|hd]             Create a blank image
//	protect <unit> on|off             Toggle write protection
//	cache <unit|all> on|off           Toggle track caching
//	budget <bytes>                    Resize the shared cache
//	status [unit]                     Show unit status
//	read <unit> <offset> <length>     Hex dump a range
//	write <unit> <offset> <text>      Write text padded to a sector
//	fill <unit> <offset> <len> <byte> Write a repeated byte
//	format <unit> <track> <byte>      Format a track with a byte
//	update|clear <unit>               Flush or discard the track buffer
//	seek <unit> <offset>              Position the head
//	motor <unit> on|off               Switch the motor
//	idle|pause|resume <unit>          Worker controls
//	stats                             Show cache statistics
//	config                            Print the effective config
//	help / exit / quit / q
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/trackdisk/pkg/fs"
	"github.com/calvinalkan/trackdisk/pkg/trackdisk"
)

const opTimeout = 10 * time.Second

var errUsage = errors.New("usage")

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}

	glog.Flush()
}

func run(args []string) error {
	flags := flag.NewFlagSet("tdshell", flag.ContinueOnError)
	flags.AddGoFlagSet(goflag.CommandLine)

	configPath := flags.StringP("config", "c", "", "explicit config file")
	cacheBytes := flags.Int64("cache-bytes", -1, "override the shared track cache budget")
	noSums := flags.Bool("no-checksums", false, "disable per-disk checksums")
	units := flags.IntP("units", "u", 1, "number of units to start")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tdshell [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Interactive shell for emulated floppy units.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
	}

	err := flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}

	// glog reads its settings from the standard flag set.
	_ = goflag.CommandLine.Parse(nil)

	cfg, sources, err := trackdisk.LoadConfig(trackdisk.LoadConfigInput{ConfigPath: *configPath})
	if err != nil {
		return err
	}

	if *cacheBytes >= 0 {
		cfg.CacheBytes = *cacheBytes
	}

	if *noSums {
		cfg.DiskChecksums = false
	}

	glog.V(1).Infof("config loaded: global=%q explicit=%q", sources.Global, sources.Explicit)

	dev, err := trackdisk.New(trackdisk.Options{Config: &cfg})
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}

	err = startUnits(dev, *units)
	if err != nil {
		return errors.Join(err, dev.Close())
	}

	repl := &REPL{dev: dev, out: os.Stdout}

	err = repl.Run()

	return errors.Join(err, dev.Close())
}

// startUnits starts units 0 through n-1.
func startUnits(dev *trackdisk.Device, n int) error {
	for i := range n {
		_, err := dev.StartUnit(trackdisk.StartOptions{Unit: i})
		if err != nil {
			return fmt.Errorf("starting unit %d: %w", i, err)
		}
	}

	return nil
}

// REPL is the interactive command loop.
type REPL struct {
	dev   *trackdisk.Device
	out   io.Writer
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".tdshell_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Fprintln(r.out, "tdshell - emulated trackdisk units")
	fmt.Fprintln(r.out, "Type 'help' for available commands.")
	fmt.Fprintln(r.out)

	for {
		line, err := r.liner.Prompt("td> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Fprintln(r.out, "Bye!")

			break
		}

		err = r.Exec(cmd, parts[1:])
		if err != nil {
			if errors.Is(err, errUsage) {
				fmt.Fprintf(r.out, "%v\n", err)

				continue
			}

			fmt.Fprintf(r.out, "error: %v (%s)\n", err, trackdisk.CodeOf(err))
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = r.liner.WriteHistory(f)
	_ = f.Close()
}

var commands = []string{
	"start", "stop", "insert", "eject", "create",
	"protect", "cache", "budget", "status",
	"read", "write", "fill", "format", "update", "clear",
	"seek", "motor", "idle", "pause", "resume",
	"stats", "config", "help", "exit", "quit", "q",
}

// completer provides tab completion for commands.
func completer(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

// Exec runs a single shell command against the device.
func (r *REPL) Exec(cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		printHelp(r.out)

		return nil
	case "start":
		return r.cmdStart(args)
	case "stop":
		return withUnit(args, 1, "stop <unit>", func(u int) error {
			return r.dev.StopUnit(ctx, u)
		})
	case "insert":
		return r.cmdInsert(ctx, args)
	case "eject":
		return r.cmdEject(ctx, args)
	case "create":
		return r.cmdCreate(args)
	case "protect":
		return r.cmdToggle(ctx, args, "protect <unit> on|off", func(on bool) trackdisk.ChangeOptions {
			return trackdisk.ChangeOptions{WriteProtected: &on}
		})
	case "cache":
		return r.cmdToggle(ctx, args, "cache <unit|all> on|off", func(on bool) trackdisk.ChangeOptions {
			return trackdisk.ChangeOptions{EnableCache: &on}
		})
	case "budget":
		return r.cmdBudget(ctx, args)
	case "status":
		return r.cmdStatus(args)
	case "read":
		return r.cmdRead(ctx, args)
	case "write":
		return r.cmdWrite(ctx, args)
	case "fill":
		return r.cmdFill(ctx, args)
	case "format":
		return r.cmdFormat(ctx, args)
	case "update":
		return withUnit(args, 1, "update <unit>", func(u int) error { return r.dev.Update(ctx, u) })
	case "clear":
		return withUnit(args, 1, "clear <unit>", func(u int) error { return r.dev.Clear(ctx, u) })
	case "seek":
		return r.cmdSeek(ctx, args)
	case "motor":
		return r.cmdMotor(ctx, args)
	case "idle":
		return withUnit(args, 1, "idle <unit>", r.dev.Idle)
	case "pause":
		return withUnit(args, 1, "pause <unit>", r.dev.Pause)
	case "resume":
		return withUnit(args, 1, "resume <unit>", r.dev.Resume)
	case "stats":
		r.cmdStats()

		return nil
	case "config":
		text, err := trackdisk.FormatConfig(r.dev.Config())
		if err != nil {
			return err
		}

		fmt.Fprintln(r.out, text)

		return nil
	default:
		return fmt.Errorf("%w: unknown command %q (type 'help' for commands)", errUsage, cmd)
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  start [unit|any] [dd|hd]           Start a unit")
	fmt.Fprintln(w, "  stop <unit>                        Stop a unit")
	fmt.Fprintln(w, "  insert <unit> <path> [ro] [cache] [prefill]")
	fmt.Fprintln(w, "                                     Insert an image")
	fmt.Fprintln(w, "  eject <unit> [timeout]             Eject the medium")
	fmt.Fprintln(w, "  create <path> [dd|hd]              Create a blank image")
	fmt.Fprintln(w, "  protect <unit> on|off              Toggle write protection")
	fmt.Fprintln(w, "  cache <unit|all> on|off            Toggle track caching")
	fmt.Fprintln(w, "  budget <bytes>                     Resize the shared cache")
	fmt.Fprintln(w, "  status [unit]                      Show unit status")
	fmt.Fprintln(w, "  read <unit> <offset> <length>      Hex dump a range")
	fmt.Fprintln(w, "  write <unit> <offset> <text>       Write text padded to a sector")
	fmt.Fprintln(w, "  fill <unit> <offset> <len> <byte>  Write a repeated byte")
	fmt.Fprintln(w, "  format <unit> <track> <byte>       Format a track")
	fmt.Fprintln(w, "  update <unit> / clear <unit>       Flush or discard the track buffer")
	fmt.Fprintln(w, "  seek <unit> <offset>               Position the head")
	fmt.Fprintln(w, "  motor <unit> on|off                Switch the motor")
	fmt.Fprintln(w, "  idle / pause / resume <unit>       Worker controls")
	fmt.Fprintln(w, "  stats                              Show cache statistics")
	fmt.Fprintln(w, "  config                             Print the effective config")
	fmt.Fprintln(w, "  help                               Show this help")
	fmt.Fprintln(w, "  exit / quit / q                    Exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Numbers accept 0x prefixes. Offsets must be sector aligned.")
}

func withUnit(args []string, n int, usage string, fn func(unit int) error) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s", errUsage, usage)
	}

	u, err := parseUnit(args[0])
	if err != nil {
		return err
	}

	return fn(u)
}

func (r *REPL) cmdStart(args []string) error {
	opts := trackdisk.StartOptions{Any: true}

	for _, a := range args {
		switch strings.ToLower(a) {
		case "any":
			opts.Any = true
		case "dd", "hd":
			opts.DriveType = parseDriveType(a)
		default:
			u, err := parseUnit(a)
			if err != nil {
				return err
			}

			opts.Any = false
			opts.Unit = u
		}
	}

	num, err := r.dev.StartUnit(opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "started unit %d\n", num)

	return nil
}

func (r *REPL) cmdInsert(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: insert <unit> <path> [ro] [cache] [prefill]", errUsage)
	}

	u, err := parseUnit(args[0])
	if err != nil {
		return err
	}

	opts := trackdisk.InsertOptions{Path: args[1]}

	for _, a := range args[2:] {
		switch strings.ToLower(a) {
		case "ro":
			opts.WriteProtected = true
		case "cache":
			opts.EnableCache = true
		case "prefill":
			opts.EnableCache = true
			opts.Prefill = true
		default:
			return fmt.Errorf("%w: unknown insert option %q", errUsage, a)
		}
	}

	err = r.dev.InsertMedium(ctx, u, opts)
	if err != nil {
		return err
	}

	return r.printStatus(u)
}

func (r *REPL) cmdEject(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: eject <unit> [timeout]", errUsage)
	}

	u, err := parseUnit(args[0])
	if err != nil {
		return err
	}

	var timeout time.Duration

	if len(args) == 2 {
		timeout, err = time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("%w: invalid timeout %q", errUsage, args[1])
		}
	}

	return r.dev.EjectMedium(ctx, u, timeout)
}

func (r *REPL) cmdCreate(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: create <path> [dd|hd]", errUsage)
	}

	dt := trackdisk.DriveDD
	if len(args) == 2 {
		dt = parseDriveType(args[1])
		if dt == 0 {
			return fmt.Errorf("%w: drive type must be dd or hd", errUsage)
		}
	}

	exists, err := fs.NewReal().Exists(args[0])
	if err != nil {
		return err
	}

	if exists {
		return fmt.Errorf("%w: %s already exists", errUsage, args[0])
	}

	err = trackdisk.CreateImage(args[0], dt)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "created %s image %s\n", dt, args[0])

	return nil
}

func (r *REPL) cmdToggle(
	ctx context.Context,
	args []string,
	usage string,
	opts func(on bool) trackdisk.ChangeOptions,
) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: %s", errUsage, usage)
	}

	u := trackdisk.AllUnits
	if args[0] != "all" {
		var err error

		u, err = parseUnit(args[0])
		if err != nil {
			return err
		}
	}

	on, err := parseOnOff(args[1])
	if err != nil {
		return err
	}

	return r.dev.ChangeUnit(ctx, u, opts(on))
}

func (r *REPL) cmdBudget(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: budget <bytes>", errUsage)
	}

	n, err := strconv.ParseInt(args[0], 0, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: invalid byte count %q", errUsage, args[0])
	}

	err = r.dev.ChangeUnit(ctx, trackdisk.AllUnits, trackdisk.ChangeOptions{MaxCacheBytes: &n})
	if err != nil {
		return err
	}

	r.cmdStats()

	return nil
}

func (r *REPL) cmdStatus(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: status [unit]", errUsage)
	}

	if len(args) == 1 {
		u, err := parseUnit(args[0])
		if err != nil {
			return err
		}

		return r.printStatus(u)
	}

	return r.printStatus(trackdisk.AllUnits)
}

func (r *REPL) printStatus(u int) error {
	list, err := r.dev.QueryUnitStatus(u)
	if err != nil {
		return err
	}

	for _, s := range list {
		fmt.Fprintf(r.out, "unit %d: %s %s", s.Unit, s.DriveType, s.State)

		if !s.Active {
			fmt.Fprintf(r.out, " (empty, changes=%d)\n", s.ChangeCount)

			continue
		}

		fmt.Fprintf(r.out, " %s changes=%d writable=%v dirty=%v busy=%v\n",
			s.Path, s.ChangeCount, s.Writable, s.Dirty, s.Busy)

		if s.BootValid {
			fmt.Fprintf(r.out, "  boot:   %s\n", s.DOSType)
		}

		if s.VolumeValid {
			fmt.Fprintf(r.out, "  volume: %s (%s)\n", s.VolumeName, s.VolumeDate.Format(time.DateTime))
		}

		if s.ChecksumValid {
			fmt.Fprintf(r.out, "  sum:    %s\n", s.Checksum)
		}

		if s.CacheEnabled {
			fmt.Fprintf(r.out, "  cache:  %d hits, %d misses (%.1f%%)\n",
				s.CacheHits, s.CacheMisses, 100*s.HitRate())
		}
	}

	return nil
}

func (r *REPL) cmdRead(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: read <unit> <offset> <length>", errUsage)
	}

	u, offset, err := parseUnitOffset(args)
	if err != nil {
		return err
	}

	length, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("%w: invalid length %q", errUsage, args[2])
	}

	data, err := r.dev.Read(ctx, u, offset, length)
	if err != nil {
		return err
	}

	fmt.Fprint(r.out, hex.Dump(data))

	return nil
}

func (r *REPL) cmdWrite(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: write <unit> <offset> <text>", errUsage)
	}

	u, offset, err := parseUnitOffset(args)
	if err != nil {
		return err
	}

	text := []byte(strings.Join(args[2:], " "))
	size := (len(text) + trackdisk.SectorSize - 1) / trackdisk.SectorSize * trackdisk.SectorSize
	data := make([]byte, size)
	copy(data, text)

	return r.dev.Write(ctx, u, offset, data)
}

func (r *REPL) cmdFill(ctx context.Context, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("%w: fill <unit> <offset> <len> <byte>", errUsage)
	}

	u, offset, err := parseUnitOffset(args)
	if err != nil {
		return err
	}

	length, err := strconv.ParseInt(args[2], 0, 32)
	if err != nil {
		return fmt.Errorf("%w: invalid length %q", errUsage, args[2])
	}

	b, err := strconv.ParseUint(args[3], 0, 8)
	if err != nil {
		return fmt.Errorf("%w: invalid byte %q", errUsage, args[3])
	}

	return r.dev.Write(ctx, u, offset, bytes.Repeat([]byte{byte(b)}, int(length)))
}

func (r *REPL) cmdFormat(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: format <unit> <track> <byte>", errUsage)
	}

	u, err := parseUnit(args[0])
	if err != nil {
		return err
	}

	track, err := strconv.Atoi(args[1])
	if err != nil || track < 0 {
		return fmt.Errorf("%w: invalid track %q", errUsage, args[1])
	}

	b, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return fmt.Errorf("%w: invalid byte %q", errUsage, args[2])
	}

	geo, err := r.dev.GeometryOf(u)
	if err != nil {
		return err
	}

	size := geo.TrackSize()

	return r.dev.Format(ctx, u, int64(track)*int64(size), bytes.Repeat([]byte{byte(b)}, size))
}

func (r *REPL) cmdSeek(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: seek <unit> <offset>", errUsage)
	}

	u, offset, err := parseUnitOffset(args)
	if err != nil {
		return err
	}

	return r.dev.Seek(ctx, u, offset)
}

func (r *REPL) cmdMotor(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: motor <unit> on|off", errUsage)
	}

	u, err := parseUnit(args[0])
	if err != nil {
		return err
	}

	on, err := parseOnOff(args[1])
	if err != nil {
		return err
	}

	prev, err := r.dev.Motor(ctx, u, on)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "motor was %s\n", onOff(prev))

	return nil
}

func (r *REPL) cmdStats() {
	st := r.dev.CacheStats()

	fmt.Fprintf(r.out, "cache enabled=%v entry=%d budget=%d allocated=%d max=%d\n",
		st.Enabled, st.EntrySize, st.BudgetBytes, st.AllocatedBytes, st.MaxEntries)
	fmt.Fprintf(r.out, "  protected %d/%d, probationary %d, spare %d\n",
		st.Protected, st.ProtectedCap, st.Probationary, st.Spare)
	fmt.Fprintf(r.out, "  hits %d, misses %d, evictions %d, corrupt %d\n",
		st.Hits, st.Misses, st.Evictions, st.CorruptDrops)
}

func parseUnit(s string) (int, error) {
	u, err := strconv.Atoi(s)
	if err != nil || u < 0 {
		return 0, fmt.Errorf("%w: invalid unit %q", errUsage, s)
	}

	return u, nil
}

func parseUnitOffset(args []string) (int, int64, error) {
	u, err := parseUnit(args[0])
	if err != nil {
		return 0, 0, err
	}

	offset, err := strconv.ParseInt(args[1], 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid offset %q", errUsage, args[1])
	}

	return u, offset, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected on or off, got %q", errUsage, s)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}

	return "off"
}

func parseDriveType(s string) trackdisk.DriveType {
	switch strings.ToLower(s) {
	case "dd":
		return trackdisk.DriveDD
	case "hd":
		return trackdisk.DriveHD
	default:
		return 0
	}
}
