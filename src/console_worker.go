package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ryansname/dosingctl/src/calibration"
	"github.com/ryansname/dosingctl/src/pump"
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// logReporter reports calibration faults to the local log only. The console
// runs beside the control loop and must not publish on its connection.
type logReporter struct{}

func (logReporter) Errorf(format string, args ...any) {
	log.Printf(format+"\n", args...)
}

type commandInjector interface {
	Inject(topic string, payload []byte) bool
}

type calibrationReader interface {
	Read(id pump.ID) calibration.Record
}

type flagReader interface {
	Read() (int, error)
}

// consoleCommand is either a message for the control loop or a local action
type consoleCommand struct {
	Topic   string
	Payload string
	Local   string
}

const (
	localHelp   = "help"
	localStatus = "status"
)

func findPump(defs []pump.Definition, name string) (pump.Definition, error) {
	id, err := pump.ParseID(name)
	if err != nil {
		return pump.Definition{}, err
	}
	for _, d := range defs {
		if d.ID == id {
			return d, nil
		}
	}
	return pump.Definition{}, fmt.Errorf("%w: %s", pump.ErrUnknownPump, name)
}

func parseVolumeArg(arg string) error {
	if _, err := strconv.ParseFloat(arg, 64); err != nil {
		return fmt.Errorf("invalid volume %q", arg)
	}
	return nil
}

// parseConsoleCommand maps a console line onto the topic and payload a remote
// client would send for the same action.
func parseConsoleCommand(line, prefix string, defs []pump.Definition) (consoleCommand, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return consoleCommand{}, errors.New("empty command")
	}
	args := parts[1:]

	switch parts[0] {
	case "dose", "prime":
		if len(args) != 2 {
			return consoleCommand{}, fmt.Errorf("usage: %s <pump> <volume>", parts[0])
		}
		def, err := findPump(defs, args[0])
		if err != nil {
			return consoleCommand{}, err
		}
		if err := parseVolumeArg(args[1]); err != nil {
			return consoleCommand{}, err
		}
		address := def.DosingAddress
		if parts[0] == "prime" {
			address = def.PrimingAddress
		}
		return consoleCommand{Topic: prefix + "/" + address, Payload: args[1]}, nil

	case "calibrate":
		if len(args) != 4 {
			return consoleCommand{}, errors.New("usage: calibrate <pump> <factor> <slope> <intercept>")
		}
		def, err := findPump(defs, args[0])
		if err != nil {
			return consoleCommand{}, err
		}
		payload := strings.Join(args[1:], " ")
		if _, err := calibration.Parse(payload); err != nil {
			return consoleCommand{}, err
		}
		return consoleCommand{Topic: prefix + "/" + def.ID.String() + "/calibration", Payload: payload}, nil

	case "update":
		return consoleCommand{Topic: prefix + "/update", Payload: "1"}, nil

	case "reset":
		return consoleCommand{Topic: prefix + "/restart"}, nil

	case localStatus, localHelp:
		if len(args) != 0 {
			return consoleCommand{}, fmt.Errorf("%s takes no arguments", parts[0])
		}
		return consoleCommand{Local: parts[0]}, nil
	}

	return consoleCommand{}, fmt.Errorf("unknown command: %s (try 'help')", parts[0])
}

// console is the bench operator's prompt
type console struct {
	prefix string
	defs   []pump.Definition
	cal    calibrationReader
	flag   flagReader
	queue  commandInjector
	rl     *readline.Instance
	out    io.Writer
}

func newConsole(
	prefix string,
	defs []pump.Definition,
	cal calibrationReader,
	flag flagReader,
	queue commandInjector,
) *console {
	return &console{
		prefix: prefix,
		defs:   defs,
		cal:    cal,
		flag:   flag,
		queue:  queue,
		out:    os.Stdout,
	}
}

// print outputs a line, handling readline prompt properly
func (c *console) print(format string, args ...any) {
	if c.rl != nil {
		c.rl.Clean()
		defer c.rl.Refresh()
	}
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) printHelp() {
	c.print("Commands:")
	c.print("  dose <pump> <volume>                       - Dose a metered volume")
	c.print("  prime <pump> <volume>                      - Prime the tubing")
	c.print("  calibrate <pump> <factor> <slope> <icept>  - Store a calibration")
	c.print("  update                                     - Request a firmware update")
	c.print("  reset                                      - Restart the controller")
	c.print("  status                                     - Show calibrations and the update flag")
	c.print("  help                                       - Show this help")
}

func (c *console) printStatus() {
	for _, d := range c.defs {
		r := c.cal.Read(d.ID)
		c.print("%s  GPIO%d  factor %.4f  slope %.4f  intercept %.4f",
			d.ID, d.Channel, r.Factor, r.Slope, r.Intercept)
	}
	v, err := c.flag.Read()
	if err != nil {
		c.print("update flag: unset")
		return
	}
	c.print("update flag: %d", v)
}

// handle processes one console line
func (c *console) handle(line string) {
	cmd, err := parseConsoleCommand(line, c.prefix, c.defs)
	if err != nil {
		log.Printf("Error: %v", err)
		return
	}

	switch cmd.Local {
	case localHelp:
		c.printHelp()
		return
	case localStatus:
		c.printStatus()
		return
	}

	if !c.queue.Inject(cmd.Topic, []byte(cmd.Payload)) {
		log.Printf("Command dropped, queue full: %s", cmd.Topic)
		return
	}
	log.Printf("Queued %q on %s", cmd.Payload, cmd.Topic)
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" && !sendLine(ctx, commandChan, line) {
			return
		}
	}
}

// sendLine hands a line to the console worker, giving up once ctx is done so
// the reader does not outlive the worker.
func sendLine(ctx context.Context, commandChan chan<- string, line string) bool {
	select {
	case commandChan <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

// getHistoryFilePath returns the path for the console history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "dosingctl")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "console_history")
}

// consoleWorker reads bench commands and queues them for the control loop
func consoleWorker(ctx context.Context, cancel context.CancelFunc, c *console) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "dosing> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Console worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
		c.rl = nil
	}()

	rlWriter.rl = rl
	log.SetOutput(rlWriter)
	c.rl = rl

	log.Println("Console worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case line := <-commandChan:
			c.handle(line)
		case <-ctx.Done():
			log.Println("Console worker stopped")
			return
		}
	}
}
