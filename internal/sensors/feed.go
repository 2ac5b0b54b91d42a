package sensors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-zeromq/zmq4"
	"go.bug.st/serial"

	"github.com/agsys/irrigation-node/internal/logger"
)

// Feed delivers samples into the channels until ctx is done.
type Feed interface {
	Run(ctx context.Context) error
}

// NewFeed builds the feed selected by cfg.Source. It returns nil for "none".
func NewFeed(cfg Config, ch *Channels, log logger.Logger) (Feed, error) {
	switch cfg.Source {
	case "", "none":
		return nil, nil
	case "zmq":
		return NewZMQFeed(cfg.ZMQURL, ch, log), nil
	case "serial":
		return NewSerialFeed(cfg.SerialPort, cfg.BaudRate, ch, log), nil
	default:
		return nil, fmt.Errorf("unknown sensor source %q", cfg.Source)
	}
}

// ZMQFeed subscribes to a publisher of JSON sample frames. The sensor
// acquisition process publishes one multipart message per sample; the last
// frame carries the JSON body.
type ZMQFeed struct {
	url      string
	channels *Channels
	log      logger.Logger
}

// NewZMQFeed creates a ZeroMQ SUB feed.
func NewZMQFeed(url string, ch *Channels, log logger.Logger) *ZMQFeed {
	return &ZMQFeed{url: url, channels: ch, log: log}
}

// Run connects the SUB socket and ingests frames until ctx is done.
func (f *ZMQFeed) Run(ctx context.Context) error {
	sock := zmq4.NewSub(ctx)
	defer sock.Close()

	if err := sock.Dial(f.url); err != nil {
		return fmt.Errorf("failed to connect sensor socket: %w", err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	f.log.Info("Sensor feed connected", "url", f.url)

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Debugf("Sensor feed receive error: %v", err)
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}

		s, err := DecodeFrame(msg.Frames[len(msg.Frames)-1])
		if err != nil {
			f.log.Warnf("Failed to decode sensor frame: %v", err)
			continue
		}
		f.channels.Ingest(s)
	}
}

// DecodeFrame parses a JSON sample frame.
func DecodeFrame(data []byte) (Sample, error) {
	var s Sample
	if err := json.Unmarshal(data, &s); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// SerialFeed reads "key=value" lines from a UART, for example
//
//	moisture_raw=2100 temperature=24.5 humidity=61 n_raw=1800
type SerialFeed struct {
	port     string
	baud     int
	channels *Channels
	log      logger.Logger
}

// NewSerialFeed creates a UART line feed.
func NewSerialFeed(port string, baud int, ch *Channels, log logger.Logger) *SerialFeed {
	return &SerialFeed{port: port, baud: baud, channels: ch, log: log}
}

// Run opens the port and ingests lines until ctx is done.
func (f *SerialFeed) Run(ctx context.Context) error {
	port, err := serial.Open(f.port, &serial.Mode{BaudRate: f.baud})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", f.port, err)
	}
	f.log.Info("Sensor feed opened", "port", f.port, "baud", f.baud)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		port.Close()
	}()

	// Closing the port unblocks the pending read.
	err = f.consume(port)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (f *SerialFeed) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s, err := ParseLine(line)
		if err != nil {
			f.log.Warnf("Failed to parse sensor line %q: %v", line, err)
			continue
		}
		f.channels.Ingest(s)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read sensor line: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// ParseLine parses whitespace separated key=value pairs into a Sample.
// Unknown keys are ignored.
func ParseLine(line string) (Sample, error) {
	var s Sample
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Sample{}, fmt.Errorf("malformed field %q", field)
		}

		switch key {
		case "moisture_raw", "n_raw", "p_raw", "k_raw", "ph_raw":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Sample{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			switch key {
			case "moisture_raw":
				s.MoistureRaw = &n
			case "n_raw":
				s.NitrogenRaw = &n
			case "p_raw":
				s.PhosRaw = &n
			case "k_raw":
				s.PotassRaw = &n
			case "ph_raw":
				s.PHRaw = &n
			}
		case "temperature", "humidity":
			v, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return Sample{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			f := float32(v)
			if key == "temperature" {
				s.Temperature = &f
			} else {
				s.Humidity = &f
			}
		}
	}
	return s, nil
}
