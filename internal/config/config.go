// Package config parses the event builder's command line, source table and
// environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds the parsed command-line configuration.
type Config struct {
	Workers      int
	FirstBurstID uint32
	SourceTable  string

	EOBIP        string
	EOBPort      uint16
	EOBInterface string

	AuxMulticast bool
	AuxUnicast   []string
	AuxGroup     string
	AuxPort      uint16

	StorageDir         string
	StorageCompression string

	RingbufPin    string
	XDPProgramPin string
	XDPInterface  string

	Stage1Expr       string
	Stage2Expr       string
	Stage2ResumeExpr string

	MaxPoolSlots int
	PollTimeout  time.Duration
	QueueDepth   int

	MetricsAddr string
	LogLevel    slog.Level
	RunID       string
}

// ParseArgs parses command-line arguments. args[0] is the program name.
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, errors.New("no arguments provided")
	}

	cfg := &Config{}
	var (
		firstBurst uint32
		eobPort    uint16
		auxPort    uint16
		logLevel   string
	)

	fs := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	fs.IntVarP(&cfg.Workers, "workers", "w", 4, "number of worker shards")
	fs.Uint32Var(&firstBurst, "first-burst-id", 0, "identifier of the first burst of the run")
	fs.StringVar(&cfg.SourceTable, "source-table", "", "YAML file listing the expected sources")

	fs.StringVar(&cfg.EOBIP, "eob-ip", "", "destination IPv4 address of the end-of-burst broadcast")
	fs.Uint16Var(&eobPort, "eob-port", 14162, "destination UDP port of the end-of-burst broadcast")
	fs.StringVar(&cfg.EOBInterface, "eob-interface", "", "interface the end-of-burst frame is sent on")

	fs.BoolVar(&cfg.AuxMulticast, "aux-multicast", false, "send auxiliary data requests to the multicast group")
	fs.StringSliceVar(&cfg.AuxUnicast, "aux-unicast", nil, "auxiliary readout addresses for unicast requests")
	fs.StringVar(&cfg.AuxGroup, "aux-group", "", "multicast group for auxiliary data requests")
	fs.Uint16Var(&auxPort, "aux-port", 58913, "UDP port of the auxiliary readout")

	fs.StringVar(&cfg.StorageDir, "storage-dir", "/var/lib/eventbuilder", "directory for burst files")
	fs.StringVar(&cfg.StorageCompression, "storage-compression", "lz4", "record body compression: none, lz4 or zstd")

	fs.StringVar(&cfg.RingbufPin, "ringbuf-pin", "/sys/fs/bpf/eventbuilder/fragments", "pinned ring buffer map of the capture program")
	fs.StringVar(&cfg.XDPProgramPin, "xdp-program-pin", "", "pinned XDP capture program to attach")
	fs.StringVar(&cfg.XDPInterface, "xdp-interface", "", "interface to attach the XDP program to")

	fs.StringVar(&cfg.Stage1Expr, "stage1-expr", "", "Stage 1 trigger expression")
	fs.StringVar(&cfg.Stage2Expr, "stage2-expr", "", "Stage 2 trigger expression")
	fs.StringVar(&cfg.Stage2ResumeExpr, "stage2-resume-expr", "", "Stage 2 expression after auxiliary data (defaults to --stage2-expr)")

	fs.IntVar(&cfg.MaxPoolSlots, "max-pool-slots", 1<<22, "upper bound on event pool slots per worker (0 = unbounded)")
	fs.DurationVar(&cfg.PollTimeout, "poll-timeout", time.Second, "bounded wait for fragments before checking for shutdown")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", 4096, "depth of worker inboxes and output queues")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9464", "Prometheus listen address (empty disables)")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.StringVar(&cfg.RunID, "run-id", "", "run identifier used for trace IDs (random if empty)")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg.FirstBurstID = firstBurst
	cfg.EOBPort = eobPort
	cfg.AuxPort = auxPort

	if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	if cfg.RunID == "" {
		id, err := generateRunID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate run ID: %w", err)
		}
		cfg.RunID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks flag combinations.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("--workers must be positive, got %d", c.Workers)
	}
	if c.SourceTable == "" {
		return errors.New("--source-table is required")
	}
	if ip := net.ParseIP(c.EOBIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("--eob-ip %q is not an IPv4 address", c.EOBIP)
	}
	if c.EOBInterface == "" {
		return errors.New("--eob-interface is required")
	}
	if c.AuxMulticast && c.AuxGroup == "" {
		return errors.New("--aux-multicast needs --aux-group")
	}
	if c.AuxGroup != "" {
		if ip := net.ParseIP(c.AuxGroup); ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("--aux-group %q is not a multicast address", c.AuxGroup)
		}
	}
	for _, a := range c.AuxUnicast {
		if net.ParseIP(a) == nil {
			return fmt.Errorf("--aux-unicast %q is not an IP address", a)
		}
	}
	if (c.XDPProgramPin == "") != (c.XDPInterface == "") {
		return errors.New("--xdp-program-pin and --xdp-interface must be set together")
	}
	if c.MaxPoolSlots < 0 {
		return fmt.Errorf("--max-pool-slots must not be negative, got %d", c.MaxPoolSlots)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("--poll-timeout must be positive, got %s", c.PollTimeout)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("--queue-depth must be positive, got %d", c.QueueDepth)
	}
	return nil
}

// AuxAddrs resolves the auxiliary request destinations.
func (c *Config) AuxAddrs() (group *net.UDPAddr, unicast []*net.UDPAddr) {
	if c.AuxGroup != "" {
		group = &net.UDPAddr{IP: net.ParseIP(c.AuxGroup), Port: int(c.AuxPort)}
	}
	for _, a := range c.AuxUnicast {
		unicast = append(unicast, &net.UDPAddr{IP: net.ParseIP(a), Port: int(c.AuxPort)})
	}
	return group, unicast
}

// generateRunID generates a random 64-bit run ID as 16 hex chars.
func generateRunID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
