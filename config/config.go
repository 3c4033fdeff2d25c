package config

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/core/manager"
	"github.com/vadiminshakov/cfdp/core/pdu"
	"github.com/vadiminshakov/cfdp/core/transfer"
	"gopkg.in/yaml.v3"
)

// Config is the node configuration. Keys missing from a YAML file keep
// their defaults.
type Config struct {
	Entity    uint64            `yaml:"entity"`
	Nodeaddr  string            `yaml:"nodeaddr"`
	Remotes   map[uint64]string `yaml:"remotes"`
	Whitelist []string          `yaml:"whitelist"`
	DBPath    string            `yaml:"dbpath"`
	WALPath   string            `yaml:"walpath"`
	Audit     string            `yaml:"audit"` // audit log path, empty disables it

	EntityIDLength int  `yaml:"entity_id_length"`
	SequenceLength int  `yaml:"sequence_length"`
	MaxPduSize     int  `yaml:"max_pdu_size"`
	CRC            bool `yaml:"crc"`

	SegmentSize       int               `yaml:"segment_size"`
	SendWindow        int               `yaml:"send_window"`
	AckTimeout        time.Duration     `yaml:"ack_timeout"`
	AckLimit          int               `yaml:"ack_limit"`
	AckBackoffFactor  float64           `yaml:"ack_backoff_factor"`
	NakTimeout        time.Duration     `yaml:"nak_timeout"`
	NakLimit          int               `yaml:"nak_limit"`
	InactivityTimeout time.Duration     `yaml:"inactivity_timeout"`
	ProvisionalLimit  int               `yaml:"provisional_limit"`
	ViolationLimit    int               `yaml:"violation_limit"`
	FaultHandlers     map[string]string `yaml:"fault_handlers"`

	MaxPending       int           `yaml:"max_pending_transactions"`
	Retention        time.Duration `yaml:"retention"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	Workers          int           `yaml:"workers"`
	QueueDepth       int           `yaml:"queue_depth"`

	// one-shot transfer queued at startup
	Put  string `yaml:"-"`
	Dest uint64 `yaml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Entity:            1,
		Nodeaddr:          "localhost:3050",
		Remotes:           map[uint64]string{},
		Whitelist:         []string{"127.0.0.1"},
		DBPath:            "./badger",
		WALPath:           "./wal",
		EntityIDLength:    2,
		SequenceLength:    4,
		MaxPduSize:        512,
		CRC:               true,
		SendWindow:        8,
		AckTimeout:        5 * time.Second,
		AckLimit:          5,
		AckBackoffFactor:  1,
		NakTimeout:        5 * time.Second,
		NakLimit:          -1,
		InactivityTimeout: 10 * time.Second,
		ProvisionalLimit:  1 << 20,
		ViolationLimit:    5,
		MaxPending:        100,
		Retention:         20 * time.Second,
		ProgressInterval:  500 * time.Millisecond,
		TickInterval:      time.Second,
		Workers:           4,
		QueueDepth:        1024,
	}
}

type remotes map[uint64]string

func (r remotes) String() string {
	ids := make([]uint64, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d=%s", id, r[id]))
	}
	return strings.Join(parts, ",")
}

// Set accepts "id=host:port", possibly several separated by commas.
func (r remotes) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		if item == "" {
			continue
		}
		id, addr, ok := strings.Cut(item, "=")
		if !ok || addr == "" {
			return errors.Errorf("remote %q is not id=address", item)
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "remote entity id %q", id)
		}
		r[n] = addr
	}
	return nil
}

type whitelist []string

func (i *whitelist) String() string {
	return strings.Join(*i, ",")
}

func (i *whitelist) Set(value string) error {
	*i = (*i)[:0]
	for _, host := range strings.Split(value, ",") {
		if host != "" {
			*i = append(*i, host)
		}
	}
	return nil
}

// Get creates configuration from yaml configuration file (if '-config=' flag specified) or command-line arguments.
func Get() *Config {
	conf, err := Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return conf
}

// Parse reads args. A -config file is applied over the defaults first, then
// the flags given explicitly override it.
func Parse(args []string) (*Config, error) {
	conf := Default()
	fs := flag.NewFlagSet("cfdp", flag.ContinueOnError)

	path := fs.String("config", "", "yaml configuration file")
	entity := fs.Uint64("entity", conf.Entity, "local entity id")
	nodeaddr := fs.String("nodeaddr", conf.Nodeaddr, "node address")
	dbpath := fs.String("dbpath", conf.DBPath, "database path on filesystem")
	walpath := fs.String("walpath", conf.WALPath, "sequence journal directory")
	audit := fs.String("audit", "", "append request audit records to this file")
	maxPdu := fs.Int("maxpdu", conf.MaxPduSize, "max PDU size in bytes")
	segment := fs.Int("segment", 0, "segment size in bytes (derived from -maxpdu when 0)")
	workers := fs.Int("workers", conf.Workers, "storage worker goroutines")
	put := fs.String("put", "", "send a local file at startup, as src:dst")
	dest := fs.Uint64("dest", 0, "destination entity for -put")
	remoteFlag := remotes{}
	fs.Var(remoteFlag, "remote", "remote entity as id=host:port (repeatable)")
	wl := whitelist{}
	fs.Var(&wl, "whitelist", "allowed hosts, comma separated")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path != "" {
		if err := conf.load(*path); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "entity":
			conf.Entity = *entity
		case "nodeaddr":
			conf.Nodeaddr = *nodeaddr
		case "dbpath":
			conf.DBPath = *dbpath
		case "walpath":
			conf.WALPath = *walpath
		case "audit":
			conf.Audit = *audit
		case "maxpdu":
			conf.MaxPduSize = *maxPdu
		case "segment":
			conf.SegmentSize = *segment
		case "workers":
			conf.Workers = *workers
		case "whitelist":
			conf.Whitelist = wl
		}
	})
	for id, addr := range remoteFlag {
		conf.Remotes[id] = addr
	}
	conf.Put, conf.Dest = *put, *dest

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	if c.Remotes == nil {
		c.Remotes = map[uint64]string{}
	}
	return nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Entity == 0 {
		return errors.New("entity id must be positive")
	}
	if c.MaxPending <= 0 {
		return errors.New("max_pending_transactions must be positive")
	}
	if _, ok := c.Remotes[c.Entity]; ok {
		return errors.Errorf("entity %d is listed as its own remote", c.Entity)
	}
	if c.Put != "" && c.Dest == 0 {
		return errors.New("-put needs -dest")
	}
	for name, action := range c.FaultHandlers {
		if _, ok := pdu.ParseConditionCode(name); !ok {
			return errors.Errorf("unknown condition code %q", name)
		}
		if _, err := transfer.ParseFaultAction(action); err != nil {
			return err
		}
	}
	return nil
}

// Codec builds the PDU codec for the configured field widths.
func (c *Config) Codec() (*pdu.Codec, error) {
	return pdu.NewCodec(c.EntityIDLength, c.SequenceLength, c.CRC)
}

// Transfer derives the per-transaction parameters. Segment and NAK sizes
// are bounded by what fits into one PDU. Segments leave room for 64-bit
// offsets so the same size serves files of any length.
func (c *Config) Transfer(codec *pdu.Codec) (transfer.Config, error) {
	segment := codec.MaxSegmentSize(c.MaxPduSize, true)
	if segment <= 0 {
		return transfer.Config{}, errors.Errorf("max PDU size %d leaves no room for data", c.MaxPduSize)
	}
	if c.SegmentSize > 0 && c.SegmentSize < segment {
		segment = c.SegmentSize
	}
	naks := codec.MaxNakSegments(c.MaxPduSize, false)
	if naks <= 0 {
		return transfer.Config{}, errors.Errorf("max PDU size %d cannot carry a NAK", c.MaxPduSize)
	}

	handlers := make(map[pdu.ConditionCode]transfer.FaultAction, len(c.FaultHandlers))
	for name, action := range c.FaultHandlers {
		cc, ok := pdu.ParseConditionCode(name)
		if !ok {
			return transfer.Config{}, errors.Errorf("unknown condition code %q", name)
		}
		a, err := transfer.ParseFaultAction(action)
		if err != nil {
			return transfer.Config{}, err
		}
		handlers[cc] = a
	}

	return transfer.Config{
		SegmentSize:       segment,
		MaxNakSegments:    naks,
		LargeNakSegments:  codec.MaxNakSegments(c.MaxPduSize, true),
		SendWindow:        c.SendWindow,
		AckTimeout:        c.AckTimeout,
		AckLimit:          c.AckLimit,
		AckBackoffFactor:  c.AckBackoffFactor,
		NakTimeout:        c.NakTimeout,
		NakLimit:          c.NakLimit,
		InactivityTimeout: c.InactivityTimeout,
		ProvisionalLimit:  c.ProvisionalLimit,
		ViolationLimit:    c.ViolationLimit,
		FaultHandlers:     handlers,
	}, nil
}

// Manager derives the manager options.
func (c *Config) Manager(codec *pdu.Codec) (manager.Options, error) {
	tc, err := c.Transfer(codec)
	if err != nil {
		return manager.Options{}, err
	}
	opts := manager.Options{
		LocalEntity:      pdu.EntityID(c.Entity),
		Transfer:         tc,
		MaxPending:       c.MaxPending,
		Retention:        c.Retention,
		ProgressInterval: c.ProgressInterval,
		TickInterval:     c.TickInterval,
	}
	for id := range c.Remotes {
		opts.Remotes = append(opts.Remotes, pdu.EntityID(id))
	}
	return opts, nil
}

// RemoteAddrs maps remote entities to their link addresses.
func (c *Config) RemoteAddrs() map[pdu.EntityID]string {
	out := make(map[pdu.EntityID]string, len(c.Remotes))
	for id, addr := range c.Remotes {
		out[pdu.EntityID(id)] = addr
	}
	return out
}
