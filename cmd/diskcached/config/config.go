// Package config contains user facing diskcached configuration and its
// conversion into diskcached.Config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/diskcached"
	"github.com/skipor/diskcached/engine"
	"github.com/skipor/diskcached/journal"
	"github.com/skipor/diskcached/log"
	"github.com/skipor/diskcached/store"
)

func Default() *Config {
	return &Config{
		Port:           11211,
		Host:           "",
		LogDestination: "stderr",
		LogLevel:       "info",
		MaxItemSize:    "1m",
		Engine:         string(engine.KindPebble),
		DataDir:        "diskcached.data",
		CASJournal: CASJournalConfig{
			Name:       "diskcached.cas",
			RotateSize: "64k",
		},
		CASBatch: store.DefaultCASBatch,
	}
}

type Config struct {
	Port           int    `json:"port,omitempty" mapstructure:"port"`
	Host           string `json:"host,omitempty" mapstructure:"host"`
	LogDestination string `json:"log-destination,omitempty" mapstructure:"log-destination"` // Stdout, stderr, or filepath.
	LogLevel       string `json:"log-level,omitempty" mapstructure:"log-level"`
	// Size values 10g, 128m, 1024k, 1000000b
	MaxItemSize string `json:"max-item-size,omitempty" mapstructure:"max-item-size"`
	// Engine is pebble or memory.
	Engine          string           `json:"engine,omitempty" mapstructure:"engine"`
	DataDir         string           `json:"data-dir,omitempty" mapstructure:"data-dir"`
	CASJournal      CASJournalConfig `json:"cas-journal,omitempty" mapstructure:"cas-journal"`
	CASBatch        uint64           `json:"cas-batch,omitempty" mapstructure:"cas-batch"`
	MetricsInterval time.Duration    `json:"metrics-interval,omitempty" mapstructure:"metrics-interval"`
}

type CASJournalConfig struct {
	// Name is journal file path. Empty name disables journal.
	Name         string `json:"name,omitempty" mapstructure:"name"`
	RotateSize   string `json:"rotate-size,omitempty" mapstructure:"rotate-size"`
	FixCorrupted bool   `json:"fix-corrupted,omitempty" mapstructure:"fix-corrupted"`
}

func Parse(conf Config) (dconf diskcached.Config, err error) {
	dconf.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	dconf.LogLevel, err = log.LevelFromString(conf.LogLevel)
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	dconf.MaxItemSize, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if dconf.MaxItemSize > diskcached.MaxItemSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	dconf.Engine = engine.Kind(strings.ToLower(conf.Engine))
	switch dconf.Engine {
	case engine.KindPebble:
		if conf.DataDir == "" {
			err = stackerr.Newf("Data dir is required for %s engine.", dconf.Engine)
			return
		}
		dconf.DataDir = conf.DataDir
		dconf.Journal.Name = conf.CASJournal.Name
	case engine.KindMemory:
		// Nothing survives restart, so there is no CAS to continue.
	default:
		err = stackerr.Newf("%s: %q", engine.ErrUnknownKind, conf.Engine)
		return
	}
	if dconf.Journal.Name != "" {
		dconf.Journal.FixCorrupted = conf.CASJournal.FixCorrupted
		dconf.Journal.RotateSize, err = parseSize(conf.CASJournal.RotateSize)
		if err != nil {
			err = stackerr.Newf("CAS journal rotate size parse error: %v", err)
			return
		}
		if dconf.Journal.RotateSize < journal.RecordSize {
			err = stackerr.Newf("Too small CAS journal rotate size.")
			return
		}
	}
	dconf.CASBatch = conf.CASBatch
	if dconf.CASBatch == 0 {
		dconf.CASBatch = store.DefaultCASBatch
	}
	if conf.MetricsInterval < 0 {
		err = stackerr.Newf("Negative metrics interval.")
		return
	}
	dconf.MetricsInterval = conf.MetricsInterval
	dconf.Addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
	return
}

func Marshal(conf *Config) []byte {
	data, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	if size < 0 {
		err = errors.New("Negative size.")
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0664)
	}
	return
}
