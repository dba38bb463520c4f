package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/skipor/diskcached"
	"github.com/skipor/diskcached/cmd/diskcached/config"
	"github.com/skipor/diskcached/engine"
	"github.com/skipor/diskcached/journal"
	"github.com/skipor/diskcached/log"
	"github.com/skipor/diskcached/store"
)

const (
	envPrefix = "diskcached"
	// shutdownTimeout limits time given to connections to finish commands already read.
	shutdownTimeout = 3 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string
	cmd := &cobra.Command{
		Use:   "diskcached",
		Short: "memcached compatible cache persisted on disk",
		Long: `diskcached serves memcached text protocol subset
(get, gets, set, add, append, prepend, incr, decr, delete)
and keeps every item in embedded durable key-value engine.

Config values merge rules:
1) config file value overrides default
2) environment value (DISKCACHED_<FLAG>, e.g. DISKCACHED_LOG_LEVEL) overrides config file
3) command line value overrides any`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(v, cmd.Flags(), configPath)
			if err != nil {
				return err
			}
			dconf, err := config.Parse(*conf)
			if err != nil {
				return err
			}
			run(dconf)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (json, yaml or toml)")
	addFlags(cmd.Flags(), config.Default())
	return cmd
}

// flagKeys maps flags to viper keys, when they differ.
var flagKeys = map[string]string{
	"cas-journal":               "cas-journal.name",
	"cas-journal-rotate-size":   "cas-journal.rotate-size",
	"cas-journal-fix-corrupted": "cas-journal.fix-corrupted",
}

func addFlags(fs *pflag.FlagSet, def *config.Config) {
	fs.String("host", def.Host, "host address to bind")
	fs.Int("port", def.Port, "port num")
	fs.String("log-destination", def.LogDestination, "log destination: stderr, stdout or file path")
	fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error, fatal")
	fs.String("max-item-size", def.MaxItemSize, "max item size: 10m, 1024k")
	fs.String("engine", def.Engine, "storage engine: pebble or memory")
	fs.String("data-dir", def.DataDir, "pebble engine data directory")
	fs.String("cas-journal", def.CASJournal.Name, "CAS journal file path, empty to disable")
	fs.String("cas-journal-rotate-size", def.CASJournal.RotateSize, "CAS journal size, after which it is rewritten: 64k")
	fs.Bool("cas-journal-fix-corrupted", def.CASJournal.FixCorrupted, "truncate corrupted CAS journal to valid prefix")
	fs.Uint64("cas-batch", def.CASBatch, "number of CAS values reserved in journal at once")
	fs.Duration("metrics-interval", def.MetricsInterval, "period of metrics dump into log, 0 to disable")
}

// loadConfig merges defaults, config file, environment and flags.
func loadConfig(v *viper.Viper, fs *pflag.FlagSet, configPath string) (*config.Config, error) {
	// Env files are optional.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		key, ok := flagKeys[f.Name]
		if !ok {
			key = f.Name
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return nil, bindErr
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if filepath.Ext(configPath) == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read error: %v", err)
		}
	}
	conf := &config.Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("config decode error: %v", err)
	}
	return conf, nil
}

func run(conf diskcached.Config) {
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	l.Debugf("Config: %#v", conf)

	e, err := engine.Open(conf.Engine, conf.DataDir)
	if err != nil {
		l.Fatal("Engine open error: ", err)
	}
	var j *journal.Journal
	if conf.Journal.Name != "" {
		j, err = journal.Open(l.WithFields(log.Fields{"module": "journal"}), conf.Journal)
		if err != nil {
			e.Close()
			l.Fatal("CAS journal open error: ", err)
		}
	}
	st := store.New(l.WithFields(log.Fields{"module": "store"}), e, store.Config{
		Journal:  j,
		CASBatch: conf.CASBatch,
	})

	registry := metrics.NewRegistry()
	if conf.MetricsInterval > 0 {
		go metrics.Log(registry, conf.MetricsInterval, log.Printer{Logger: l.WithFields(log.Fields{"module": "metrics"})})
	}
	s := &diskcached.Server{
		Addr: conf.Addr,
		Log:  l,
		ConnMeta: diskcached.ConnMeta{
			Router:      diskcached.NewRouter(l, st, registry),
			MaxItemSize: int(conf.MaxItemSize),
		},
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		st.Close()
		l.Fatal("Listen error: ", err)
	}

	shutdown := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		l.Infof("Got %s. Shutting down.", <-sig)
		if err := s.Shutdown(shutdownTimeout); err != nil {
			l.Error("Shutdown error: ", err)
		}
		close(shutdown)
	}()

	l.Infof("Serve on %s. Engine: %s.", ln.Addr(), conf.Engine)
	err = s.Serve(ln)
	if err != diskcached.ErrServerClosed {
		st.Close()
		l.Fatal("Serve error: ", err)
	}
	<-shutdown
	err = st.Close()
	if err != nil {
		l.Fatal("Store close error: ", err)
	}
	l.Info("Store closed.")
}
