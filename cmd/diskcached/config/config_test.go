package config_test

import (
	"encoding/json"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/skipor/diskcached/cmd/diskcached/config"
	"github.com/skipor/diskcached/engine"
	"github.com/skipor/diskcached/log"
	"github.com/skipor/diskcached/store"
)

var _ = Describe("Parse", func() {
	var conf *config.Config
	BeforeEach(func() {
		conf = config.Default()
	})

	It("default", func() {
		dconf, err := config.Parse(*conf)
		Expect(err).NotTo(HaveOccurred())
		Expect(dconf.Addr).To(Equal(":11211"))
		Expect(dconf.LogDestination).To(Equal(os.Stderr))
		Expect(dconf.LogLevel).To(Equal(log.InfoLevel))
		Expect(dconf.MaxItemSize).To(BeEquivalentTo(1 << 20))
		Expect(dconf.Engine).To(Equal(engine.KindPebble))
		Expect(dconf.DataDir).To(Equal("diskcached.data"))
		Expect(dconf.Journal.Name).To(Equal("diskcached.cas"))
		Expect(dconf.Journal.RotateSize).To(BeEquivalentTo(64 << 10))
		Expect(dconf.CASBatch).To(BeEquivalentTo(store.DefaultCASBatch))
		Expect(dconf.MetricsInterval).To(BeZero())
	})

	It("memory engine disables journal", func() {
		conf.Engine = "Memory"
		dconf, err := config.Parse(*conf)
		Expect(err).NotTo(HaveOccurred())
		Expect(dconf.Engine).To(Equal(engine.KindMemory))
		Expect(dconf.Journal.Name).To(BeEmpty())
	})

	It("host and port", func() {
		conf.Host = "127.0.0.1"
		conf.Port = 4242
		conf.MetricsInterval = time.Minute
		dconf, err := config.Parse(*conf)
		Expect(err).NotTo(HaveOccurred())
		Expect(dconf.Addr).To(Equal("127.0.0.1:4242"))
		Expect(dconf.MetricsInterval).To(Equal(time.Minute))
	})

	table.DescribeTable("invalid",
		func(modify func(c *config.Config)) {
			modify(conf)
			_, err := config.Parse(*conf)
			Expect(err).To(HaveOccurred())
		},
		table.Entry("log level", func(c *config.Config) { c.LogLevel = "verbose" }),
		table.Entry("max item size format", func(c *config.Config) { c.MaxItemSize = "1" }),
		table.Entry("too large item size", func(c *config.Config) { c.MaxItemSize = "1g" }),
		table.Entry("engine", func(c *config.Config) { c.Engine = "rocksdb" }),
		table.Entry("no data dir", func(c *config.Config) { c.DataDir = "" }),
		table.Entry("rotate size", func(c *config.Config) { c.CASJournal.RotateSize = "4b" }),
		table.Entry("metrics interval", func(c *config.Config) { c.MetricsInterval = -time.Second }),
	)

	It("marshal uses flag names", func() {
		conf.CASJournal.FixCorrupted = true
		var m map[string]interface{}
		Expect(json.Unmarshal(config.Marshal(conf), &m)).To(Succeed())
		Expect(m).To(HaveKeyWithValue("log-level", "info"))
		Expect(m).To(HaveKey("cas-journal"))
		Expect(m["cas-journal"]).To(HaveKeyWithValue("fix-corrupted", true))
	})
})

var _ = Describe("parseSize", func() {
	table.DescribeTable("valid",
		func(s string, expected int64) {
			size, err := config.ParseSize(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(expected))
		},
		table.Entry("bytes", "100b", int64(100)),
		table.Entry("kilobytes", "4k", int64(4<<10)),
		table.Entry("megabytes upper", "64M", int64(64<<20)),
		table.Entry("gigabytes", "2g", int64(2<<30)),
	)
	table.DescribeTable("invalid",
		func(s string) {
			_, err := config.ParseSize(s)
			Expect(err).To(HaveOccurred())
		},
		table.Entry("empty", ""),
		table.Entry("no unit", "12"),
		table.Entry("unknown unit", "12t"),
		table.Entry("negative", "-1k"),
		table.Entry("not number", "xk"),
	)
})
