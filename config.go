package diskcached

import (
	"io"
	"time"

	"github.com/skipor/diskcached/engine"
	"github.com/skipor/diskcached/journal"
	"github.com/skipor/diskcached/log"
)

// Config is parsed and validated server configuration.
type Config struct {
	Addr           string
	LogDestination io.Writer
	LogLevel       log.Level
	MaxItemSize    int64

	Engine  engine.Kind
	DataDir string
	// Journal.Name is empty when CAS journal is disabled.
	Journal  journal.Config
	CASBatch uint64

	// MetricsInterval is period of metrics dump into log. Zero disables dump.
	MetricsInterval time.Duration
}
