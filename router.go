package diskcached

import (
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/skipor/diskcached/internal/util"
	"github.com/skipor/diskcached/log"
	"github.com/skipor/diskcached/store"
)

// Router maps parsed commands to store operations and their results to responses.
// Router is safe for concurrent use.
type Router struct {
	store *store.Store
	log   log.Logger

	timers      [verbsNum]metrics.Timer
	responses   [responseKindsNum]metrics.Counter
	parseErrors metrics.Counter
}

// NewRouter registers router metrics in registry. Registry can be nil,
// then metrics.DefaultRegistry is used.
func NewRouter(l log.Logger, s *store.Store, registry metrics.Registry) *Router {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	r := &Router{
		store:       s,
		log:         l,
		parseErrors: metrics.GetOrRegisterCounter("command.parse_error", registry),
	}
	for v := Verb(0); v < verbsNum; v++ {
		r.timers[v] = metrics.GetOrRegisterTimer("command."+v.String(), registry)
	}
	for k := ResponseKind(0); k < responseKindsNum; k++ {
		r.responses[k] = metrics.GetOrRegisterCounter("response."+k.String(), registry)
	}
	return r
}

// Handle parses raw command and executes it.
// WARN: raw should not be modified until Handle returns.
func (r *Router) Handle(raw []byte) Response {
	c, err := Parse(raw)
	if err != nil {
		r.log.Debugf("Command parse failed: %v", err)
		r.parseErrors.Inc(1)
		r.responses[KindError].Inc(1)
		return Error
	}
	return r.Dispatch(c)
}

func (r *Router) Dispatch(c Command) (res Response) {
	r.log.Debugf("Command: %s.", c.Verb)
	start := time.Now()
	defer func() {
		if c.Verb >= 0 && c.Verb < verbsNum {
			r.timers[c.Verb].UpdateSince(start)
		}
		r.responses[res.Kind].Inc(1)
	}()
	switch c.Verb {
	case VerbGet, VerbGets:
		items, err := r.store.Get(c.Keys...)
		if err != nil {
			return r.fail(c, err)
		}
		r.log.Debugf("Found %v of %v values.", len(items), len(c.Keys))
		return Values(items, c.Verb == VerbGets)
	case VerbDelete:
		if err := r.store.Delete(c.Key); err != nil {
			return r.fail(c, err)
		}
		return Deleted
	case VerbSet:
		_, err := r.store.Set(c.Key, c.Flags, c.TTL, c.Value)
		return r.stored(c, err)
	case VerbAdd:
		_, err := r.store.Add(c.Key, c.Flags, c.TTL, c.Value)
		return r.stored(c, err)
	case VerbAppend:
		_, err := r.store.Append(c.Key, c.Flags, c.TTL, c.Value)
		return r.stored(c, err)
	case VerbPrepend:
		_, err := r.store.Prepend(c.Key, c.Flags, c.TTL, c.Value)
		return r.stored(c, err)
	case VerbIncr:
		return r.number(c, r.store.Incr)
	case VerbDecr:
		return r.number(c, r.store.Decr)
	default:
		r.log.Debugf("Command %s is not implemented.", c.Verb)
		return NotImplemented
	}
}

func (r *Router) stored(c Command, err error) Response {
	if err != nil {
		return r.fail(c, err)
	}
	return Stored
}

func (r *Router) number(c Command, op func(key []byte, delta uint64) (uint64, error)) Response {
	value, err := op(c.Key, c.Amount)
	if err != nil {
		return r.fail(c, err)
	}
	return Number(value)
}

// fail maps store error to response.
func (r *Router) fail(c Command, err error) Response {
	switch util.Unwrap(err) {
	case store.ErrNotFound:
		return NotFound
	case store.ErrNotStored:
		return NotStored
	case store.ErrNotNumeric:
		r.log.Debugf("Command %s: %v", c.Verb, err)
		return ClientError(store.ErrNotNumeric.Error())
	}
	r.log.Errorf("Command %s failed: %v", c.Verb, err)
	return ServerError(util.Unwrap(err).Error())
}
