package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
)

// ErrInUse is returned by Teardown for a handle that still has users.
var ErrInUse = errors.New("model handle is in use")

// InvariantViolation is the panic value for registry misuse that indicates a
// bug in the caller, such as releasing a handle nobody holds.
type InvariantViolation struct {
	Message string
}

func (v InvariantViolation) Error() string { return "model: " + v.Message }

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Device picks the device for a new load. Defaults to DetectDevice("auto").
	Device func() Device
	// IdleTimeout is how long an unreferenced handle stays loaded before
	// EvictIdle tears it down. Zero disables idle eviction.
	IdleTimeout time.Duration
	// InDemand reports whether queued work still names a model. A handle in
	// demand is never evicted for being idle.
	InDemand func(name string) bool
	Now      func() time.Time
	Logger   *zap.Logger
}

// Registry maps model names to loaded handles. All mutation of the map and
// of handle reference counts happens under mu.
type Registry struct {
	loader      Loader
	device      func() Device
	idleTimeout time.Duration
	inDemand    func(string) bool
	now         func() time.Time
	logger      *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	handles map[string]*Handle
	waiting map[string]int
}

// NewRegistry creates an empty registry backed by loader.
func NewRegistry(loader Loader, opts RegistryOptions) *Registry {
	if opts.Device == nil {
		opts.Device = func() Device { return DetectDevice("auto") }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InDemand == nil {
		opts.InDemand = func(string) bool { return false }
	}
	return &Registry{
		loader:      loader,
		device:      opts.Device,
		idleTimeout: opts.IdleTimeout,
		inDemand:    opts.InDemand,
		now:         opts.Now,
		logger:      opts.Logger,
		handles:     make(map[string]*Handle),
		waiting:     make(map[string]int),
	}
}

// GetOrCreate returns the shared handle for spec.Name with its reference
// count incremented. The first caller for a name loads the model; concurrent
// first callers wait for that single load and share its outcome. A failed
// load is not cached, so the next call retries.
func (r *Registry) GetOrCreate(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Name == "" {
		return nil, apperr.Invalid("model name is required")
	}

	r.mu.Lock()
	if h, ok := r.handles[spec.Name]; ok {
		h.refCount++
		h.lastUsed = r.now()
		r.mu.Unlock()
		if h.beamSize != spec.BeamSize || h.temperature != spec.Temperature {
			r.logger.Warn("model already loaded with different decoding parameters",
				zap.String("model", spec.Name),
				zap.Int("beam_size", h.beamSize),
				zap.Float64("temperature", h.temperature))
		}
		return h, nil
	}
	r.waiting[spec.Name]++
	r.mu.Unlock()

	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(spec.Name, func() (any, error) {
		return r.load(loadCtx, spec)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		r.mu.Lock()
		r.doneWaiting(spec.Name)
		r.mu.Unlock()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.doneWaiting(spec.Name)
	if res.Err != nil {
		return nil, res.Err
	}
	h := res.Val.(*Handle)
	if h.closed {
		return nil, apperr.Internal(nil, "model %q was torn down while a caller waited for it", spec.Name)
	}
	h.refCount++
	h.lastUsed = r.now()
	return h, nil
}

func (r *Registry) load(ctx context.Context, spec Spec) (*Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[spec.Name]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	device := r.device()
	ls := LoadSpec{Spec: spec, Device: device, Precision: PrecisionFor(device)}

	started := r.now()
	r.logger.Info("loading model",
		zap.String("model", spec.Name),
		zap.String("device", string(device)),
		zap.String("precision", string(ls.Precision)))

	m, err := r.loader.Load(ctx, ls)
	if err != nil {
		r.logger.Error("model load failed", zap.String("model", spec.Name), zap.Error(err))
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind == apperr.KindModelLoad {
			return nil, ae
		}
		return nil, apperr.ModelLoad(spec.Name, err)
	}

	h := &Handle{
		name:        spec.Name,
		device:      device,
		precision:   ls.Precision,
		beamSize:    spec.BeamSize,
		temperature: spec.Temperature,
		loadedAt:    r.now(),
		model:       m,
	}
	h.lastUsed = h.loadedAt

	r.mu.Lock()
	r.handles[spec.Name] = h
	r.mu.Unlock()

	r.logger.Info("model loaded",
		zap.String("model", spec.Name),
		zap.Duration("elapsed", r.now().Sub(started)))
	return h, nil
}

func (r *Registry) doneWaiting(name string) {
	r.waiting[name]--
	if r.waiting[name] <= 0 {
		delete(r.waiting, name)
	}
}

// Release drops one reference. Releasing a handle nobody holds is a
// programming error and panics.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.refCount <= 0 {
		panic(InvariantViolation{Message: fmt.Sprintf("release of %q with ref_count %d", h.name, h.refCount)})
	}
	h.refCount--
	h.lastUsed = r.now()
}

// RefCount reports the current number of users of h.
func (r *Registry) RefCount(h *Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.refCount
}

// Teardown unloads h synchronously and removes it from the registry. It is
// rejected while h has users or a caller is waiting for it.
func (r *Registry) Teardown(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.teardownLocked(h)
}

func (r *Registry) teardownLocked(h *Handle) error {
	if h.refCount > 0 || r.waiting[h.name] > 0 {
		r.logger.Error("teardown of a model in use",
			zap.String("model", h.name),
			zap.Int("ref_count", h.refCount))
		return fmt.Errorf("teardown %q (ref_count %d): %w", h.name, h.refCount, ErrInUse)
	}
	if h.closed {
		return nil
	}
	if r.handles[h.name] == h {
		delete(r.handles, h.name)
	}
	h.closed = true

	if err := h.model.Close(); err != nil {
		return fmt.Errorf("close model %q: %w", h.name, err)
	}
	r.logger.Info("model unloaded", zap.String("model", h.name))
	return nil
}

// EvictIdle tears down every handle that has had no users for longer than
// the idle timeout and that no pending job asks for, and returns the names
// it unloaded.
func (r *Registry) EvictIdle() []string {
	if r.idleTimeout <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for name, h := range r.handles {
		if h.refCount > 0 || r.waiting[name] > 0 || now.Sub(h.lastUsed) < r.idleTimeout {
			continue
		}
		if r.inDemand(name) {
			continue
		}
		if err := r.teardownLocked(h); err != nil {
			r.logger.Warn("idle eviction failed", zap.String("model", name), zap.Error(err))
			continue
		}
		evicted = append(evicted, name)
	}
	sort.Strings(evicted)
	return evicted
}

// RunEvictor calls EvictIdle every interval until ctx is done.
func (r *Registry) RunEvictor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if names := r.EvictIdle(); len(names) > 0 {
				r.logger.Info("evicted idle models", zap.Strings("models", names))
			}
		}
	}
}

// Close tears down every unused handle. Handles still in use are reported
// in the returned error and left loaded.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, h := range r.handles {
		if err := r.teardownLocked(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stat is a point-in-time view of one loaded model.
type Stat struct {
	Name      string    `json:"model_name"`
	Device    Device    `json:"device"`
	Precision Precision `json:"precision"`
	RefCount  int       `json:"ref_count"`
	LoadedAt  time.Time `json:"loaded_at"`
	LastUsed  time.Time `json:"last_used"`
}

// Stats lists the loaded models sorted by name.
func (r *Registry) Stats() []Stat {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stat, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, Stat{
			Name:      h.name,
			Device:    h.device,
			Precision: h.precision,
			RefCount:  h.refCount,
			LoadedAt:  h.loadedAt,
			LastUsed:  h.lastUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
