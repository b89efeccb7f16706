package invoke

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

// HandlerFunc is an in-process backend handler.
type HandlerFunc func(ctx context.Context, inv models.Invocation) envelope.Response

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	fn, ok := r.handlers[strings.TrimPrefix(name, LocalScheme)]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Invoke runs the named handler. A panicking handler is reported as an
// invocation failure.
func (r *Registry) Invoke(ctx context.Context, target string, inv models.Invocation) (resp envelope.Response, err error) {
	fn, ok := r.Lookup(target)
	if !ok {
		return envelope.Response{}, fmt.Errorf("no local handler for %q", target)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %s panicked: %v", target, p)
		}
	}()
	return fn(ctx, inv), nil
}
