// Package invoke delivers an invocation payload to the backend handler
// named by an action's target reference.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

var ErrUnsupportedTarget = errors.New("unsupported target reference")

// Invoker calls one handler and waits for its single reply. An error means
// the handler could not be reached or failed without producing an envelope.
type Invoker interface {
	Invoke(ctx context.Context, target string, inv models.Invocation) (envelope.Response, error)
}

const LocalScheme = "local:"

// Router picks an Invoker by target kind: local:<name> for in-process
// handlers; http(s) URLs and Lambda ARNs for remote ones.
type Router struct {
	Local  Invoker
	Remote Invoker
}

func (r Router) Invoke(ctx context.Context, target string, inv models.Invocation) (envelope.Response, error) {
	target = strings.TrimSpace(target)
	var next Invoker
	switch {
	case strings.HasPrefix(target, LocalScheme):
		next = r.Local
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"), strings.HasPrefix(target, "arn:"):
		next = r.Remote
	}
	if next == nil {
		return envelope.Response{}, fmt.Errorf("%w: %q", ErrUnsupportedTarget, target)
	}
	return next.Invoke(ctx, target, inv)
}
