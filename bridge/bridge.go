package bridge

import (
	"context"
	"fmt"

	"github.com/icp-tools/corectl/corerr"
	"github.com/icp-tools/corectl/registry"
	"go.uber.org/zap"
)

// Bridge implements the dynamic invocation path (C6): a single host import,
// invoke(interface, function, params), that lets an extension call another
// extension's export without compile-time types. It shares the same
// Registry the dynamic linker (C5) resolves against, so a function becomes
// callable through the bridge the moment its exporting extension finishes
// instantiation.
type Bridge struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// New returns a Bridge backed by reg. logger may be zap.NewNop() in tests.
func New(reg *registry.Registry, logger *zap.Logger) *Bridge {
	return &Bridge{registry: reg, logger: logger}
}

// Invoke decodes paramsBytes as paramArity ValueEnvelope values, calls
// (iface, function) through the registry, and encodes the results back to
// bytes.
//
// The three-way return mirrors the host import's own WIT signature,
// result<list<u8>, string>: a non-nil err means the call never reached the
// engine (a malformed envelope — the guest handed us something we must
// reject before touching the engine); a non-empty guestErr means the engine
// call itself failed, with the message meant for the guest and the real
// corerr.Kind preserved only in the host's diagnostic log; otherwise okBytes
// is the encoded result sequence.
func (b *Bridge) Invoke(ctx context.Context, iface, function string, paramsBytes []byte, paramArity int) (okBytes []byte, guestErr string, err error) {
	values, err := DecodeSequence(paramsBytes, paramArity)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: invoke %s: %w", registry.Key(iface, function), err)
	}

	params := make([]any, len(values))
	for i, v := range values {
		params[i] = v
	}

	results, callErr := b.registry.Call(ctx, iface, function, params)
	if callErr != nil {
		b.logger.Warn("bridge call failed",
			zap.String("interface", iface),
			zap.String("function", function),
			zap.String("kind", diagnosticKind(callErr)),
			zap.Error(callErr),
		)
		return nil, callErr.Error(), nil
	}

	resultValues := make([]Value, len(results))
	for i, r := range results {
		v, ok := r.(Value)
		if !ok {
			return nil, "", fmt.Errorf("bridge: result %d from %s is not a Value (got %T)",
				i, registry.Key(iface, function), r)
		}
		resultValues[i] = v
	}

	okBytes, err = EncodeSequence(resultValues)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: encode results for %s: %w", registry.Key(iface, function), err)
	}
	return okBytes, "", nil
}

func diagnosticKind(err error) string {
	for _, kind := range []corerr.Kind{
		corerr.KindUnresolvedRef,
		corerr.KindNotFound,
		corerr.KindUnexpected,
	} {
		if corerr.IsKind(err, kind) {
			return string(kind)
		}
	}
	return "unknown"
}
