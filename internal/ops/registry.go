package ops

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
)

// methodSpec binds a method name to its handler factory and request schema.
type methodSpec struct {
	name     string
	required []string // gjson paths that must exist in the args
	factory  func(args json.RawMessage) (Handler, error)
}

// Registry maps method names to handlers. Arg shape is validated once, at
// CreateAndExecute time, against the method's schema.
type Registry struct {
	methods map[string]methodSpec
}

// NewRegistry creates a registry with every built-in method registered.
func NewRegistry() *Registry {
	r := &Registry{methods: make(map[string]methodSpec)}
	registerBuiltins(r)
	return r
}

// Register adds a method.
func (r *Registry) Register(name string, required []string, factory func(args json.RawMessage) (Handler, error)) {
	r.methods[name] = methodSpec{name: name, required: required, factory: factory}
}

// Validate checks that the method exists and its args carry the required
// fields. Malformed requests are client errors; they never reach the queue.
func (r *Registry) Validate(method string, args json.RawMessage) error {
	spec, ok := r.methods[method]
	if !ok {
		return vferrors.InvalidRequest(vferrors.IDUnknownMethod, "unknown method %q", method)
	}
	if !gjson.ValidBytes(args) {
		return vferrors.InvalidRequest(vferrors.IDBadRequest, "%s: args are not valid JSON", method)
	}
	for _, path := range spec.required {
		if !gjson.GetBytes(args, path).Exists() {
			return vferrors.InvalidRequest(vferrors.IDBadRequest, "%s: missing required field %q", method, path)
		}
	}
	return nil
}

// Handler constructs the handler for an operation.
func (r *Registry) Handler(op *Operation) (Handler, error) {
	spec, ok := r.methods[op.Method]
	if !ok {
		return nil, vferrors.InvalidRequest(vferrors.IDUnknownMethod, "unknown method %q", op.Method)
	}
	return spec.factory(op.Args)
}
