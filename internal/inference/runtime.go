// Package inference wraps a model runtime behind a shape-checked,
// serialized Engine.
package inference

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DType names a tensor element type.
type DType string

// Float32 is the only element type the engine feeds and reads.
const Float32 DType = "float32"

// TensorDescriptor describes one model input or output.
type TensorDescriptor struct {
	Name  string
	Index int
	Shape []int64
	DType DType
}

// Elements returns the number of values the tensor holds.
func (d TensorDescriptor) Elements() int {
	n := 1
	for _, dim := range d.Shape {
		n *= int(dim)
	}
	return n
}

func (d TensorDescriptor) String() string {
	return fmt.Sprintf("%s[%d] %v %s", d.Name, d.Index, d.Shape, d.DType)
}

// Runtime executes a loaded model. Implementations need not be safe for
// concurrent use; Engine serializes calls.
type Runtime interface {
	Inputs() []TensorDescriptor
	Outputs() []TensorDescriptor
	// Invoke runs one forward pass over the flattened first input and
	// returns the flattened first output.
	Invoke(input []float32) ([]float32, error)
	Close() error
}

// Options configures a runtime when it is opened.
type Options struct {
	ModelPath   string
	NumThreads  int
	LibraryPath string
}

// Opener loads a model artifact into a Runtime.
type Opener func(opts Options, logger *zap.Logger) (Runtime, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes a runtime available under name. Runtimes register
// themselves from init.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// Registered lists the registered runtime names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RuntimeForPath picks a runtime name from the artifact extension.
func RuntimeForPath(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// Open loads opts.ModelPath with the named runtime, or with the runtime
// matching its extension when name is empty.
func Open(name string, opts Options, logger *zap.Logger) (Runtime, error) {
	if name == "" {
		name = RuntimeForPath(opts.ModelPath)
	}
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inference: runtime %q not available (registered: %s)", name, strings.Join(Registered(), ", "))
	}
	rt, err := open(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("inference: open %s runtime: %w", name, err)
	}
	return rt, nil
}
