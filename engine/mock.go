package engine

import "fmt"

// Mock is a scriptable Interpreter for tests. It runs without any native
// runtime library.
type Mock struct {
	Inputs  []*Buffer
	Outputs []*Buffer

	// OnInvoke, when set, is called by Invoke and may write Outputs.
	OnInvoke func(m *Mock) error

	AllocateErr error
	InvokeErr   error
	// PanicOnAllocate makes AllocateTensors panic, to exercise recovery paths.
	PanicOnAllocate bool

	Allocated   bool
	Closed      bool
	InvokeCount int
}

var _ Interpreter = (*Mock)(nil)

// NewMock returns a Mock with the given input and output tensors.
func NewMock(inputs []*Buffer, outputs ...*Buffer) *Mock {
	return &Mock{Inputs: inputs, Outputs: outputs}
}

func (m *Mock) AllocateTensors() error {
	if m.PanicOnAllocate {
		panic("mock allocate panic")
	}
	if m.AllocateErr != nil {
		return m.AllocateErr
	}
	m.Allocated = true
	return nil
}

func (m *Mock) Invoke() error {
	if !m.Allocated {
		return ErrNotAllocated
	}
	m.InvokeCount++
	if m.InvokeErr != nil {
		return m.InvokeErr
	}
	if m.OnInvoke != nil {
		return m.OnInvoke(m)
	}
	return nil
}

func (m *Mock) InputCount() int  { return len(m.Inputs) }
func (m *Mock) OutputCount() int { return len(m.Outputs) }

func (m *Mock) Input(i int) Tensor {
	if i < 0 || i >= len(m.Inputs) {
		return nil
	}
	return m.Inputs[i]
}

func (m *Mock) Output(i int) Tensor {
	if i < 0 || i >= len(m.Outputs) {
		return nil
	}
	return m.Outputs[i]
}

func (m *Mock) Close() error {
	m.Closed = true
	return nil
}

// MockLoader hands out a fresh interpreter from New on every Load call and
// records the arguments it was given.
type MockLoader struct {
	New func() *Mock
	Err error

	Calls       int
	LastPath    string
	LastOptions Options
	Built       []*Mock
}

func (l *MockLoader) Load(path string, opts Options) (Interpreter, error) {
	l.Calls++
	l.LastPath = path
	l.LastOptions = opts
	if l.Err != nil {
		return nil, l.Err
	}
	if l.New == nil {
		return nil, fmt.Errorf("mock loader: no interpreter for %s", path)
	}
	m := l.New()
	l.Built = append(l.Built, m)
	return m, nil
}
