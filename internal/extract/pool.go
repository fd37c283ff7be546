package extract

import "context"

// Pool multiplexes a fixed set of extractor instances. ONNX sessions are
// single-threaded, so each concurrent caller borrows a whole instance for
// the duration of one photo.
type Pool struct {
	instances chan Extractor
	dim       int
}

// NewPool builds size extractor instances with factory. On any failure the
// already-built instances are closed.
func NewPool(size int, factory func() (Extractor, error)) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{instances: make(chan Extractor, size)}
	for i := 0; i < size; i++ {
		inst, err := factory()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.dim = inst.Dim()
		p.instances <- inst
	}
	return p, nil
}

func (p *Pool) DetectAndEncode(ctx context.Context, imageBytes []byte) ([]Face, error) {
	var inst Extractor
	select {
	case inst = <-p.instances:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.instances <- inst }()

	return inst.DetectAndEncode(ctx, imageBytes)
}

func (p *Pool) Dim() int { return p.dim }

// Close releases every pooled instance. Callers must have stopped using the
// pool first.
func (p *Pool) Close() {
	for {
		select {
		case inst := <-p.instances:
			if c, ok := inst.(interface{ Close() }); ok {
				c.Close()
			}
		default:
			return
		}
	}
}
