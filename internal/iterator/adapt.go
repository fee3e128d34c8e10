package iterator

import (
	"context"
	"iter"
)

// FromSeq2 adapts a push-style local generator into a pull-based Source
// using iter.Pull2, so a procedure that naturally returns an
// iter.Seq2[any, error] (range-over-func) can be published as a lazy
// sequence result without the invoker hand-writing a Source (§4.D).
func FromSeq2(seq iter.Seq2[any, error]) Source {
	next, stop := iter.Pull2(seq)
	return &pulledSeq{next: next, stop: stop}
}

type pulledSeq struct {
	next func() (any, error, bool)
	stop func()
	done bool
}

func (p *pulledSeq) Next(ctx context.Context) (any, bool, error) {
	if p.done {
		return nil, false, nil
	}
	select {
	case <-ctx.Done():
		p.stop()
		p.done = true
		return nil, false, ctx.Err()
	default:
	}

	v, err, ok := p.next()
	if !ok {
		p.done = true
		p.stop()
		return nil, false, nil
	}
	if err != nil {
		p.done = true
		p.stop()
		return nil, false, err
	}
	return v, true, nil
}
