package realtime

import "sync"

// Pool shares one Client between every holder. The first Acquire starts it
// and the last Release closes it.
type Pool struct {
	url  string
	opts []Option

	mu     sync.Mutex
	client *Client
	refs   int
}

func NewPool(url string, opts ...Option) *Pool {
	return &Pool{url: url, opts: opts}
}

func (p *Pool) Acquire() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		p.client = NewClient(p.url, p.opts...)
		p.client.Start()
	}
	p.refs++
	return p.client
}

// Release drops one reference. Releasing more often than acquiring is a no-op.
func (p *Pool) Release() error {
	p.mu.Lock()
	if p.refs == 0 {
		p.mu.Unlock()
		return nil
	}
	p.refs--
	var c *Client
	if p.refs == 0 {
		c, p.client = p.client, nil
	}
	p.mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}

// Refs returns the number of outstanding references.
func (p *Pool) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}
