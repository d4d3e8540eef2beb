package live

import "sync"

// Provider lazily creates the process-wide Manager. Every Get returns the same instance,
// so the gateway sees a single handshake however many components ask for a connection.
type Provider struct {
	opts Options

	once    sync.Once
	manager *Manager
	err     error
}

func NewProvider(opts Options) *Provider {
	return &Provider{opts: opts}
}

func (p *Provider) Get() (*Manager, error) {
	p.once.Do(func() {
		p.manager, p.err = New(p.opts)
	})
	return p.manager, p.err
}

// Close shuts the manager down if one was created. Later Gets return ErrClosed.
func (p *Provider) Close() {
	p.once.Do(func() { p.err = ErrClosed })
	if p.manager != nil {
		p.manager.Close()
	}
}
