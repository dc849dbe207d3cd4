package wgengine

import "sync"

// datagramPool hands out buffers big enough for a SOCKS5 UDP header
// followed by the largest UDP payload. Buffers may be resliced by the
// caller; put restores their full length.
type datagramPool struct {
	pool sync.Pool
}

func newDatagramPool() *datagramPool {
	dp := &datagramPool{}
	dp.pool.New = func() any {
		b := make([]byte, maxDatagramHeader+maxUDPPayload)
		return &b
	}
	return dp
}

func (p *datagramPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *datagramPool) put(b *[]byte) {
	*b = (*b)[:cap(*b)]
	p.pool.Put(b)
}
