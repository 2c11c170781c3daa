// Package pool recycles hot-path request structs. Every edit request decodes
// a payload; pooling keeps the decode allocation off the steady-state heap.
package pool

import (
	"sync"

	"github.com/visagelab/visage/pkg/face"
)

var payloadPool = sync.Pool{
	New: func() any {
		return new(face.Payload)
	},
}

// GetPayload gets a zeroed Payload from the pool.
func GetPayload() *face.Payload {
	return payloadPool.Get().(*face.Payload)
}

// PutPayload returns a Payload to the pool. The payload must not be
// referenced after the call; value copies taken earlier stay valid.
func PutPayload(p *face.Payload) {
	if p == nil {
		return
	}
	*p = face.Payload{}
	payloadPool.Put(p)
}
