package pairing

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/relay"
)

// LocalConns writes to connections held by this process. Deliver returns
// false when the client is not connected here.
type LocalConns interface {
	Deliver(clientID string, data []byte, closeAfter bool) bool
}

// RemoteBus reaches clients held by other processes.
type RemoteBus interface {
	Deliver(clientID string, data []byte, closeAfter bool) error
}

// Router is the relay.Emitter of a process: local connections first, then
// the bus. With no bus, deliveries to other processes are dropped.
type Router struct {
	local  LocalConns
	remote RemoteBus
}

// NewRouter creates a router. remote may be nil.
func NewRouter(local LocalConns, remote RemoteBus) *Router {
	return &Router{local: local, remote: remote}
}

// Emit implements relay.Emitter.
func (r *Router) Emit(_ context.Context, d relay.Delivery) {
	if d.To == "" {
		return
	}
	data, err := d.Event.Encode()
	if err != nil {
		log.WithError(err).WithField("type", d.Event.Type).Error("encode failed")
		return
	}
	if r.local.Deliver(d.To, data, d.Close) {
		return
	}
	if r.remote == nil {
		log.WithFields(logrus.Fields{"client": d.To, "type": d.Event.Type}).Debug("recipient not local, dropping")
		return
	}
	if err := r.remote.Deliver(d.To, data, d.Close); err != nil {
		log.WithError(err).WithField("client", d.To).Warn("remote delivery failed")
	}
}
