package ws

import (
	"time"

	"github.com/sirupsen/logrus"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and drops those with
// no inbound frame within Interval + Timeout. It returns immediately; the
// goroutine exits on Shutdown. A zero Interval disables it.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections evicts stale connections and pings the rest. Browsers
// answer protocol pings on their own, which keeps LastActive fresh.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) (evicted int) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.WithFields(logrus.Fields{"client": c.ID, "idle": idle.Round(time.Second)}).Info("heartbeat timeout")
			server.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.WithError(err).WithField("client", c.ID).Debug("heartbeat ping failed")
			server.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}
