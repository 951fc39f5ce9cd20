// Package status tells web peers when consoles they own come online or go offline.
package status

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/metrics"
	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/registry"
	"github.com/console-relay/broker/internal/ws"
)

// Fanout delivers console-status notices. Delivery is fire-and-forget: nothing
// is queued for a web peer that is not connected.
type Fanout struct {
	registry *registry.Registry
	log      zerolog.Logger
}

// New creates a Fanout reading from reg.
func New(reg *registry.Registry, log zerolog.Logger) *Fanout {
	return &Fanout{
		registry: reg,
		log:      log.With().Str("component", "status").Logger(),
	}
}

// Notify sends the console's transition to its owner's web peer. It reports
// whether a notice was queued.
func (f *Fanout) Notify(console *registry.Entry, online bool) bool {
	if console == nil || console.Role != model.RoleConsole {
		return false
	}

	web, ok := f.registry.Web(console.OwnerID)
	if !ok {
		f.log.Debug().Str("console", console.ConsoleID).Bool("online", online).Msg("no web peer for owner")
		return false
	}

	if err := web.Conn.Emit(ws.EventConsoleStatus, model.ConsoleStatus{
		ConsoleID: console.ConsoleID,
		IsOnline:  online,
	}); err != nil {
		f.log.Debug().Err(err).Str("console", console.ConsoleID).Msg("status notice dropped")
		return false
	}

	metrics.StatusNoticesTotal.WithLabelValues(strconv.FormatBool(online)).Inc()
	f.log.Debug().
		Str("console", console.ConsoleID).
		Str("web", web.ConnID()).
		Bool("online", online).
		Msg("status notice sent")
	return true
}

// Snapshot sends a freshly admitted web peer an online notice for every live
// console its owner has, oldest first. It returns the number sent.
func (f *Fanout) Snapshot(web *registry.Entry) int {
	if web == nil || web.Role != model.RoleWeb {
		return 0
	}

	sent := 0
	for _, console := range f.registry.ConsolesOf(web.OwnerID) {
		if err := web.Conn.Emit(ws.EventConsoleStatus, model.ConsoleStatus{
			ConsoleID: console.ConsoleID,
			IsOnline:  true,
		}); err != nil {
			break
		}
		sent++
	}
	return sent
}
