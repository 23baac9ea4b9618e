// Package dispatch delivers command envelopes to every controller registered
// under a scope and evicts the ones that can no longer be reached.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/housectl/internal/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendTimeout = 5 * time.Second
	defaultFanOut      = 32
)

// Roster is the part of the registry the dispatcher needs.
type Roster interface {
	Members(scope registry.Scope) []registry.Connection
	Deregister(scope registry.Scope, conn registry.Connection) bool
}

// Status distinguishes a delivered broadcast from an offline scope.
type Status int

const (
	// NoRecipients means nothing was registered under the scope, or every
	// send failed. It is an expected outcome, not an error.
	NoRecipients Status = iota
	Delivered
)

func (s Status) String() string {
	if s == Delivered {
		return "delivered"
	}
	return "no_recipients"
}

// Outcome is the result of one broadcast.
type Outcome struct {
	Status     Status
	Recipients int // successful sends
	Evicted    int // connections removed after a failed send
}

// Options tunes delivery.
type Options struct {
	// SendTimeout bounds each send. A send that times out is a failed send.
	SendTimeout time.Duration
	// FanOut caps the number of sends in flight for one broadcast.
	FanOut int
}

// Dispatcher fans a payload out to the members of a scope.
type Dispatcher struct {
	roster Roster
	log    zerolog.Logger
	opts   Options
}

// New creates a dispatcher over roster. Zero options take defaults.
func New(roster Roster, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.FanOut <= 0 {
		opts.FanOut = defaultFanOut
	}
	return &Dispatcher{
		roster: roster,
		log:    log.With().Str("component", "dispatcher").Logger(),
		opts:   opts,
	}
}

type failedSend struct {
	conn registry.Connection
	err  error
}

// Broadcast sends payload to every connection registered under scope.
// Members are snapshotted first and sent to outside any registry lock.
// Every connection whose send fails is deregistered once the pass is over;
// failures are never retried and never returned to the caller.
// Each send is bounded by SendTimeout alone; cancelling ctx does not cut
// sends short. No ordering is guaranteed across recipients or across
// concurrent broadcasts to the same scope.
func (d *Dispatcher) Broadcast(ctx context.Context, scope registry.Scope, payload []byte) Outcome {
	members := d.roster.Members(scope)
	if len(members) == 0 {
		d.log.Debug().Stringer("scope", scope).Msg("no recipients")
		return Outcome{Status: NoRecipients}
	}

	var (
		mu   sync.Mutex
		dead []failedSend
	)

	sendBase := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(d.opts.FanOut)
	for _, conn := range members {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(sendBase, d.opts.SendTimeout)
			defer cancel()
			if err := conn.Send(sendCtx, payload); err != nil {
				mu.Lock()
				dead = append(dead, failedSend{conn: conn, err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	evicted := 0
	for _, f := range dead {
		if d.roster.Deregister(scope, f.conn) {
			evicted++
		}
		d.log.Warn().
			Err(f.err).
			Str("conn_id", f.conn.ID()).
			Stringer("scope", scope).
			Msg("send failed, connection evicted")
	}

	out := Outcome{Recipients: len(members) - len(dead), Evicted: evicted}
	if out.Recipients > 0 {
		out.Status = Delivered
	}

	d.log.Debug().
		Stringer("scope", scope).
		Int("recipients", out.Recipients).
		Int("evicted", out.Evicted).
		Msg("broadcast complete")
	return out
}
