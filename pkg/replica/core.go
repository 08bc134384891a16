package replica

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/heartbeat"
)

// maxClientBatch bounds how many already-queued client requests a single
// HandleClientBatch call absorbs (spec §4.7 "Request batch handling");
// this keeps one iteration of the core loop from starving the other five
// suspension points under a request storm.
const maxClientBatch = 256

// leaseCheckInterval is how often the core loop drives
// lease.Manager.CheckExpirations (spec §4.5 says this must be driven by
// the replica core's own timer loop, not a goroutine internal to the
// lease manager).
const leaseCheckInterval = 20 * time.Millisecond

// Core is the single-threaded cooperative scheduler spec §5 describes: it
// owns every collaborator exclusively and is the sole writer of replica
// state. The active ProtocolStrategy supplies the per-protocol behavior;
// Core only supplies the event multiplexing.
type Core struct {
	log zerolog.Logger

	env      *Env
	hb       *heartbeat.Heartbeater
	strategy ProtocolStrategy
}

func NewCore(env *Env, hb *heartbeat.Heartbeater, strategy ProtocolStrategy, log zerolog.Logger) *Core {
	return &Core{
		log:      log.With().Str("component", "replica").Str("protocol", strategy.Name()).Logger(),
		env:      env,
		hb:       hb,
		strategy: strategy,
	}
}

// Run is the core loop: a single ordered select over exactly six event
// sources (spec §5). It returns when stop is closed or a handler reports
// a fatal ProtocolError-class failure (spec §7 escalation).
func (c *Core) Run(stop <-chan struct{}) error {
	c.hb.KickoffHearTimer()
	leaseTicker := time.NewTicker(leaseCheckInterval)
	defer leaseTicker.Stop()

	c.log.Info().Msg("replica core loop starting")

	for {
		select {
		case <-stop:
			c.log.Info().Msg("replica core loop stopping")
			return nil

		case req, ok := <-c.env.API.RecvReq():
			if !ok {
				return fmt.Errorf("replica: client request channel closed")
			}
			batch := c.drainClientBatch(req)
			c.strategy.HandleClientBatch(batch)

		case pm, ok := <-c.env.Net.RecvMsg():
			if !ok {
				return fmt.Errorf("replica: peer message channel closed")
			}
			c.strategy.HandlePeerMsg(pm.From, pm.Env)

		case lm, ok := <-c.env.Net.RecvLeaseMsg():
			if !ok {
				return fmt.Errorf("replica: lease message channel closed")
			}
			c.strategy.HandleLeaseMsg(lm.From, lm.Msg)

		case res, ok := <-c.env.Log.Results():
			if !ok {
				return fmt.Errorf("replica: log result channel closed")
			}
			c.strategy.HandleLogResult(res)

		case sm, ok := <-c.env.Exec.Results():
			if !ok {
				return fmt.Errorf("replica: state machine result channel closed")
			}
			c.strategy.HandleSMResult(sm)

		case act, ok := <-c.env.Lease.Actions():
			if !ok {
				return fmt.Errorf("replica: lease action channel closed")
			}
			c.strategy.HandleLeaseAction(act)

		case <-c.hb.HearTimeout():
			c.strategy.HandleTimerFire(TimerHear)

		case <-c.hb.SendTimeout():
			c.strategy.HandleTimerFire(TimerSend)

		case <-leaseTicker.C:
			c.env.Lease.CheckExpirations()
			c.strategy.HandleTimerFire(TimerLeaseCheck)
		}
	}
}

// drainClientBatch pulls req plus anything else already queued on the API
// endpoint's channel, up to maxClientBatch, so a burst of arrivals is
// handled as one batch (spec §4.7) instead of one core-loop iteration per
// request.
func (c *Core) drainClientBatch(first apiserver.ClientRequest) []apiserver.ClientRequest {
	batch := make([]apiserver.ClientRequest, 1, maxClientBatch)
	batch[0] = first
	for len(batch) < maxClientBatch {
		select {
		case req, ok := <-c.env.API.RecvReq():
			if !ok {
				return batch
			}
			batch = append(batch, req)
		default:
			return batch
		}
	}
	return batch
}
