package network

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tetherd/tether"
)

const (
	defaultPollInterval    = 10 * time.Second
	defaultPollConcurrency = 16
)

// PollerOptions configures the edge side of the control channel.
type PollerOptions struct {
	Coordinator *tether.Coordinator
	Client      *Client

	Interval       time.Duration
	RequestTimeout time.Duration
	// Concurrency bounds the number of hubs polled at once.
	Concurrency int
}

func (o PollerOptions) withDefaults() PollerOptions {
	if o.Interval <= 0 {
		o.Interval = defaultPollInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultPollConcurrency
	}
	return o
}

// Poller periodically polls every hub the local instance is tethered to.
type Poller struct {
	options PollerOptions
}

// NewPoller validates options.
func NewPoller(options PollerOptions) (*Poller, error) {
	if options.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if options.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Poller{options: options.withDefaults()}, nil
}

// Run polls once immediately and then on every interval until ctx ends. It
// returns after the cycle in flight has finished.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.options.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one cycle: every target is polled independently and the call
// returns when all of them finished or timed out.
func (p *Poller) PollOnce(ctx context.Context) {
	targets, err := p.options.Coordinator.PollTargets()
	if err != nil {
		logrus.Warnf("[poller] failed to list tethers: %v", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	var group errgroup.Group
	group.SetLimit(p.options.Concurrency)
	for _, target := range targets {
		group.Go(func() error {
			p.pollPeer(ctx, target)
			return nil
		})
	}
	_ = group.Wait()
}

func (p *Poller) pollPeer(ctx context.Context, target tether.PollTarget) {
	// In-flight calls finish or time out on their own when ctx is cancelled.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.options.RequestTimeout)
	defer cancel()

	result, err := p.options.Client.PollControlChannel(callCtx, target.Endpoint, target.Name)
	if result.StatusCode == 0 {
		logrus.Warnf("[poller] control channel %s at %s unreachable: %v", target.Name, target.Endpoint, err)
		return
	}
	if result.StatusCode >= http.StatusInternalServerError {
		logrus.Warnf("[poller] control channel %s at %s answered %d", target.Name, target.Endpoint, result.StatusCode)
		return
	}

	p.options.Coordinator.RecordContact(target.Name)

	if err != nil {
		logrus.Warnf("[poller] control channel %s at %s: %v", target.Name, target.Endpoint, err)
		return
	}
	if result.StatusCode != http.StatusOK {
		logrus.Debugf("[poller] control channel %s at %s answered %d", target.Name, target.Endpoint, result.StatusCode)
		return
	}

	for _, message := range result.Messages {
		if err := p.options.Coordinator.Apply(callCtx, target.Name, message); err != nil {
			logrus.Warnf("[poller] failed to apply %s from %s: %v", message.Type, target.Name, err)
		}
	}
}
