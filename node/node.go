package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/footsteps/footsteps/crypto"
	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/metrics"
	"github.com/footsteps/footsteps/movement"
	"github.com/footsteps/footsteps/p2p"
	"github.com/footsteps/footsteps/pipeline"
	"github.com/footsteps/footsteps/wsapi"
	"github.com/footsteps/footsteps/zkvm"
)

// Node lifecycle errors.
var (
	ErrNodeRunning = errors.New("node: already running")
	ErrNodeStopped = errors.New("node: not running")
)

const shutdownTimeout = 5 * time.Second

// Service names, in start order.
const (
	svcUI           = "ui"
	svcDisseminator = "disseminator"
	svcP2P          = "p2p"
	svcDiscovery    = "discovery"
	svcScheduler    = "scheduler"
	svcRoster       = "roster"
)

// Node is a running footsteps participant.
type Node struct {
	config Config
	key    *crypto.NodeKey
	log    *log.Logger

	state  *pipeline.State
	rec    *pipeline.Reconciler
	prover zkvm.Prover
	sched  *pipeline.Scheduler

	srv       *p2p.Server
	gossip    *p2p.GossipManager
	diss      *p2p.Disseminator
	discovery *p2p.Discovery
	ui        *wsapi.Server

	lc *lifecycle

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	uiLn    net.Listener
	wg      sync.WaitGroup
}

// New validates config and assembles a node. No sockets are opened until
// Start.
func New(config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	key, err := crypto.GenerateNodeKey()
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	prover, err := newProver(config)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config: config,
		key:    key,
		log:    log.Default().Module("node"),
		prover: prover,
		state:  pipeline.NewState(movement.Origin),
		lc:     newLifecycle(),
	}
	n.rec = pipeline.NewReconciler(n.state)

	n.srv = p2p.NewServer(p2p.Config{
		Name:        config.Name,
		ListenAddr:  config.P2PAddr,
		MaxPeers:    config.MaxPeers,
		StaticPeers: config.Peers,
	}, key)
	n.gossip = p2p.NewGossipManager(p2p.DefaultGossipConfig(), n.srv)
	n.diss = p2p.NewDisseminator(p2p.DisseminatorConfig{
		Name:             config.Name,
		AdvertisedURL:    config.AdvertisedURL,
		AnnounceInterval: config.AnnounceInterval,
		AnnounceAttempts: config.AnnounceAttempts,
	}, n.gossip, prover, n.rec)
	if config.Discovery {
		n.discovery = p2p.NewDiscovery(p2p.DefaultDiscoveryConfig(config.DiscoveryPort), n.srv)
	}
	n.sched = pipeline.NewScheduler(pipeline.SchedulerConfig{
		BatchInterval: config.BatchInterval,
		PollInterval:  config.PollInterval,
	}, n.state, n.rec, prover, n.diss)
	n.ui = wsapi.NewServer(wsapi.Config{
		Addr:         config.UIAddr,
		DisplayName:  config.Name,
		PeerID:       key.PeerID(),
		PushInterval: config.PushInterval,
		Metrics:      metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig()),
	}, n.state)

	if err := n.registerServices(); err != nil {
		return nil, err
	}
	return n, nil
}

func newProver(config Config) (zkvm.Prover, error) {
	var p zkvm.Prover
	if config.ProverCommand != "" {
		fields := strings.Fields(config.ProverCommand)
		if len(fields) == 0 {
			return nil, invalid("empty prover command")
		}
		p = zkvm.NewExecBackend(fields[0], fields[1:]...)
	} else {
		p = zkvm.NewLocalBackend(nil)
	}
	if config.VerifyCacheSize > 0 {
		p = zkvm.NewCachingProver(p, config.VerifyCacheSize)
	}
	return p, nil
}

func (n *Node) registerServices() error {
	services := []Service{
		&funcService{name: svcUI, start: n.startUI, stop: n.stopUI},
		n.loop(svcDisseminator, n.diss.Run),
		&funcService{
			name:  svcP2P,
			start: n.srv.Start,
			stop:  func() error { n.srv.Stop(); n.gossip.Close(); return nil },
		},
	}
	if n.discovery != nil {
		services = append(services, &funcService{
			name:  svcDiscovery,
			start: n.discovery.Start,
			stop:  func() error { n.discovery.Stop(); return nil },
		})
	}
	services = append(services,
		n.loop(svcScheduler, n.sched.Run),
		&funcService{name: svcRoster, start: n.startRoster, stop: n.leave},
	)
	for i, svc := range services {
		if err := n.lc.register(svc, i); err != nil {
			return err
		}
	}
	return nil
}

// loop wraps a blocking run function as a service bound to the node
// context. Stop cancels it and waits for it to return.
func (n *Node) loop(name string, run func(context.Context)) Service {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	return &funcService{
		name: name,
		start: func() error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(n.ctx)
			done = make(chan struct{})
			go func() {
				defer close(done)
				run(ctx)
			}()
			return nil
		},
		stop: func() error {
			cancel()
			<-done
			return nil
		},
	}
}

func (n *Node) startUI() error {
	ln, err := net.Listen("tcp", n.config.UIAddr)
	if err != nil {
		return fmt.Errorf("ui listen: %w", err)
	}
	n.uiLn = ln
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ui.Serve(ln); err != nil {
			n.log.Error("UI channel failed", "err", err)
		}
	}()
	return nil
}

func (n *Node) stopUI() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.ui.Shutdown(ctx)
}

// startRoster forwards peer and announcement events to UI clients and
// begins the announcement handshake. The handshake runs once; peers that
// connect later learn our name from the hello exchange.
func (n *Node) startRoster() error {
	peerEvents := make(chan p2p.PeerEvent, 64)
	announcements := make(chan p2p.NodeAnnouncement, 16)
	peerSub := n.srv.SubscribeEvents(peerEvents)
	annSub := n.diss.SubscribeAnnouncements(announcements)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		defer peerSub.Unsubscribe()
		defer annSub.Unsubscribe()
		for {
			select {
			case <-n.ctx.Done():
				return
			case ev := <-peerEvents:
				n.handlePeerEvent(ev)
			case ann := <-announcements:
				n.ui.NotifyNodeInfo(ann.PeerID, ann.Name, ann.AdvertisedURL)
			case err := <-peerSub.Err():
				n.log.Debug("Peer event subscription closed", "err", err)
				return
			}
		}
	}()
	go func() {
		defer n.wg.Done()
		n.announce()
	}()
	return nil
}

func (n *Node) announce() {
	if err := n.diss.Announce(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
		n.log.Warn("Announcement failed", "err", err)
	}
}

func (n *Node) handlePeerEvent(ev p2p.PeerEvent) {
	switch ev.Type {
	case p2p.PeerAdded:
		n.ui.NotifyConnection(ev.Peer.ID, fmt.Sprintf("Peer connected: %s (%s)", ev.Peer.Name, ev.Peer.RemoteAddr))
		if ev.Peer.Name != "" {
			n.rec.PeerJoined(ev.Peer.ID, ev.Peer.Name)
		}
	case p2p.PeerDropped:
		n.ui.NotifyConnection(ev.Peer.ID, fmt.Sprintf("Peer disconnected: %s", ev.Peer.Name))
	case p2p.PeerDialFailed:
		n.ui.NotifyConnection("", fmt.Sprintf("Dial failed: %s", ev.Addr))
	}
}

// leave publishes PlayerLeft while the overlay is still up. Failure is
// logged and ignored.
func (n *Node) leave() error {
	if err := n.diss.Leave(); err != nil {
		n.log.Debug("PlayerLeft not delivered", "err", err)
	}
	return nil
}

// Start starts every service. On failure the services already started are
// stopped again.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrNodeRunning
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.running = true
	n.mu.Unlock()

	if err := n.lc.startAll(); err != nil {
		n.cancel()
		n.wg.Wait()
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
		return err
	}
	n.log.Info("Node started",
		"name", n.config.Name,
		"peer", n.key.PeerID(),
		"ui", addrString(n.UIAddr()),
		"p2p", addrString(n.P2PAddr()),
		"prover", n.prover.Name(),
	)
	return nil
}

// Stop publishes PlayerLeft and stops every service in reverse order.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNodeStopped
	}
	n.running = false
	n.mu.Unlock()

	err := n.lc.stopAll()
	n.cancel()
	n.wg.Wait()
	n.log.Info("Node stopped", "name", n.config.Name)
	return err
}

// Config returns the node configuration.
func (n *Node) Config() Config { return n.config }

// PeerID returns the node's peer identity.
func (n *Node) PeerID() string { return n.key.PeerID() }

// State returns the local state.
func (n *Node) State() *pipeline.State { return n.state }

// Server returns the peer server.
func (n *Node) Server() *p2p.Server { return n.srv }

// Scheduler returns the batch scheduler.
func (n *Node) Scheduler() *pipeline.Scheduler { return n.sched }

// Prover returns the proving backend.
func (n *Node) Prover() zkvm.Prover { return n.prover }

// UIAddr returns the bound UI channel address, or nil before Start.
func (n *Node) UIAddr() net.Addr {
	if n.uiLn == nil {
		return nil
	}
	return n.uiLn.Addr()
}

// P2PAddr returns the bound overlay address, or nil if not listening.
func (n *Node) P2PAddr() net.Addr { return n.srv.ListenAddr() }

// Health reports whether each service is running.
func (n *Node) Health() map[string]bool { return n.lc.health() }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
