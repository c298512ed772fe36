package p2p

import (
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/footsteps/footsteps/log"
)

// Discovery defaults.
const (
	DefaultDiscoveryPort  = 9999
	DefaultBeaconInterval = 5 * time.Second
	DefaultRedialBackoff  = 30 * time.Second
	beaconMagic           = "footsteps/beacon/1"
	maxBeaconSize         = 512
)

// DiscoveryConfig configures LAN discovery.
type DiscoveryConfig struct {
	// ListenAddr is the UDP address beacons are received on.
	ListenAddr string
	// Targets are the UDP addresses beacons are sent to. Defaults to the
	// IPv4 broadcast address on the discovery port.
	Targets []string
	// Interval is the beacon period.
	Interval time.Duration
	// RedialBackoff limits how often the same node is dialed.
	RedialBackoff time.Duration
}

// DefaultDiscoveryConfig returns the broadcast configuration for port.
func DefaultDiscoveryConfig(port int) DiscoveryConfig {
	if port <= 0 {
		port = DefaultDiscoveryPort
	}
	return DiscoveryConfig{
		ListenAddr:    JoinHostPort("", uint16(port)),
		Targets:       []string{JoinHostPort("255.255.255.255", uint16(port))},
		Interval:      DefaultBeaconInterval,
		RedialBackoff: DefaultRedialBackoff,
	}
}

// beacon is broadcast periodically so nodes on the same network find each
// other. It is not authenticated; the hello handshake is.
type beacon struct {
	Magic string
	ID    string
	Port  uint64
}

// Discovery finds peers on the local network by exchanging UDP beacons and
// dials every node it hears about.
type Discovery struct {
	config DiscoveryConfig
	srv    *Server
	log    *log.Logger

	conn    *net.UDPConn
	targets []*net.UDPAddr

	mu       sync.Mutex
	lastDial map[string]time.Time
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewDiscovery creates discovery for srv.
func NewDiscovery(config DiscoveryConfig, srv *Server) *Discovery {
	if config.Interval <= 0 {
		config.Interval = DefaultBeaconInterval
	}
	if config.RedialBackoff <= 0 {
		config.RedialBackoff = DefaultRedialBackoff
	}
	return &Discovery{
		config:   config,
		srv:      srv,
		log:      log.Default().Module("discovery"),
		lastDial: make(map[string]time.Time),
		quit:     make(chan struct{}),
	}
}

// Start binds the beacon socket and starts sending and receiving. If the
// discovery port is taken, typically by another node on the same host,
// beacons are still sent but none are received.
func (d *Discovery) Start() error {
	for _, t := range d.config.Targets {
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return err
		}
		d.targets = append(d.targets, addr)
	}

	listening := true
	laddr, err := net.ResolveUDPAddr("udp4", d.config.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		d.log.Warn("Discovery port unavailable, sending beacons only", "addr", d.config.ListenAddr, "err", err)
		if conn, err = net.ListenUDP("udp4", nil); err != nil {
			return err
		}
		listening = false
	}
	d.conn = conn

	d.wg.Add(1)
	go d.beaconLoop()
	if listening {
		d.wg.Add(1)
		go d.readLoop()
	}
	d.log.Info("LAN discovery started", "listen", conn.LocalAddr().String(), "receiving", listening)
	return nil
}

// LocalAddr returns the bound UDP address.
func (d *Discovery) LocalAddr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Stop stops discovery.
func (d *Discovery) Stop() {
	select {
	case <-d.quit:
		return
	default:
	}
	close(d.quit)
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
}

func (d *Discovery) beaconLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()
	for {
		d.sendBeacon()
		select {
		case <-d.quit:
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) sendBeacon() {
	port := d.srv.ListenPort()
	if port == 0 {
		return
	}
	enc, err := rlp.EncodeToBytes(&beacon{Magic: beaconMagic, ID: d.srv.Self(), Port: uint64(port)})
	if err != nil {
		return
	}
	for _, t := range d.targets {
		if _, err := d.conn.WriteToUDP(enc, t); err != nil {
			d.log.Debug("Beacon send failed", "target", t.String(), "err", err)
		}
	}
}

func (d *Discovery) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, maxBeaconSize)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
				d.log.Debug("Beacon read failed", "err", err)
				continue
			}
		}
		var b beacon
		if err := rlp.DecodeBytes(buf[:n], &b); err != nil || b.Magic != beaconMagic {
			continue
		}
		if b.Port == 0 || b.Port > 65535 {
			continue
		}
		d.handleBeacon(&b, from.IP)
	}
}

func (d *Discovery) handleBeacon(b *beacon, ip net.IP) {
	if b.ID == d.srv.Self() || d.srv.Connected(b.ID) {
		return
	}
	now := time.Now()
	d.mu.Lock()
	if last, ok := d.lastDial[b.ID]; ok && now.Sub(last) < d.config.RedialBackoff {
		d.mu.Unlock()
		return
	}
	d.lastDial[b.ID] = now
	d.mu.Unlock()

	addr := JoinHostPort(ip.String(), uint16(b.Port))
	d.log.Info("Discovered peer", "peer", b.ID, "addr", addr)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.srv.Dial(addr); err != nil {
			d.log.Debug("Discovered peer dial failed", "addr", addr, "err", err)
		}
	}()
}
