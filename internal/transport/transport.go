// Package transport implements the Transport Handler: the single
// serialising engine that owns every table, the destination registry,
// and all active links, and that drives the six independent maintenance
// cadences the rest of the system depends on. Every public entry point
// funnels through a single handler mutex, mirroring the Transport →
// Link → Channel lock ordering the design requires: this package never
// holds its own mutex while calling into a Link or Channel method that
// might itself block on network I/O.
package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/hexmesh/reticulum-go/channel"
	"github.com/hexmesh/reticulum-go/core/clock"
	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/crypto"
	"github.com/hexmesh/reticulum-go/core/hash"
	"github.com/hexmesh/reticulum-go/core/identity"
	"github.com/hexmesh/reticulum-go/destination"
	"github.com/hexmesh/reticulum-go/iface"
	"github.com/hexmesh/reticulum-go/internal/broadcast"
	"github.com/hexmesh/reticulum-go/link"
	"github.com/hexmesh/reticulum-go/table/announce"
	"github.com/hexmesh/reticulum-go/table/linktable"
	"github.com/hexmesh/reticulum-go/table/packetcache"
	"github.com/hexmesh/reticulum-go/table/path"
)

// Config configures a Handler.
type Config struct {
	// SelfID identifies this node as a transport hop, stamped into
	// Type2 packets' Transport field when forwarding.
	SelfID hash.AddressHash

	// EnableTransport allows this node to forward announces and relay
	// link traffic it is not itself an endpoint of. Matching
	// Reticulum's "transport enabled" node role; disabled by default
	// for a pure client/leaf node.
	EnableTransport bool

	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Handler is the Transport Handler: the central engine coordinating
// packet dispatch, routing tables, and link lifecycle.
type Handler struct {
	cfg Config
	log *slog.Logger

	ifaces *iface.Manager
	clk    *clock.Clock

	destinations *destination.Registry
	packetCache  *packetcache.PacketCache
	pathTable    *path.Table
	announces    *announce.Table
	linkTable    *linktable.Table

	mu       sync.Mutex
	outLinks map[hash.AddressHash]*link.Link
	inLinks  map[hash.AddressHash]*link.Link
	channels map[hash.AddressHash]*channel.Channel

	outLinkEvents  *broadcast.Broadcaster[link.Event]
	inLinkEvents   *broadcast.Broadcaster[link.Event]
	dataEvents     *broadcast.Broadcaster[link.Event]
	announceEvents *broadcast.Broadcaster[link.Event]

	metrics metricsSet

	cancel context.CancelFunc
	done   chan struct{}
}

type metricsSet struct {
	announcesSeen   prometheus.Counter
	announcesSent   prometheus.Counter
	packetsDropped  prometheus.Counter
	activeOutLinks  prometheus.Gauge
	activeInLinks   prometheus.Gauge
	cacheHits       prometheus.Counter
}

// New creates a Transport Handler. ifaces is the Interface Manager it
// sends through and receives from.
func New(cfg Config, ifaces *iface.Manager) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		cfg:           cfg,
		log:           logger.WithGroup("transport"),
		ifaces:        ifaces,
		clk:           clock.New(),
		destinations:  destination.NewRegistry(),
		packetCache:   packetcache.New(),
		pathTable:     path.New(),
		announces:     announce.New(),
		linkTable:     linktable.New(),
		outLinks:      make(map[hash.AddressHash]*link.Link),
		inLinks:       make(map[hash.AddressHash]*link.Link),
		channels:      make(map[hash.AddressHash]*channel.Channel),
		outLinkEvents:  broadcast.New[link.Event](),
		inLinkEvents:   broadcast.New[link.Event](),
		dataEvents:     broadcast.New[link.Event](),
		announceEvents: broadcast.New[link.Event](),
	}
	h.metrics = newMetricsSet(cfg.Registry)
	return h
}

func newMetricsSet(reg *prometheus.Registry) metricsSet {
	m := metricsSet{
		announcesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reticulum_announces_seen_total",
			Help: "Total number of announce packets observed.",
		}),
		announcesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reticulum_announces_sent_total",
			Help: "Total number of announce packets originated locally.",
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reticulum_packets_dropped_total",
			Help: "Total number of packets dropped as invalid (duplicates are counted as cache hits).",
		}),
		activeOutLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reticulum_active_out_links",
			Help: "Number of currently active outbound links.",
		}),
		activeInLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reticulum_active_in_links",
			Help: "Number of currently active inbound links.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reticulum_packet_cache_hits_total",
			Help: "Total number of packets dropped due to packet cache dedup.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.announcesSeen, m.announcesSent, m.packetsDropped, m.activeOutLinks, m.activeInLinks, m.cacheHits)
	}
	return m
}

// AddDestination registers a local destination this node owns.
func (h *Handler) AddDestination(d *destination.SingleInputDestination) {
	h.destinations.AddInput(d)
}

// HasDestination reports whether addr is one of our own destinations.
func (h *Handler) HasDestination(addr hash.AddressHash) bool {
	_, ok := h.destinations.Input(addr)
	return ok
}

// SendAnnounce originates and broadcasts an announce for one of our own
// destinations.
func (h *Handler) SendAnnounce(d *destination.SingleInputDestination, appData []byte) error {
	ts := h.clk.Now()
	sig := crypto.SignAnnounce(d.Private.SignPriv, d.Desc.AddressHash[:], ts, appData)

	payload := buildAnnouncePayload(d.Desc.Identity, ts, appData, sig)
	pkt := announce.NewPacket(d.Desc.AddressHash, payload)

	h.metrics.announcesSent.Inc()
	h.ifaces.Send(iface.Broadcast(pkt))
	return nil
}

func buildAnnouncePayload(id identity.Identity, timestamp uint64, appData, sig []byte) []byte {
	out := make([]byte, 0, identity.KeySize+len(id.SignPub)+8+len(sig)+2+len(appData))
	out = append(out, id.EncryptPub[:]...)
	out = append(out, id.SignPub...)
	out = appendUint64(out, timestamp)
	out = append(out, sig...)
	out = append(out, appData...)
	return out
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}

// SendPacket routes a packet: broadcast for Propagation == Broadcast,
// direct toward a learned next hop for Propagation == Transport.
func (h *Handler) SendPacket(pkt *codec.Packet) error {
	if pkt.Propagation == codec.PropagationBroadcast {
		h.ifaces.Send(iface.Broadcast(pkt))
		return nil
	}

	_, egress, ok := h.pathTable.NextHopFull(pkt.Destination)
	if !ok {
		return fmt.Errorf("no known path to destination %s", pkt.Destination)
	}
	ifc, ok := h.ifaces.Get(egress)
	if !ok {
		return fmt.Errorf("egress interface %s not connected", egress)
	}
	h.ifaces.Send(iface.Direct(pkt, ifc))
	return nil
}

// Link returns an out-link toward dest, creating and requesting a new one
// if none exists or the existing one has been closed. Per the
// idempotence property, a Pending or Active out-link already present for
// dest is reused rather than duplicated.
func (h *Handler) Link(dest destination.Descriptor) (*link.Link, error) {
	h.mu.Lock()
	for _, existing := range h.outLinks {
		if existing.Destination().AddressHash == dest.AddressHash && existing.Status() != link.Closed {
			h.mu.Unlock()
			return existing, nil
		}
	}
	h.mu.Unlock()

	l, err := link.New(dest, h.outLinkEvents, h.log)
	if err != nil {
		return nil, fmt.Errorf("creating link: %w", err)
	}

	req := l.Request()

	h.mu.Lock()
	h.outLinks[l.ID()] = l
	h.mu.Unlock()

	if err := h.SendPacket(req); err != nil {
		return nil, fmt.Errorf("sending link request: %w", err)
	}
	return l, nil
}

// FindOutLink looks up an out-link by link id, whatever its status.
func (h *Handler) FindOutLink(id hash.AddressHash) (*link.Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.outLinks[id]
	return l, ok
}

// FindInLink looks up an in-link by link id, whatever its status.
func (h *Handler) FindInLink(id hash.AddressHash) (*link.Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.inLinks[id]
	return l, ok
}

// ChannelFor returns (creating if necessary) the Channel layered over
// link id, provided the link exists.
func (h *Handler) ChannelFor(id hash.AddressHash) (*channel.Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[id]; ok {
		return ch, true
	}

	l, ok := h.outLinks[id]
	if !ok {
		l, ok = h.inLinks[id]
	}
	if !ok {
		return nil, false
	}

	ch := channel.New(&linkOutlet{h: h, l: l}, h.log)
	ch.OnLinkTimeout(func() { l.Close() })
	h.channels[id] = ch
	return ch, true
}

// SendMessage frames payload as messageType and transmits it over the
// Channel layered on top of the link identified by id.
func (h *Handler) SendMessage(id hash.AddressHash, messageType uint16, payload []byte) error {
	ch, ok := h.ChannelFor(id)
	if !ok {
		return fmt.Errorf("no link %s to send channel message over", id)
	}
	return ch.Send(messageType, payload)
}

// linkOutlet adapts a *link.Link into a channel.Outlet whose Send/Resend
// not only encrypt a payload into a Data packet (the Link's own job) but
// also actually place it on the wire through the owning Handler — a
// Channel has no other route to the Interface Manager.
type linkOutlet struct {
	h *Handler
	l *link.Link
}

func (o *linkOutlet) Send(raw []byte) (*codec.Packet, error) {
	pkt, err := o.l.Send(raw)
	if err != nil {
		return nil, err
	}
	if err := o.h.SendPacket(pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

func (o *linkOutlet) Resend(pkt *codec.Packet) (*codec.Packet, error) {
	newPkt, err := o.l.Resend(pkt)
	if err != nil {
		return nil, err
	}
	if err := o.h.SendPacket(newPkt); err != nil {
		return nil, err
	}
	return newPkt, nil
}

func (o *linkOutlet) MDU() int           { return o.l.MDU() }
func (o *linkOutlet) RTT() time.Duration { return o.l.RTT() }
func (o *linkOutlet) IsUsable() bool     { return o.l.IsUsable() }

// OutLinkEvents subscribes to the out-link event stream.
func (h *Handler) OutLinkEvents() (*broadcast.Subscription[link.Event], int) {
	return h.outLinkEvents.Subscribe()
}

// InLinkEvents subscribes to the in-link event stream.
func (h *Handler) InLinkEvents() (*broadcast.Subscription[link.Event], int) {
	return h.inLinkEvents.Subscribe()
}

// ReceivedDataEvents subscribes to the stream of inbound Data packets
// addressed to one of our own Single destinations. Data arriving over a
// link is handed to that link's Channel instead of this stream.
func (h *Handler) ReceivedDataEvents() (*broadcast.Subscription[link.Event], int) {
	return h.dataEvents.Subscribe()
}

// AnnounceEvents subscribes to the stream of validated, newly-processed
// announces.
func (h *Handler) AnnounceEvents() (*broadcast.Subscription[link.Event], int) {
	return h.announceEvents.Subscribe()
}

// HandleInbound dispatches one packet received from an interface. This
// is the transport core's main gate: duplicate suppression, then
// dispatch by packet type.
func (h *Handler) HandleInbound(in iface.Inbound) {
	pkt := in.Packet
	trace := newTraceID()
	if err := pkt.Validate(); err != nil {
		h.log.Debug("dropping invalid packet", "trace", trace, "error", err)
		h.metrics.packetsDropped.Inc()
		return
	}

	switch pkt.PacketType {
	case codec.PacketTypeAnnounce:
		// Announce is always re-inspected; the announce table does its
		// own ordering, so it never consults the packet cache here.
	case codec.PacketTypeProof:
		if !h.proofBypassesCache(pkt) {
			if !h.packetCache.Update(pkt) {
				h.metrics.cacheHits.Inc()
				return
			}
		}
	default:
		if !h.packetCache.Update(pkt) {
			h.metrics.cacheHits.Inc()
			return
		}
	}

	switch pkt.PacketType {
	case codec.PacketTypeAnnounce:
		h.handleAnnounce(pkt, in.IfaceAddress)
	case codec.PacketTypeLinkRequest:
		h.handleLinkRequest(pkt, in.IfaceAddress)
	case codec.PacketTypeProof:
		h.handleProof(pkt, in.IfaceAddress)
	case codec.PacketTypeData:
		h.handleData(pkt, in.IfaceAddress)
	default:
		h.log.Debug("dropping packet of unknown type", "type", pkt.PacketType)
	}
}

// proofBypassesCache reports whether pkt is a Proof addressed to one of
// our own in-links that has not yet reached Active status — the one
// exception to the packet cache's duplicate check.
func (h *Handler) proofBypassesCache(pkt *codec.Packet) bool {
	h.mu.Lock()
	l, ok := h.inLinks[pkt.Destination]
	h.mu.Unlock()
	return ok && l.Status() != link.Active
}

func (h *Handler) handleAnnounce(pkt *codec.Packet, recvIface hash.AddressHash) {
	h.metrics.announcesSeen.Inc()

	id, timestamp, appData, sig, ok := parseAnnouncePayload(pkt.Data)
	if !ok {
		h.log.Debug("dropping malformed announce payload", "destination", pkt.Destination)
		return
	}
	if !crypto.VerifyAnnounce(id.SignPub, pkt.Destination[:], timestamp, appData, sig) {
		h.log.Debug("dropping announce with invalid signature", "destination", pkt.Destination)
		return
	}

	h.destinations.UpsertOutput(destination.NewSingleOutputDestination(pkt.Destination, id, "", appData))

	nextHop := pkt.Destination // the announce's originator is directly reachable at hop 0 on recvIface; at higher hops the immediate sender's address would come from the interface layer, which is out of this package's scope to model further
	h.pathTable.HandleAnnounce(pkt, nextHop, recvIface)

	if h.cfg.EnableTransport {
		h.announces.Enqueue(pkt.Destination, recvIface, pkt)
	}

	h.announceEvents.Send(link.Event{ID: pkt.Destination, Kind: link.EventAnnounce, Payload: appData})
}

// parseAnnouncePayload splits an announce's data buffer into the identity
// it carries, its timestamp, its signature, and the trailing application
// data, matching the layout buildAnnouncePayload produces: encryptPub ||
// signPub || timestamp(8 BE) || signature || appData.
func parseAnnouncePayload(data []byte) (id identity.Identity, timestamp uint64, appData, sig []byte, ok bool) {
	const fixed = identity.KeySize + ed25519.PublicKeySize + 8 + ed25519.SignatureSize
	if len(data) < fixed {
		return identity.Identity{}, 0, nil, nil, false
	}

	var encPub [identity.KeySize]byte
	copy(encPub[:], data[:identity.KeySize])
	off := identity.KeySize

	signPub := ed25519.PublicKey(append([]byte(nil), data[off:off+ed25519.PublicKeySize]...))
	off += ed25519.PublicKeySize

	timestamp = binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	sig = data[off : off+ed25519.SignatureSize]
	off += ed25519.SignatureSize

	appData = data[off:]
	return identity.Identity{EncryptPub: encPub, SignPub: signPub}, timestamp, appData, sig, true
}

func (h *Handler) handleLinkRequest(pkt *codec.Packet, recvIface hash.AddressHash) {
	d, ok := h.destinations.Input(pkt.Destination)
	if !ok {
		h.forwardLinkRequest(pkt, recvIface)
		return
	}

	l, prove, err := link.NewFromRequest(pkt, d.Private.SignPriv, d.Desc, h.inLinkEvents, h.log)
	if err != nil {
		h.log.Debug("rejecting malformed link request", "error", err)
		return
	}

	proofPkt, err := prove()
	if err != nil {
		h.log.Warn("failed to prove link request", "error", err)
		return
	}

	h.mu.Lock()
	h.inLinks[l.ID()] = l
	h.mu.Unlock()
	h.metrics.activeInLinks.Inc()

	if err := h.SendPacket(proofPkt); err != nil {
		h.log.Warn("failed to send link proof", "error", err)
	}
}

func (h *Handler) forwardLinkRequest(pkt *codec.Packet, recvIface hash.AddressHash) {
	if !h.cfg.EnableTransport {
		return
	}
	nextHop, egress, ok := h.pathTable.NextHopFull(pkt.Destination)
	if !ok {
		return
	}
	ifc, ok := h.ifaces.Get(egress)
	if !ok {
		return
	}
	if len(pkt.Data) < ed25519.PublicKeySize {
		return
	}
	// Same derivation as the link package: destination hash plus the
	// requester's ephemeral public key, so the Proof (addressed to the
	// link id) finds this entry.
	linkID := hash.Compute(pkt.Destination[:], pkt.Data[:ed25519.PublicKeySize])
	h.linkTable.Record(linkID, pkt.Destination, recvIface, nextHop, egress)
	h.ifaces.Send(iface.Direct(pkt.IncrementHops(), ifc))
}

func (h *Handler) handleProof(pkt *codec.Packet, recvIface hash.AddressHash) {
	h.mu.Lock()
	l, ok := h.outLinks[pkt.Destination]
	h.mu.Unlock()

	if ok {
		res := l.HandlePacket(pkt)
		if res.Kind == link.EventActivated {
			h.metrics.activeOutLinks.Inc()
		}
		return
	}

	if fwd, iAddr, found := h.linkTable.HandleProof(pkt); found {
		if ifc, ok := h.ifaces.Get(iAddr); ok {
			h.ifaces.Send(iface.Direct(fwd, ifc))
		}
	}
}

func (h *Handler) handleData(pkt *codec.Packet, recvIface hash.AddressHash) {
	if pkt.DestinationType == codec.DestinationSingle {
		h.handleSingleData(pkt)
		return
	}

	h.mu.Lock()
	l, ok := h.outLinks[pkt.Destination]
	if !ok {
		l, ok = h.inLinks[pkt.Destination]
	}
	h.mu.Unlock()

	if !ok {
		if fwd, iAddr, found := h.linkTable.HandleKeepalive(pkt); found {
			if ifc, ok := h.ifaces.Get(iAddr); ok {
				h.ifaces.Send(iface.Direct(fwd, ifc))
			}
		}
		return
	}

	res := l.HandlePacket(pkt)
	if res.ReplyPacket != nil {
		if err := h.SendPacket(res.ReplyPacket); err != nil {
			h.log.Debug("failed to send keep-alive reply", "error", err)
		}
	}
	if res.Kind == link.EventData {
		if ch, ok := h.ChannelFor(pkt.Destination); ok {
			if err := ch.Receive(res.Payload); err != nil {
				h.log.Debug("dropping malformed channel envelope", "link", pkt.Destination, "error", err)
			}
		} else {
			h.dataEvents.Send(link.Event{ID: pkt.Destination, Kind: link.EventData, Payload: res.Payload})
		}
	}
}

// handleSingleData handles a Data packet addressed to a Single
// destination rather than a Link: published locally if we own the
// destination, otherwise forwarded toward it via the path table.
func (h *Handler) handleSingleData(pkt *codec.Packet) {
	if _, ok := h.destinations.Input(pkt.Destination); ok {
		h.dataEvents.Send(link.Event{ID: pkt.Destination, Kind: link.EventData, Payload: pkt.Data})
		return
	}

	if !h.cfg.EnableTransport {
		return
	}
	fwd, egress, ok := h.pathTable.HandleInboundPacket(pkt, h.cfg.SelfID)
	if !ok {
		return
	}
	ifc, ok := h.ifaces.Get(egress)
	if !ok {
		return
	}
	h.ifaces.Send(iface.Direct(fwd, ifc))
}

// Start launches the six independent maintenance loops described by the
// transport core's concurrency model. It returns once every loop has
// been scheduled; Stop blocks until they have all exited.
func (h *Handler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error { h.runLoop(ctx, 1*time.Second, h.linkMaintenance); return nil })
		g.Go(func() error { h.runLoop(ctx, 1*time.Second, h.shortCacheSweep); return nil })
		g.Go(func() error { h.runLoop(ctx, 5*time.Second, h.linkKeepAlive); return nil })
		g.Go(func() error { h.runLoop(ctx, 10*time.Second, h.ifaces.CleanupDisconnected); return nil })
		g.Go(func() error { h.runLoop(ctx, 90*time.Second, h.longMaintenanceSweep); return nil })
		g.Go(func() error { h.runLoop(ctx, 1*time.Second, h.retransmitAnnounces); return nil })

		_ = g.Wait()
	}()
}

// Stop cancels every maintenance loop and waits for them to exit.
func (h *Handler) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *Handler) runLoop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (h *Handler) shortCacheSweep() {
	h.packetCache.Release(packetcache.DefaultShortCycleAge)
}

// longMaintenanceSweep runs the long packet-cache sweep and link-table
// stale-entry removal together on the same 90s cadence.
func (h *Handler) longMaintenanceSweep() {
	h.packetCache.Release(packetcache.DefaultKeepAge)
	h.linkTable.RemoveStale(linktable.DefaultKeepWindow)
}

func (h *Handler) retransmitAnnounces() {
	if !h.cfg.EnableTransport {
		return
	}
	for _, entry := range h.announces.ToRetransmit(h.cfg.SelfID) {
		h.ifaces.Send(iface.BroadcastExcept(entry.Packet, entry.Key.RecvIface))
	}
}

// linkMaintenance implements the per-second link lifecycle sweep: close
// stale in-links, drop closed out-links, restart idle active out-links,
// and re-send requests for out-links still waiting on a proof.
func (h *Handler) linkMaintenance() {
	h.mu.Lock()
	var toClose, toRestart, toReRequest []*link.Link
	var toRemove []hash.AddressHash

	for id, l := range h.inLinks {
		if l.Elapsed() > link.InLinkCleanupAge {
			toClose = append(toClose, l)
			toRemove = append(toRemove, id)
		}
	}
	for id, l := range h.outLinks {
		switch l.Status() {
		case link.Closed:
			delete(h.outLinks, id)
			h.metrics.activeOutLinks.Dec()
			continue
		case link.Active:
			if l.Elapsed() > link.OutLinkRestartAge {
				toRestart = append(toRestart, l)
			}
		case link.Pending:
			if l.RequestAge() > link.OutLinkRepeatRequestAge {
				toReRequest = append(toReRequest, l)
			}
		}
	}
	for _, id := range toRemove {
		delete(h.inLinks, id)
		h.metrics.activeInLinks.Dec()
	}
	h.mu.Unlock()

	for _, l := range toClose {
		l.Close()
	}
	for _, l := range toRestart {
		l.Restart()
	}
	for _, l := range toReRequest {
		if err := h.SendPacket(l.Request()); err != nil {
			h.log.Debug("failed to re-send link request", "error", err)
		}
	}
}

// linkKeepAlive emits a keep-alive probe for every Active out-link.
func (h *Handler) linkKeepAlive() {
	h.mu.Lock()
	var active []*link.Link
	for _, l := range h.outLinks {
		if l.Status() == link.Active {
			active = append(active, l)
		}
	}
	h.mu.Unlock()

	for _, l := range active {
		if err := h.SendPacket(l.KeepAlive()); err != nil {
			h.log.Debug("failed to send keep-alive", "error", err)
		}
	}
}

// newTraceID mints a short, sortable trace identifier for correlating
// one inbound packet's handling across log lines.
func newTraceID() string {
	return xid.New().String()
}
