// Package network wraps a libp2p host with the dial/listen/ban surface
// the public facade (C11) exposes to embedding applications, per
// spec.md §9's "Network facade pass-throughs" note and SPEC_FULL.md §5.
// Adapted from the teacher's 02-network/pkg/network.go HostWrapper: the
// host lifecycle, address, and connect plumbing are kept; the
// teacher's custom length-prefixed xfer protocol is dropped here since
// block transfer in this domain goes through bitswap (package
// node/bitswap), not a bespoke protocol.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config carries the network knobs this wrapper consumes: the host
// keypair and its listening addresses. There is no bootstrap-list or
// mDNS setting, and the node package adds only DisableDHT and
// DisableBitswap; pubsub, ping and identify have no settings.
type Config struct {
	PrivKey     crypto.PrivKey
	ListenAddrs []string
}

// HostWrapper is a thin libp2p host plus a local ban list enforced via
// a connmgr.ConnectionGater, matching the teacher's pattern of
// embedding host.Host and adding a handful of typed helpers on top.
type HostWrapper struct {
	host.Host

	gater  *banGater
	logger zerolog.Logger
}

// New constructs a libp2p host per cfg.
func New(cfg *Config) (*HostWrapper, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	listenAddrs := cfg.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	var las []multiaddr.Multiaddr
	for _, s := range listenAddrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("listen addr %q: %w", s, err)
		}
		las = append(las, ma)
	}

	gater := newBanGater()

	opts := []libp2p.Option{
		libp2p.ListenAddrs(las...),
		libp2p.ConnectionGater(gater),
	}
	if cfg.PrivKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	return &HostWrapper{
		Host:   h,
		gater:  gater,
		logger: log.With().Str("component", "network").Logger(),
	}, nil
}

// Dial connects to a peer described by a multiaddr, per spec.md §4.10's
// dial pass-through.
func (n *HostWrapper) Dial(ctx context.Context, addr multiaddr.Multiaddr) error {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("parse addr %s: %w", addr, err)
	}
	if err := n.Host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return nil
}

// Peers lists currently connected peers.
func (n *HostWrapper) Peers() []peer.ID {
	return n.Host.Network().Peers()
}

// Listen reports the host's advertised listen addresses, each
// suffixed with this host's peer ID.
func (n *HostWrapper) Listen() []multiaddr.Multiaddr {
	peerPart, _ := multiaddr.NewMultiaddr("/p2p/" + n.ID().String())
	out := make([]multiaddr.Multiaddr, 0, len(n.Addrs()))
	for _, a := range n.Addrs() {
		out = append(out, a.Encapsulate(peerPart))
	}
	return out
}

// Ban adds p to the local deny-list: existing connections are closed
// and future dial/accept attempts are rejected by the connection
// gater, per SPEC_FULL.md's "local deny-list consulted before
// Dial/inbound accept" design.
func (n *HostWrapper) Ban(p peer.ID) {
	n.gater.ban(p)
	for _, conn := range n.Host.Network().ConnsToPeer(p) {
		_ = conn.Close()
	}
}

// Unban removes p from the deny-list.
func (n *HostWrapper) Unban(p peer.ID) {
	n.gater.unban(p)
}

// Banned reports whether p is currently denied.
func (n *HostWrapper) Banned(p peer.ID) bool {
	return n.gater.isBanned(p)
}

// Close shuts down the host.
func (n *HostWrapper) Close() error {
	return n.Host.Close()
}

type banGater struct {
	mu     sync.RWMutex
	banned map[peer.ID]struct{}
}

func newBanGater() *banGater {
	return &banGater{banned: make(map[peer.ID]struct{})}
}

func (g *banGater) ban(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.banned[p] = struct{}{}
}

func (g *banGater) unban(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.banned, p)
}

func (g *banGater) isBanned(p peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.banned[p]
	return ok
}

var _ connmgr.ConnectionGater = (*banGater)(nil)

func (g *banGater) InterceptPeerDial(p peer.ID) bool { return !g.isBanned(p) }

func (g *banGater) InterceptAddrDial(p peer.ID, _ multiaddr.Multiaddr) bool {
	return !g.isBanned(p)
}

func (g *banGater) InterceptAccept(cm network.ConnMultiaddrs) bool { return true }

func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.isBanned(p)
}

func (g *banGater) InterceptUpgraded(_ network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
