// Package discovery implements UDP broadcast cluster discovery (spec
// §4.11): nodes periodically broadcast a small self-describing packet
// and listen for announces from the rest of the cluster, seeding
// membership before the first heartbeat arrives.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wolfscale/wolfscale/internal/membership"
)

const (
	announcePrefix  = "WOLFSCALE"
	announceVersion = "1"
	maxPacketSize   = 512
)

// Config tunes the discovery loops.
type Config struct {
	Port          int
	ClusterName   string
	BroadcastAddr string // defaults to 255.255.255.255:<Port>
	Interval      time.Duration
}

func (c *Config) setDefaults() {
	if c.Port <= 0 {
		c.Port = 7654
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", c.Port)
	}
}

// Discovery broadcasts this node's presence and listens for announces
// from peers, adding unseen ones to members.
type Discovery struct {
	cfg      Config
	nodeID   string
	endpoint string
	members  *membership.Table
	log      *slog.Logger
}

// New wires a Discovery instance. endpoint is the address peers should
// use to reach this node (the proxy or transport listen address, per
// deployment).
func New(cfg Config, nodeID, endpoint string, members *membership.Table, log *slog.Logger) *Discovery {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{cfg: cfg, nodeID: nodeID, endpoint: endpoint, members: members, log: log}
}

// Run starts the broadcaster and listener loops and blocks until ctx
// is cancelled or stop is closed (spec §5 "own cancellable loop
// alongside the other long-running loops").
func (d *Discovery) Run(ctx context.Context, stop <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		close(done)
	}()

	go d.runBroadcaster(done)
	d.runListener(done)
}

func (d *Discovery) runBroadcaster(done <-chan struct{}) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		d.log.Error("discovery broadcast socket failed", "error", err)
		return
	}
	defer conn.Close()

	broadcastAddr, err := net.ResolveUDPAddr("udp4", d.cfg.BroadcastAddr)
	if err != nil {
		d.log.Error("discovery broadcast address invalid", "addr", d.cfg.BroadcastAddr, "error", err)
		return
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	msg := []byte(formatAnnounce(d.cfg.ClusterName, d.nodeID, d.endpoint))
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := conn.WriteTo(msg, broadcastAddr); err != nil {
				d.log.Debug("discovery broadcast send failed", "error", err)
			}
		}
	}
}

func (d *Discovery) runListener(done <-chan struct{}) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", d.cfg.Port))
	if err != nil {
		d.log.Debug("discovery listener bind failed, relying on broadcaster only", "port", d.cfg.Port, "error", err)
		return
	}
	defer conn.Close()

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		cluster, nodeID, endpoint, ok := parseAnnounce(string(buf[:n]))
		if !ok || nodeID == d.nodeID {
			continue
		}
		if !clusterNamesMatch(d.cfg.ClusterName, cluster) {
			d.log.Debug("ignoring announce from different cluster", "node_id", nodeID, "their_cluster", cluster, "our_cluster", d.cfg.ClusterName)
			continue
		}

		if _, exists := d.members.GetNode(nodeID); exists {
			continue
		}
		d.log.Info("discovered node via broadcast", "node_id", nodeID, "endpoint", endpoint)
		d.members.AddPeer(nodeID, endpoint)
	}
}

func formatAnnounce(cluster, nodeID, endpoint string) string {
	return strings.Join([]string{announcePrefix, announceVersion, cluster, nodeID, endpoint}, "|")
}

func parseAnnounce(msg string) (cluster, nodeID, endpoint string, ok bool) {
	parts := strings.Split(msg, "|")
	if len(parts) < 5 {
		return "", "", "", false
	}
	if parts[0] != announcePrefix {
		return "", "", "", false
	}
	if v, err := strconv.Atoi(parts[1]); err != nil || strconv.Itoa(v) != announceVersion {
		return "", "", "", false
	}
	return parts[2], parts[3], parts[4], true
}

// clusterNamesMatch mirrors the open-by-default filtering rule: an
// empty cluster name on either side accepts any announce, matching
// non-empty names requires an exact match.
func clusterNamesMatch(ours, theirs string) bool {
	if ours == "" || theirs == "" {
		return true
	}
	return ours == theirs
}
