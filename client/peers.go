package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/peerchat/peerchat/chat"
	"github.com/peerchat/peerchat/command"
	"github.com/peerchat/peerchat/peer"
	"github.com/peerchat/peerchat/protocol"
	"github.com/peerchat/peerchat/wire"
)

// hailWait bounds how long a punch instruction waits for its own hail
// exchange to finish. Both share one UDP socket, so the punch must not start
// reading while the hail loop still owns it.
const hailWait = 15 * time.Second

// handleConnectToRendezvous opens a fresh UDP session and hails the
// rendezvous point so the server can observe this side's external endpoint.
// The session is kept; the punch instruction that follows reuses its socket,
// keeping the NAT mapping the hail established.
func (c *Client) handleConnectToRendezvous(ctx command.Context, req *protocol.ConnectToRendezvous) error {
	session, err := peer.NewSession(peer.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("open punch session: %w", err)
	}
	state := &pairingState{
		session: session,
		role:    req.Role,
		hailed:  make(chan error, 1),
	}
	c.mu.Lock()
	c.pending[req.PairingID] = state
	c.mu.Unlock()

	go func() {
		err := session.Hail(c.baseCtx, req.Endpoint, req.PairingID, req.Role)
		state.hailed <- err
		if err != nil {
			c.logger.Error(fmt.Sprintf("hail pairing %d: %v", req.PairingID, err))
			c.discardPairing(req.PairingID)
		}
	}()
	return nil
}

// Both punch instructions do the same thing: punch toward the reported
// remote and wrap the opened link. The roles only differ in who was told
// first.
func (c *Client) handleWaitPeerConnection(ctx command.Context, req *protocol.WaitPeerConnection) error {
	go c.punch(req.PairingID, req.Remote, req.User)
	return nil
}

func (c *Client) handlePeerConnect(ctx command.Context, req *protocol.PeerConnect) error {
	go c.punch(req.PairingID, req.Remote, req.User)
	return nil
}

func (c *Client) punch(pairingID int32, remote string, user chat.UserSnapshot) {
	c.mu.Lock()
	state, ok := c.pending[pairingID]
	c.mu.Unlock()
	if !ok {
		c.logger.Error(fmt.Sprintf("punch instruction for unknown pairing %d", pairingID))
		return
	}

	select {
	case err := <-state.hailed:
		if err != nil {
			return
		}
	case <-time.After(hailWait):
		c.logger.Error(fmt.Sprintf("pairing %d: hail still unresolved", pairingID))
		c.discardPairing(pairingID)
		return
	case <-c.done:
		return
	}

	addr, err := state.session.Punch(c.baseCtx, remote, pairingID)
	if err != nil {
		c.logger.Error(fmt.Sprintf("punch pairing %d: %v", pairingID, err))
		c.discardPairing(pairingID)
		return
	}

	nick := user.ID.Nickname
	if actual := thumbprint(user.Cert); actual != "" && actual != user.ID.Thumbprint {
		c.logger.Error(fmt.Sprintf("peer %q failed identity check", nick))
		c.discardPairing(pairingID)
		return
	}

	link := wire.New(state.session.Link(addr, pairingID), wire.WithLogger(c.logger))
	pl := &peerLink{user: user, conn: link}

	c.mu.Lock()
	delete(c.pending, pairingID)
	if old, exists := c.peers[nick]; exists {
		old.conn.Close()
	}
	c.peers[nick] = pl
	queued := c.queued[nick]
	delete(c.queued, nick)
	c.mu.Unlock()

	link.OnReceived(c.handlePeerFrame(nick))
	link.Start()
	c.logger.Info("peer link established",
		slog.String("peer", nick),
		slog.String("remote", addr.String()))
	c.notifier.emit(EventPeerConnected, PeerEvent{User: user})

	for _, id := range queued {
		c.requestNext(pl, id)
	}
}

func (c *Client) discardPairing(pairingID int32) {
	c.mu.Lock()
	state, ok := c.pending[pairingID]
	delete(c.pending, pairingID)
	c.mu.Unlock()
	if ok {
		state.session.Close()
	}
}

func (c *Client) peerByNick(nick string) (*peerLink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.peers[nick]
	return l, ok
}

// dropPeer removes an established link and fails any downloads that depended
// on it.
func (c *Client) dropPeer(nick, reason string) {
	c.mu.Lock()
	l, ok := c.peers[nick]
	delete(c.peers, nick)
	c.mu.Unlock()
	if !ok {
		return
	}
	l.conn.Close()
	c.logger.Info("peer link lost",
		slog.String("peer", nick),
		slog.String("reason", reason))
	c.notifier.emit(EventPeerDisconnected, PeerEvent{User: l.user})
	c.failDownloadsFrom(nick, "peer link lost")
}

// SendVoice ships one captured voice sample to every connected peer whose
// voice activity is on, that is, every peer sharing at least one enabled
// voice room with this user.
func (c *Client) SendVoice(sample []byte) error {
	model, release, err := c.guard.Use(c.baseCtx)
	if err != nil {
		return err
	}
	var targets []*peerLink
	c.mu.Lock()
	for nick, l := range c.peers {
		if user, ok := model.User(nick); ok && user.VoiceActive() {
			targets = append(targets, l)
		}
	}
	c.mu.Unlock()
	release()

	for _, l := range targets {
		if err := l.conn.Send(protocol.CltPlayVoice, nil, sample); err != nil {
			c.logger.Debug("voice send failed", slog.String("peer", l.user.ID.Nickname))
		}
	}
	return nil
}

// handlePlayVoice hands a received voice sample to the application when the
// sending peer is actually voice-active; samples from peers that are not are
// discarded.
func (c *Client) handlePlayVoice(ctx command.Context) error {
	model, release, err := c.guard.Use(ctx.Ctx)
	if err != nil {
		return err
	}
	user, ok := model.User(ctx.PeerID)
	active := ok && user.VoiceActive()
	release()
	if !active {
		return nil
	}
	c.notifier.emit(EventVoice, VoiceEvent{From: ctx.PeerID, Sample: ctx.Raw})
	return nil
}
