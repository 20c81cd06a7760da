package main

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/Avicted/ringline/internal/bus"
	"github.com/Avicted/ringline/internal/call"
	"github.com/Avicted/ringline/internal/clock"
	"github.com/Avicted/ringline/internal/config"
	"github.com/Avicted/ringline/internal/identity"
	"github.com/Avicted/ringline/internal/ipc"
	"github.com/Avicted/ringline/internal/media"
	"github.com/Avicted/ringline/internal/netmon"
	"github.com/Avicted/ringline/internal/peerconn"
	"github.com/Avicted/ringline/internal/securelog"
	"github.com/Avicted/ringline/internal/signaling"
)

type callDaemon struct {
	cfg      config.Config
	ice      webrtc.Configuration
	resolver identity.Resolver

	engine *call.Engine
	ipc    *ipcServer
}

func newCallDaemon(cfg config.Config, ice webrtc.Configuration, resolver identity.Resolver) *callDaemon {
	return &callDaemon{cfg: cfg, ice: ice, resolver: resolver}
}

func (d *callDaemon) Run(ctx context.Context) error {
	channel, err := d.dialSignaling(ctx)
	if err != nil {
		return err
	}
	defer channel.Close()

	mon := netmon.NewMonitor(clock.System{})
	go mon.Run(ctx)

	var sink peerconn.RTPSink
	if player, err := media.NewPlayer(ctx); err != nil {
		securelog.Warn("playback unavailable", err)
	} else {
		sink = player
		defer player.Close()
	}

	events := bus.New()
	d.engine = call.NewEngine(call.Config{
		Self:       identity.ID(d.cfg.Identity),
		ICEServers: d.ice.ICEServers,
		Signal:     channel,
		Acquire:    media.DeviceAcquirer{},
		Bus:        events,
		Resolver:   d.resolver,
		Sink:       sink,
		NetUpdates: mon.Updates(),
		Profile:    mon.Current,
	})

	d.ipc = newIPCServer(d.cfg.IPCAddr, d.handleIPC, d.currentStatus)
	sub := events.Subscribe(d.relayEvent)
	defer sub.Cancel()

	go logDaemonStats(ctx, d.callState)

	ipcErr := make(chan error, 1)
	go func() {
		ipcErr <- d.ipc.Run(ctx)
	}()

	engineDone := make(chan struct{})
	go func() {
		d.engine.Run(ctx)
		close(engineDone)
	}()

	select {
	case err := <-ipcErr:
		if err != nil {
			return fmt.Errorf("ipc server: %w", err)
		}
		<-engineDone
		return nil
	case <-engineDone:
		_ = d.ipc.Close()
		return nil
	}
}

// dialSignaling builds the channel stack: websocket transport, optional
// payload sealing, then duplicate suppression.
func (d *callDaemon) dialSignaling(ctx context.Context) (signaling.Channel, error) {
	socket, err := signaling.DialSocket(ctx, d.cfg.SignalURL, d.cfg.SignalToken)
	if err != nil {
		return nil, fmt.Errorf("connect signaling: %w", err)
	}
	var channel signaling.Channel = socket
	if len(d.cfg.SealKey) > 0 {
		sealer, err := signaling.NewSealer(d.cfg.SealKey)
		if err != nil {
			_ = socket.Close()
			return nil, err
		}
		channel = signaling.WithSealing(channel, sealer)
	}
	return signaling.WithDedup(channel), nil
}

func (d *callDaemon) handleIPC(ctx context.Context, msg ipc.Message) (ipc.Message, error) {
	switch msg.Cmd {
	case ipc.CommandCall:
		return ipc.Message{}, d.engine.Initiate(ctx, identity.ID(msg.Peer))
	case ipc.CommandAnswer:
		return ipc.Message{}, d.engine.Answer(ctx)
	case ipc.CommandReject:
		return ipc.Message{}, d.engine.Reject(ctx)
	case ipc.CommandHangup:
		return ipc.Message{}, d.engine.End(ctx)
	case ipc.CommandMute:
		muted, err := d.engine.ToggleMute(ctx)
		if err != nil {
			return ipc.Message{}, err
		}
		return ipc.Message{Event: ipc.EventMute, Muted: muted}, nil
	case ipc.CommandStatus:
		return d.statusMessage(ctx)
	case ipc.CommandPing:
		return ipc.Message{Event: ipc.EventPong}, nil
	default:
		return ipc.Message{}, fmt.Errorf("unknown command %q", msg.Cmd)
	}
}

func (d *callDaemon) statusMessage(ctx context.Context) (ipc.Message, error) {
	session, active, err := d.engine.Snapshot(ctx)
	if err != nil {
		return ipc.Message{}, err
	}
	if !active {
		return ipc.Message{Event: ipc.EventStatus, State: string(call.StateIdle)}, nil
	}
	return ipc.Message{
		Event:     ipc.EventStatus,
		State:     string(session.State),
		Peer:      string(session.RemoteIdentity),
		Direction: string(session.Direction),
		Reason:    string(session.Reason),
		Attempt:   session.ConnectionAttempt,
		Network:   string(session.Network.Kind),
	}, nil
}

// currentStatus is what a newly attached frontend sees first.
func (d *callDaemon) currentStatus() ipc.Message {
	msg, err := d.statusMessage(context.Background())
	if err != nil {
		return ipc.Message{Event: ipc.EventStatus, State: string(call.StateIdle)}
	}
	return msg
}

func (d *callDaemon) callState() string {
	session, active, err := d.engine.Snapshot(context.Background())
	if err != nil || !active {
		return string(call.StateIdle)
	}
	return string(session.State)
}

func (d *callDaemon) relayEvent(ev bus.Event) {
	switch ev := ev.(type) {
	case bus.StateChanged:
		d.ipc.Broadcast(ipc.Message{
			Event:     ipc.EventState,
			State:     ev.State,
			Contact:   ev.Contact,
			Direction: ev.Direction,
		})
		if ev.State == string(call.StateRingingIncoming) {
			d.ipc.Broadcast(ipc.Message{Event: ipc.EventIncoming, Contact: ev.Contact})
		}
	case bus.ConnectionAttempt:
		d.ipc.Broadcast(ipc.Message{Event: ipc.EventAttempt, Attempt: ev.Attempt})
	case bus.MuteChanged:
		d.ipc.Broadcast(ipc.Message{Event: ipc.EventMute, Muted: ev.IsMuted})
	case bus.CallEnded:
		d.ipc.Broadcast(ipc.Message{Event: ipc.EventEnded, Reason: ev.Reason})
	case bus.RemoteStreamAdded:
		// Playback is wired at the transport; nothing to relay.
	}
}
