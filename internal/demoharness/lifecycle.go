package demoharness

import (
	"context"
	"time"

	"github.com/rishav/splitio/internal/blockfront"
	"github.com/rishav/splitio/internal/controlplane"
	"github.com/rishav/splitio/internal/ifstate"
	"github.com/rishav/splitio/internal/netfront"
	"github.com/rishav/splitio/internal/telemetry"
)

// controlTimeout bounds every blocking call this process makes against
// the Redis-backed control plane; the packet/request fast paths never
// touch it (spec.md forbids blocking there), only the lifecycle driver
// below does.
const controlTimeout = 2 * time.Second

// netDriver implements ifstate.Callbacks for one network interface. The
// ring page itself is allocated once at construction (this harness has
// no real grant-map step across a process boundary to redo), so
// AllocateAndConnect's job narrows to publishing the interface's
// configuration and announcing InterfaceConnect over the control
// plane, the way a real frontend's xenbus watch callback would.
type netDriver struct {
	fe     *netfront.Frontend
	handle controlplane.Handle
	mac    [6]byte
	store  *controlplane.Store
	log    *telemetry.Logger
}

func (d *netDriver) AllocateAndConnect(reconnect bool) error {
	if d.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	mac := formatMAC(d.mac)
	if err := d.store.WriteConfig(ctx, d.handle, controlplane.KeyMAC, mac); err != nil {
		return err
	}
	return d.store.SendToBackend(ctx, d.handle, controlplane.Message{
		Type:   controlplane.MsgInterfaceConnect,
		Handle: d.handle,
	})
}

func (d *netDriver) BindAndRecoverOrProbe() error {
	d.fe.SetConnected(true)
	d.fe.PostBuffers()
	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		_ = d.store.SendToBackend(ctx, d.handle, controlplane.Message{
			Type:   controlplane.MsgInterfaceStatus,
			Handle: d.handle,
			Status: controlplane.StatusConnected,
			MAC:    formatMAC(d.mac),
		})
	}
	return nil
}

func (d *netDriver) TeardownLocals() {
	d.fe.SetConnected(false)
}

func (d *netDriver) EnterReset() error {
	d.fe.SetConnected(false)
	return nil
}

func (d *netDriver) ScheduleRescan() {
	d.log.Infof("network interface %d configuration changed, rescan scheduled", d.handle)
}

func (d *netDriver) BeginDisconnecting() error {
	d.fe.SetConnected(false)
	return nil
}

func (d *netDriver) SendDisconnectResponse() {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	_ = d.store.SendToBackend(ctx, d.handle, controlplane.Message{
		Type:   controlplane.MsgInterfaceStatus,
		Handle: d.handle,
		Status: controlplane.StatusClosed,
	})
}

// blockDriver implements ifstate.Callbacks for the block interface.
// BindAndRecoverOrProbe picks between the two halves of spec.md §4.5's
// "recovery or first-time probe" branch by asking the frontend whether
// BeginReset ran since the last successful Recover.
type blockDriver struct {
	fe     *blockfront.Frontend
	handle controlplane.Handle
	store  *controlplane.Store
	log    *telemetry.Logger
}

func (d *blockDriver) AllocateAndConnect(reconnect bool) error {
	if d.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return d.store.SendToBackend(ctx, d.handle, controlplane.Message{
		Type:   controlplane.MsgInterfaceConnect,
		Handle: d.handle,
	})
}

func (d *blockDriver) BindAndRecoverOrProbe() error {
	if d.fe.Recovering() {
		replayed, err := d.fe.Recover()
		if err != nil {
			return err
		}
		d.log.Infof("block interface %d recovered, replayed %d in-flight requests", d.handle, replayed)
		return nil
	}
	if _, err := d.fe.Probe(); err != nil {
		return err
	}
	return nil
}

func (d *blockDriver) TeardownLocals() {
	d.fe.TeardownAll()
}

func (d *blockDriver) EnterReset() error {
	d.fe.BeginReset()
	return nil
}

func (d *blockDriver) ScheduleRescan() {
	d.log.Infof("block interface %d configuration changed, rescan scheduled", d.handle)
}

func (d *blockDriver) BeginDisconnecting() error {
	d.fe.TeardownAll()
	return nil
}

func (d *blockDriver) SendDisconnectResponse() {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	_ = d.store.SendToBackend(ctx, d.handle, controlplane.Message{
		Type:   controlplane.MsgInterfaceStatus,
		Handle: d.handle,
		Status: controlplane.StatusClosed,
	})
}

func formatMAC(mac [6]byte) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 17)
	for i, o := range mac {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, hex[o>>4], hex[o&0xf])
	}
	return string(b)
}
