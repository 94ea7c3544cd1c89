// Package hap exposes coverings as HomeKit window coverings.
package hap

import (
	"context"

	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/service"
	"github.com/jkaflik/blinds2mqtt/internal/covering"
	"github.com/sirupsen/logrus"
)

type Blind interface {
	Name() string
	Status() covering.Status
	OnUpdate(h covering.UpdateHandler)

	SetTarget(ctx context.Context, position int) error
	Stop(ctx context.Context) error
}

type WindowCovering struct {
	*accessory.Accessory
	WindowCovering *service.WindowCovering
	HoldPosition   *characteristic.HoldPosition

	ctx   context.Context
	blind Blind
}

// NewWindowCovering creates the accessory and keeps its characteristics in
// sync with the blind. Writes from HomeKit controllers are served with ctx.
func NewWindowCovering(ctx context.Context, blind Blind, info accessory.Info) *WindowCovering {
	if info.Name == "" {
		info.Name = blind.Name()
	}

	acc := WindowCovering{ctx: ctx, blind: blind}
	acc.Accessory = accessory.New(info, accessory.TypeWindowCovering)
	acc.WindowCovering = service.NewWindowCovering()

	acc.HoldPosition = characteristic.NewHoldPosition()
	acc.WindowCovering.AddCharacteristic(acc.HoldPosition.Characteristic)

	acc.AddService(acc.WindowCovering.Service)

	acc.update(blind.Status())
	acc.WindowCovering.TargetPosition.OnValueRemoteUpdate(acc.onTargetPosition)
	acc.HoldPosition.OnValueRemoteUpdate(acc.onHoldPosition)
	blind.OnUpdate(acc.update)

	return &acc
}

func (a *WindowCovering) update(status covering.Status) {
	a.WindowCovering.CurrentPosition.SetValue(status.Position)
	a.WindowCovering.TargetPosition.SetValue(status.Target)
	a.WindowCovering.PositionState.SetValue(int(status.State))
}

func (a *WindowCovering) onTargetPosition(position int) {
	logrus.Debugf("%s: HomeKit target position %d", a.blind.Name(), position)
	if err := a.blind.SetTarget(a.ctx, position); err != nil {
		logrus.Errorf("%s: HomeKit target position: %s", a.blind.Name(), err)
	}
}

func (a *WindowCovering) onHoldPosition(hold bool) {
	if !hold {
		return
	}
	logrus.Debugf("%s: HomeKit hold position", a.blind.Name())
	if err := a.blind.Stop(a.ctx); err != nil {
		logrus.Errorf("%s: HomeKit hold position: %s", a.blind.Name(), err)
	}
}
