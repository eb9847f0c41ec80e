package channelchecker

import (
	"context"

	"github.com/memohai/chatgate/internal/channel/adapters/whatsapp"
	"github.com/memohai/chatgate/internal/healthcheck"
)

const checkTypeLinkedDevice = "whatsapp.device"

// DeviceLister lists linked WhatsApp devices.
type DeviceLister interface {
	Devices() []whatsapp.DeviceState
}

// DeviceChecker warns about devices waiting for a QR scan and fails devices
// that are paired but disconnected.
type DeviceChecker struct {
	devices DeviceLister
}

func NewDeviceChecker(devices DeviceLister) *DeviceChecker {
	return &DeviceChecker{devices: devices}
}

func (c *DeviceChecker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if c.devices == nil || ctx.Err() != nil {
		return []healthcheck.CheckResult{}
	}
	states := c.devices.Devices()
	checks := make([]healthcheck.CheckResult, 0, len(states))
	for idx, state := range states {
		item := healthcheck.CheckResult{
			ID:       checkTypeLinkedDevice + "." + state.IntegrationID,
			Type:     checkTypeLinkedDevice,
			Subtitle: buildSubtitle("whatsapp", state.IntegrationID),
			Metadata: map[string]any{
				"integration_id": state.IntegrationID,
				"paired":         state.Paired,
				"connected":      state.Connected,
			},
		}
		if state.IntegrationID == "" {
			item.ID = buildCheckID("", idx)
		}
		switch {
		case !state.Paired:
			item.Status = healthcheck.StatusWarn
			item.Summary = "Device is waiting for a QR code scan."
		case state.Connected:
			item.Status = healthcheck.StatusOK
			item.Summary = "Device is connected."
			item.Metadata["jid"] = state.JID
		default:
			item.Status = healthcheck.StatusError
			item.Summary = "Device is paired but disconnected."
			item.Metadata["jid"] = state.JID
		}
		checks = append(checks, item)
	}
	return checks
}
