package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/mqtt"
	"github.com/ApplY3D/com.xiaomi-miio/internal/platform"
)

// handleCommand receives miio/command/{device}. Commands run on their own
// goroutine so a slow device does not stall the MQTT client.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	deviceID, ok := mqtt.LastSegment(topic, "command")
	if !ok {
		return fmt.Errorf("%w: unexpected topic %s", ErrInvalidCommand, topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAck(deviceID, cmd, fmt.Errorf("%w: %v", ErrInvalidCommand, err))
		return nil
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	if b.stopped() {
		b.publishAck(deviceID, cmd, ErrStopped)
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		b.publishAck(deviceID, cmd, b.execute(ctx, deviceID, cmd))
	}()
	return nil
}

func (b *Bridge) execute(ctx context.Context, deviceID string, cmd CommandMessage) error {
	var err error
	switch {
	case cmd.Capability != "":
		err = b.SetCapability(ctx, deviceID, cmd.Capability, cmd.Value)
	case cmd.Action != "":
		err = b.RunAction(ctx, deviceID, cmd.Action, cmd.Params)
	default:
		err = fmt.Errorf("%w: capability or action is required", ErrInvalidCommand)
	}
	if err != nil {
		b.logWarn("command failed",
			"device_id", deviceID,
			"request_id", cmd.RequestID,
			"capability", cmd.Capability,
			"action", cmd.Action,
			"error", err)
	}
	return err
}

func (b *Bridge) publishAck(deviceID string, cmd CommandMessage, err error) {
	ack := newAck(deviceID, cmd, err, b.clock.Now())
	payload, mErr := json.Marshal(ack)
	if mErr != nil {
		b.logError("failed to marshal ack", mErr)
		return
	}
	if pErr := b.mqtt.Publish(mqtt.Topics{}.DeviceAck(deviceID), payload, 1, false); pErr != nil {
		b.logError("failed to publish ack", pErr)
	}
}

// handleSetting receives miio/settings/{key}.
func (b *Bridge) handleSetting(topic string, payload []byte) error {
	key, ok := mqtt.LastSegment(topic, "settings")
	if !ok || key != platform.SettingGatewaysList {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, topic)
	}
	ctx, cancel := context.WithTimeout(b.ctx, gatewayUpdateTimeout)
	defer cancel()
	return b.SetGatewaysList(ctx, string(payload))
}
