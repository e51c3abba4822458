// Package mqtt connects the bridge to the home controller's MQTT broker.
//
// Capability values and device availability are published retained under
// miio/state and miio/availability; the controller sends capability
// commands on miio/command/{device} and setting updates on
// miio/settings/{key}. The bridge's own status lives at miio/bridge/status
// and doubles as its last will.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1, handler)
package mqtt
