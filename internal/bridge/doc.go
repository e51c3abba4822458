// Package bridge wires the miio bridge together.
//
// It builds one supervisor per configured miio device and one handler per
// gateway sub-device, keeps the gateway hub in line with the gatewaysList
// setting, and translates between MQTT and the devices:
//
//	miio/command/{device}       → capability write or action
//	miio/ack/{device}           ← result of each command
//	miio/settings/gatewaysList  → new gateway list
//	miio/health                 ← periodic bridge health
//
// Command payloads look like:
//
//	{"request_id": "…", "capability": "onoff", "value": true}
//	{"request_id": "…", "action": "clean_rooms", "params": {"rooms": "16,17"}}
//
// A missing request_id is replaced by a generated UUID so every ack can be
// correlated.
package bridge
