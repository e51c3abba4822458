// Package miio speaks the Xiaomi miio LAN protocol.
//
// Devices listen on UDP 54321. A session starts with a hello packet that
// returns the device id and its clock stamp; every later packet carries a
// 32-byte header (magic 0x2131, length, device id, stamp, MD5 checksum)
// followed by a JSON-RPC payload encrypted with AES-128-CBC, keyed from the
// 16-byte device token.
//
// Device is the raw RPC client. Humidifier layers a per-model Profile over
// it so the supervisor can read power, temperature, humidity and mode
// without knowing each model's property names. Vacuum and Gateway cover
// the other supported kinds; KindOf tells them apart.
package miio
