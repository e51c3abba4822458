// Package aqara speaks the Aqara gateway LAN protocol (UDP 9898).
//
// Gateways push heartbeats and reports to the multicast group
// 224.0.0.50:9898 and answer unicast commands (get_id_list, read, write)
// from the sender's address. A Listener owns the multicast socket and hands
// each datagram to the Gateway registered for its source address; each
// Gateway owns a unicast socket for its own commands and replies.
//
// Writes must carry a key: the gateway's current token encrypted with the
// developer key (AES-128-CBC, fixed IV), hex encoded. The token changes
// every heartbeat, so the Gateway keeps the latest one.
package aqara
