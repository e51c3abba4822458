package aqara

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Protocol constants.
const (
	// Port is the gateway's command and multicast port.
	Port = 9898

	// MulticastAddress is the group gateways report to.
	MulticastAddress = "224.0.0.50:9898"
)

// Gateway commands and replies.
const (
	cmdGetIDList    = "get_id_list"
	cmdGetIDListAck = "get_id_list_ack"
	cmdRead         = "read"
	cmdReadAck      = "read_ack"
	cmdWrite        = "write"
	cmdWriteAck     = "write_ack"
	cmdHeartbeat    = "heartbeat"
	cmdReport       = "report"

	modelGateway = "gateway"
)

// writeIV is the fixed IV of the write key cipher.
var writeIV = []byte{
	0x17, 0x99, 0x6d, 0x09, 0x3d, 0x28, 0xdd, 0xb3,
	0xba, 0x69, 0x5d, 0x2e, 0x6f, 0x58, 0x56, 0x2e,
}

// message is one protocol datagram. data is itself a JSON document
// carried as a string.
type message struct {
	Cmd   string `json:"cmd"`
	Model string `json:"model,omitempty"`
	SID   string `json:"sid,omitempty"`
	Token string `json:"token,omitempty"`
	Data  string `json:"data,omitempty"`
}

func parseMessage(raw []byte) (message, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return message{}, fmt.Errorf("decoding message: %w", err)
	}
	if m.Cmd == "" {
		return message{}, fmt.Errorf("message without cmd")
	}
	return m, nil
}

// decodeData flattens the data document into strings, the form the
// gateway uses for most attributes.
func decodeData(data string) (map[string]string, error) {
	out := map[string]string{}
	if data == "" {
		return out, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("decoding data: %w", err)
	}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// decodeSIDs parses the sid list of a get_id_list_ack.
func decodeSIDs(data string) ([]string, error) {
	var sids []string
	if err := json.Unmarshal([]byte(data), &sids); err != nil {
		return nil, fmt.Errorf("decoding sid list: %w", err)
	}
	return sids, nil
}

// WriteKey encrypts the gateway token with the developer key.
func WriteKey(password, token string) (string, error) {
	if len(password) != aes.BlockSize {
		return "", ErrInvalidPassword
	}
	if len(token) != aes.BlockSize {
		return "", fmt.Errorf("%w: token length %d", ErrNoToken, len(token))
	}
	block, err := aes.NewCipher([]byte(password))
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	out := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, writeIV).CryptBlocks(out, []byte(token))
	return hex.EncodeToString(out), nil
}

// encodeWrite builds a write command for sid carrying data and key.
func encodeWrite(sid string, data map[string]string, key string) ([]byte, error) {
	fields := make(map[string]string, len(data)+1)
	for k, v := range data {
		fields[k] = v
	}
	fields["key"] = key
	inner, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Cmd: cmdWrite, SID: sid, Data: string(inner)})
}
