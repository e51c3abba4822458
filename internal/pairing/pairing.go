// Package pairing provides the gateway onboarding helpers: developer key
// generation, key installation over miio, and connection tests.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ApplY3D/com.xiaomi-miio/internal/miio"
)

// KeyLength is the length of a gateway developer key in hex characters.
const KeyLength = 16

// StatusOK is the status reported by successful helpers.
const StatusOK = "OK"

const keyAlphabet = "0123456789ABCDEF"

// Session is the part of a miio session the helpers need.
type Session interface {
	Info(ctx context.Context) (miio.Info, error)
	Call(ctx context.Context, method string, params any, retries int) (json.RawMessage, error)
	Close() error
}

// DialFunc opens a session with a device.
type DialFunc func(ctx context.Context, address, token string) (Session, error)

// DialMiio dials a real device over the miio protocol.
func DialMiio(ctx context.Context, address, token string) (Session, error) {
	dev, err := miio.Dial(ctx, address, token)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// BindResult is returned by BindDeveloperKey.
type BindResult struct {
	Status   string `json:"status"`
	Mac      string `json:"mac"`
	Password string `json:"password"`
}

// TestResult is returned by TestConnection.
type TestResult struct {
	Status string    `json:"status"`
	Info   miio.Info `json:"info"`
}

// Helper runs the onboarding operations against devices reached through
// its DialFunc.
type Helper struct {
	dial DialFunc
}

// New creates a Helper. A nil dial uses DialMiio.
func New(dial DialFunc) *Helper {
	if dial == nil {
		dial = DialMiio
	}
	return &Helper{dial: dial}
}

// GenerateKey returns a random 16 character uppercase hex key.
func GenerateKey() (string, error) {
	buf := make([]byte, KeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	out := make([]byte, KeyLength)
	for i, b := range buf {
		out[i] = keyAlphabet[b&0x0f]
	}
	return string(out), nil
}

// BindDeveloperKey installs a fresh developer key on the gateway at
// address and returns it with the gateway's mac.
func (h *Helper) BindDeveloperKey(ctx context.Context, address, token string) (BindResult, error) {
	key, err := GenerateKey()
	if err != nil {
		return BindResult{}, err
	}

	sess, err := h.dial(ctx, address, token)
	if err != nil {
		return BindResult{}, fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer sess.Close() //nolint:errcheck // best effort

	info, err := sess.Info(ctx)
	if err != nil {
		return BindResult{}, fmt.Errorf("reading device info: %w", err)
	}
	if _, err := sess.Call(ctx, "set_lumi_dpf_aes_key", []string{key}, 0); err != nil {
		return BindResult{}, fmt.Errorf("installing developer key: %w", err)
	}

	return BindResult{
		Status:   StatusOK,
		Mac:      NormalizeMac(info.Mac),
		Password: key,
	}, nil
}

// TestConnection checks that the device at address answers with token.
func (h *Helper) TestConnection(ctx context.Context, address, token string) (TestResult, error) {
	sess, err := h.dial(ctx, address, token)
	if err != nil {
		return TestResult{}, fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer sess.Close() //nolint:errcheck // best effort

	info, err := sess.Info(ctx)
	if err != nil {
		return TestResult{}, fmt.Errorf("reading device info: %w", err)
	}
	return TestResult{Status: StatusOK, Info: info}, nil
}

// NormalizeMac lower-cases mac and strips colons.
func NormalizeMac(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, ":", ""))
}
