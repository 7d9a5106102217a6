package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/wearsense/pkg/device"
)

// ErrNoCharacteristic means the connected peripheral does not expose the
// requested characteristic.
var ErrNoCharacteristic = errors.New("characteristic not found")

// NormalizeError maps known go-ble error strings to the device sentinels.
// The original error stays wrapped so its message survives.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &device.TransportError{Op: op, Err: NormalizeError(err)}
}
