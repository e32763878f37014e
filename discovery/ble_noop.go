package discovery

import uuid "github.com/satori/go.uuid"

// NoopBluetoothDriver is the default BluetoothDriver when the host does
// not register a platform one. It mirrors the teacher's own
// krd/bluetooth_linux.go stub: BLE is genuinely optional, and a
// platform with no BLE stack (or one the host hasn't wired up yet)
// simply advertises nothing and reads nothing, never an error.
type NoopBluetoothDriver struct{}

func (NoopBluetoothDriver) AddService(uuid.UUID) error    { return nil }
func (NoopBluetoothDriver) RemoveService(uuid.UUID) error { return nil }
func (NoopBluetoothDriver) ReadChan() (chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (NoopBluetoothDriver) Stop() {}
