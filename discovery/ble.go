package discovery

import uuid "github.com/satori/go.uuid"

// BluetoothDriver is the capability the host may provide for a BLE
// advisory beacon. BLE never carries pairing or crypto traffic (§4.3,
// §9 Design Note) — it only bootstraps discovery when mDNS is blocked,
// by advertising the same device-id in a service-data field.
type BluetoothDriver interface {
	AddService(serviceUUID uuid.UUID) error
	RemoveService(serviceUUID uuid.UUID) error
	ReadChan() (readChan chan []byte, err error)
	Stop()
}

// BeaconUUID derives a stable BLE service UUID for a device-id, the way
// the teacher derives an SQS queue identity from a pairing key (a
// deterministic UUID keeps the beacon's advertised service stable across
// restarts without persisting anything BLE-specific).
func BeaconUUID(deviceID string) (uuid.UUID, error) {
	return uuid.FromString(deviceID)
}

// DeviceIDFromBeacon decodes a sighted BLE service-data payload — the
// raw bytes of a peer's BeaconUUID — back into the device-id it
// advertises (§4.3: "BLE advertisement MAY carry the same device-id in
// a service-data field").
func DeviceIDFromBeacon(raw []byte) (string, error) {
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
