package events

// Subject naming: <prefix>.<domain>.<name>
// Prefix is configured per deployment (e.g. "bluescan").

const (
	DomainScan    = "scan"
	DomainSensor  = "sensor"
	DomainCapture = "capture"
)

const (
	ScanDeviceAdded   = DomainScan + ".device_added"
	ScanDeviceUpdated = DomainScan + ".device_updated"
	ScanState         = DomainScan + ".state"

	SensorSighting = DomainSensor + ".sighting"

	CaptureSynced = DomainCapture + ".synced"
)
