package paths

// Topic segments of the FOTA device protocol. Topics are built as
// {root}/{segment}/{deviceID}.

// Downstream: server -> device
const (
	// FotaCommand carries operator directives.
	// Payload: { "action": "check_now" } or { "action": "set_interval", "interval": "30m" }
	// Pattern: {root}/fota/command/{deviceID}
	FotaCommand = "fota/command"
)

// Upstream: device -> server
const (
	// Online is the retained presence topic; the broker publishes the last
	// will here when the device drops.
	// Pattern: {root}/online/{deviceID}
	Online = "online"

	// FotaReport carries the completion report of an update attempt.
	// Pattern: {root}/fota/report/{deviceID}
	FotaReport = "fota/report"

	// FotaStatus is the retained status heartbeat: ledger, slots and state.
	// Pattern: {root}/fota/status/{deviceID}
	FotaStatus = "fota/status"
)
