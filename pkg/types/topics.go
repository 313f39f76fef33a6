package types

// Topics devices publish to.
const (
	TopicRegistration     = "entry/registration"
	TopicHeartbeat        = "entry/heartbeat"
	TopicThreadsHeartbeat = "entry/heartbeat/threads"
	TopicData             = "entry/data"
	TopicRealtimeData     = "sensors/realtime/data"
)

// Topics the gateway publishes to.
const (
	TopicReports         = "entry/reports"
	TopicRealtimeControl = "sensors/realtime"
)

// DeviceReportTopic is the per-device report topic.
func DeviceReportTopic(serial string) string {
	return TopicReports + "/" + serial
}
