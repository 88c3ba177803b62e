package store

import "fmt"

// Store key conventions. Centralising them here means every
// component agrees on the same layout without importing each other.
func NodeHeartbeatKey(id string) string { return fmt.Sprintf("node:%s:heartbeat", id) }
func NodeRegistrationKey(id string) string { return fmt.Sprintf("node:%s:registration", id) }
func NodePowerHistoryKey(id string) string { return fmt.Sprintf("node:%s:power_history", id) }
func ClusterNodesKey(cluster string) string { return fmt.Sprintf("cluster:%s:nodes", cluster) }

const (
	NodesActiveSet     = "nodes:active"
	NodesRegisteredSet = "nodes:registered"
)

func JobKey(id string) string { return fmt.Sprintf("job:%s", id) }

const (
	QueueHigh       = "queue:high"
	QueueNormal     = "queue:normal"
	QueueLow        = "queue:low"
	QueueProcessing = "queue:processing"

	StatsQueued            = "stats:queued"
	StatsCompleted         = "stats:completed"
	StatsFailed            = "stats:failed"
	StatsCompletionHistory = "stats:completion_history"
)

const (
	VisionNodesHash          = "vision:nodes"
	VisionQueue              = "vision:queue"
	VisionSchedulerStatusKey = "vision:scheduler:status"
)

func VisionJobKey(id string) string { return fmt.Sprintf("vision:job:%s", id) }

const (
	ScalingConfigKey  = "scaling:config"
	ScalingStateKey   = "scaling:state"
	ScalingHistoryKey = "scaling:history"
)

const (
	DoctorStatusKey   = "fleet:doctor:status"
	DoctorProblemsKey = "fleet:doctor:problems"
	DoctorHistoryKey  = "fleet:doctor:history"
	DoctorConfigKey   = "fleet:doctor:config"

	AlertsHistoryKey = "alerts:history"
)

// Channels.
const (
	ChannelFleetEvents  = "fleet:events"
	ChannelAlerts       = "alerts"
	ChannelDoctorEvents = "fleet:doctor:events"
)

func ChannelMetrics(nodeID string) string       { return fmt.Sprintf("metrics:%s", nodeID) }
func ChannelCommands(nodeID string) string      { return fmt.Sprintf("commands:%s", nodeID) }
func ChannelCommandResult(cmdID string) string  { return fmt.Sprintf("command_results:%s", cmdID) }
func ChannelLLMMonitor(sessionID string) string { return fmt.Sprintf("llm-monitor:%s", sessionID) }
func ChannelNodeLogs(nodeID string) string      { return fmt.Sprintf("logs:%s", nodeID) }

func NodeCooldownKey(nodeID string) string { return fmt.Sprintf("doctor:cooldown:%s", nodeID) }

const DoctorHourlyActionCountKey = "doctor:actions:hour"
