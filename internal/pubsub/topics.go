package pubsub

// Topic name constructors. Every publisher and subscriber goes through these
// so the naming scheme stays in one place.

func FleetTopic(fleetID string) string { return "fleet:" + fleetID }

func AgentTopic(fleetID, agentID string) string {
	return "fleet:" + fleetID + ":agent:" + agentID
}

func SquadTopic(squadID string) string { return "squad:" + squadID }

func ThreadTopic(threadID string) string { return "thread:" + threadID }
