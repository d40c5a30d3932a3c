package registry

// Broker destinations used by the simulation backend.
const (
	SimulationsTopic   = "topic.simulations"
	RefreshDestination = "app.simulations"
)

// InfoTopic is the metadata topic for one simulation.
func InfoTopic(simulationID string) string {
	return "topic.simulation." + simulationID
}

// StateTopic is the full-state topic for one simulation.
func StateTopic(simulationID string) string {
	return "topic.simulation." + simulationID + ".state"
}
