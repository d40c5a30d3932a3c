package model

import "fmt"

// SimulationStatus is the lifecycle state reported by the simulation engine.
type SimulationStatus string

const (
	StatusCreated  SimulationStatus = "CREATED"
	StatusRunning  SimulationStatus = "RUNNING"
	StatusPaused   SimulationStatus = "PAUSED"
	StatusFinished SimulationStatus = "FINISHED"
)

// Valid reports whether s is one of the known statuses.
func (s SimulationStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusPaused, StatusFinished:
		return true
	}
	return false
}

// Point is a grid coordinate on the city map.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// SimulationInfo is the metadata snapshot published on topic.simulation.<id>.
type SimulationInfo struct {
	ID                   string           `json:"id"`
	Type                 string           `json:"type"`
	Status               SimulationStatus `json:"status"`
	SimulatedCurrentTime string           `json:"simulatedCurrentTime"`
}

// SimulationMap is the broadcast of every known simulation keyed by id.
type SimulationMap map[string]SimulationInfo

// Vehicle is a truck as rendered on the live map.
type Vehicle struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	Position        Point   `json:"position"`
	CurrentGLP      float64 `json:"currentGlp"`
	MaxGLP          float64 `json:"maxGlp"`
	CurrentFuel     float64 `json:"currentFuel"`
	MaxFuel         float64 `json:"maxFuel"`
	CurrentPath     []Point `json:"currentPath,omitempty"`
	AssignedOrderID string  `json:"assignedOrderId,omitempty"`
}

// Order is a pending customer order.
type Order struct {
	ID           string  `json:"id"`
	Position     Point   `json:"position"`
	ArrivalTime  string  `json:"arrivalTime"`
	DeadlineTime string  `json:"deadlineTime"`
	GLPRequest   float64 `json:"glpRequest"`
	GLPRemaining float64 `json:"remainingGlp"`
	Overdue      bool    `json:"overdue"`
}

// Blockage is a road closure active at the snapshot's simulation time.
type Blockage struct {
	ID        string  `json:"id"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
	Lines     []Point `json:"lines"`
}

// Depot is a main plant or an intermediate tank.
type Depot struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Position        Point   `json:"position"`
	CurrentCapacity float64 `json:"currentGlp"`
	MaxCapacity     float64 `json:"glpCapacity"`
}

// SimulationState is a complete state frame published on topic.simulation.<id>.state.
// Each frame replaces the previous one; there are no partial updates.
type SimulationState struct {
	Timestamp       string     `json:"timestamp"`
	SimulationTime  string     `json:"simulationTime"`
	Vehicles        []Vehicle  `json:"vehicles"`
	PendingOrders   []Order    `json:"pendingOrders"`
	ActiveBlockages []Blockage `json:"activeBlockages"`
	Depots          []Depot    `json:"depots"`

	PendingOrdersCount     int `json:"pendingOrdersCount"`
	DeliveredOrdersCount   int `json:"deliveredOrdersCount"`
	OverdueOrdersCount     int `json:"overdueOrdersCount"`
	AvailableVehiclesCount int `json:"availableVehiclesCount"`
}

// Clone returns a deep copy of s so callers can hold it without sharing
// backing arrays with the dispatcher.
func (s SimulationState) Clone() SimulationState {
	out := s
	if s.Vehicles != nil {
		out.Vehicles = make([]Vehicle, len(s.Vehicles))
		for i, v := range s.Vehicles {
			v.CurrentPath = append([]Point(nil), v.CurrentPath...)
			out.Vehicles[i] = v
		}
	}
	out.PendingOrders = append([]Order(nil), s.PendingOrders...)
	if s.ActiveBlockages != nil {
		out.ActiveBlockages = make([]Blockage, len(s.ActiveBlockages))
		for i, b := range s.ActiveBlockages {
			b.Lines = append([]Point(nil), b.Lines...)
			out.ActiveBlockages[i] = b
		}
	}
	out.Depots = append([]Depot(nil), s.Depots...)
	return out
}

// Clone returns a copy of m.
func (m SimulationMap) Clone() SimulationMap {
	if m == nil {
		return nil
	}
	out := make(SimulationMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
