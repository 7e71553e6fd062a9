package mechanical

// ValueReference is the handle of a variable inside a mechanical unit.
type ValueReference uint32

// Unit is the standardized co-simulation contract of the mechanical and
// aerodynamic subsystem. A Unit is owned by exactly one Proxy.
type Unit interface {
	Instantiate(instanceName string) error
	SetupExperiment(startTime float64) error
	EnterInitializationMode() error
	ExitInitializationMode() error
	SetReal(vrs []ValueReference, values []float64) error
	GetReal(vrs []ValueReference) ([]float64, error)
	DoStep(currentTime, stepSize float64) error
	Terminate() error
	FreeInstance()
}

// Describer is implemented by units that carry their own model description.
type Describer interface {
	ModelDescription() ModelDescription
}
