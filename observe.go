package meshbpf

// Event names emitted by the orchestrator.
const (
	EventProgramLoad   = "program_load"
	EventProgramUnload = "program_unload"
	EventAttach        = "interface_attach"
	EventDetach        = "interface_detach"
	EventCleanup       = "cleanup"
)

// EventRecorder receives coarse-grained observability events from the
// orchestrator. Implementations must be cheap and must not fail the
// operation being observed. The zero default is NopRecorder; a
// Prometheus-backed implementation lives in the metrics package.
type EventRecorder interface {
	// ProgramEvent records a lifecycle event for a program type.
	ProgramEvent(event string, programType ProgramType)
	// ProgramLoaded records a successful load and its object size.
	ProgramLoaded(programType ProgramType, sizeBytes int64)
}

// NopRecorder is an EventRecorder that discards everything.
type NopRecorder struct{}

func (NopRecorder) ProgramEvent(string, ProgramType) {}
func (NopRecorder) ProgramLoaded(ProgramType, int64) {}
