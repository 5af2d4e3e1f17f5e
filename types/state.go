package types

// State 定义编排对象的生命周期状态
type State string

const (
	StateCreated      State = "created"       // Constructed, nothing started
	StateInitializing State = "initializing"  // Startup in progress
	StateInitialized  State = "initialized"   // Ready to serve
	StateShuttingDown State = "shutting_down" // Shutdown in progress
	StateShutdown     State = "shutdown"      // Fully stopped
)

// validTransitions 定义合法的状态转换
var validTransitions = map[State][]State{
	StateCreated:      {StateInitializing},
	StateInitializing: {StateInitialized, StateCreated}, // rollback on startup failure
	StateInitialized:  {StateShuttingDown},
	StateShuttingDown: {StateShutdown, StateInitialized}, // rollback so shutdown can be retried
	StateShutdown:     {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
