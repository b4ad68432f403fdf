package loop

// State 迴圈控制器的生命週期狀態
type State int

const (
	Idle State = iota
	WaitingForIdle
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingForIdle:
		return "waiting_for_idle"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions 合法的狀態轉移
// WaitingForIdle 允許自轉移：閒置檢查每隔固定間隔重試
var transitions = map[State][]State{
	Idle:           {WaitingForIdle},
	WaitingForIdle: {WaitingForIdle, Running},
	Running:        {Succeeded, Failed},
	Succeeded:      {Idle},
	Failed:         {Idle},
}

// CanTransition 回報 from → to 是否為合法轉移
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
