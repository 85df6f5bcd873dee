package domain

// ExitReason names the rule that closed a position.
type ExitReason string

const (
	ExitReasonNone           ExitReason = ""
	ExitReasonEarlyTrendFail ExitReason = "early_trend_failure"
	ExitReasonProfitGiveback ExitReason = "profit_giveback"
	ExitReasonReverseStop    ExitReason = "reverse_stop"
	ExitReasonHardStop       ExitReason = "hard_stop"
	ExitReasonTakeProfit     ExitReason = "take_profit"
	ExitReasonTimeStop       ExitReason = "time_stop"
	ExitReasonManual         ExitReason = "manual"
	ExitReasonBrokerExitFill ExitReason = "broker_exit_fill"
)

// Action is what the risk engine asks the manager to do with a tracker.
type Action int

const (
	ActionHold Action = iota
	ActionUpdateStop
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionUpdateStop:
		return "update_stop"
	case ActionExit:
		return "exit"
	default:
		return "hold"
	}
}

// Decision is the outcome of one risk evaluation.
type Decision struct {
	Action    Action
	Reason    ExitReason
	StopPrice float64 // set for ActionUpdateStop
	Detail    string
}
