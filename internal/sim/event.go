package sim

import (
	"time"

	"github.com/dog-ball/gsy-e/internal/model"
)

// Event types.
const (
	EventMarket = "market"
	EventTick   = "tick"
	EventTrade  = "trade"
	EventFinish = "finish"
)

// Event is a progress notification delivered to observers.
type Event struct {
	Type     string       `json:"type"`
	Slot     int          `json:"slot"`
	Tick     int          `json:"tick"`
	TimeSlot time.Time    `json:"time_slot"`
	Trade    *model.Trade `json:"trade,omitempty"`
}
