package torex

import (
	"fmt"
	"time"

	"torex/internal/controller"
	"torex/internal/observer"
	"torex/internal/torexmath"
)

// Config binds a Torex instance to its collaborators. All fields are fixed
// at construction; in particular MaxAllowedFeePM is an immutable ceiling no
// controller can ever exceed.
type Config struct {
	ID       string
	InAsset  string
	OutAsset string

	Observer   observer.TwapObserver
	TwapScaler torexmath.Scaler // decimal normalization of observer quotes
	Discount   torexmath.DiscountFactor

	OutPoolScaler torexmath.Scaler // contribution rate → distribution units
	FeePoolScaler torexmath.Scaler // fee rate → fee pool units

	Controller       controller.Controller
	ControllerBudget time.Duration // safe-call resource budget

	MaxAllowedFeePM int64 // parts per million, at most 1_000_000
	FeeBufferPeriod int64 // seconds of aggregate fee flow held in reserve

	CreatedAt int64 // unix seconds; anchors the first movement cycle
}

func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("empty torex id")
	}
	if c.InAsset == "" || c.OutAsset == "" {
		return fmt.Errorf("torex %s: missing asset pair", c.ID)
	}
	if c.InAsset == c.OutAsset {
		return fmt.Errorf("torex %s: in and out asset are the same: %s", c.ID, c.InAsset)
	}
	if c.Observer == nil {
		return fmt.Errorf("torex %s: nil observer", c.ID)
	}
	if c.Controller == nil {
		return fmt.Errorf("torex %s: nil controller", c.ID)
	}
	if c.MaxAllowedFeePM < 0 || c.MaxAllowedFeePM > torexmath.PMScale {
		return fmt.Errorf("torex %s: max fee %d outside [0, 100%%]", c.ID, c.MaxAllowedFeePM)
	}
	if c.FeeBufferPeriod < 0 {
		return fmt.Errorf("torex %s: negative fee buffer period", c.ID)
	}
	return nil
}
