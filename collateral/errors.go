package collateral

import (
	"errors"
	"fmt"

	"github.com/xraph/lending/event"
)

var (
	ErrNotFound            = fmt.Errorf("collateral: not found: %w", event.ErrNotFound)
	ErrLiquidationNotFound = fmt.Errorf("collateral: liquidation not found: %w", event.ErrNotFound)

	ErrInvalidAmount          = errors.New("collateral: invalid amount")
	ErrNoChange               = errors.New("collateral: amount unchanged")
	ErrInsufficientCollateral = errors.New("collateral: insufficient active collateral")
	ErrInvalidThresholds      = errors.New("collateral: invalid cvl thresholds")
	ErrExceedsSent            = errors.New("collateral: liquidated amount exceeds collateral sent")
	ErrLiquidationCompleted   = errors.New("collateral: liquidation already completed")
	ErrDuplicateProceeds      = errors.New("collateral: proceeds reference already recorded")
)
