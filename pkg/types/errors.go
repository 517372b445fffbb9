package types

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is matched by every InsufficientDataError.
var ErrInsufficientData = errors.New("insufficient data")

// InsufficientDataError reports a series shorter than a calculation needs.
type InsufficientDataError struct {
	Symbol    string
	Timeframe Timeframe
	Have      int
	Need      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s %s: have %d bars, need %d", e.Symbol, e.Timeframe, e.Have, e.Need)
}

// Unwrap lets errors.Is match ErrInsufficientData.
func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// RequireBars returns an InsufficientDataError when the series has fewer than need bars.
func RequireBars(s *MarketDataSeries, need int) error {
	if s == nil {
		return &InsufficientDataError{Need: need}
	}
	if len(s.Bars) < need {
		return &InsufficientDataError{Symbol: s.Symbol, Timeframe: s.Timeframe, Have: len(s.Bars), Need: need}
	}
	return nil
}
