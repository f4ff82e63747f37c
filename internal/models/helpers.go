package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func GenerateSessionID() string {
	return uuid.New().String()
}

// FormatCoins renders an amount with the precision used in audit entries.
func FormatCoins(amount float64) string {
	return fmt.Sprintf("%.6f", amount)
}

func TimeFromMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
