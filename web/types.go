package web

import (
	"context"

	"github.com/jnesss/spycy/database"
)

// UsageLister reads accumulated usage rows
type UsageLister interface {
	ListUsage(ctx context.Context) ([]database.UsageRecord, error)
}

// RuleLister reports the loaded ignore rules
type RuleLister interface {
	Rules() []string
}

// UsageRow is a usage row as served by the API
type UsageRow struct {
	database.UsageRecord
	Duration string `json:"duration"`
}
