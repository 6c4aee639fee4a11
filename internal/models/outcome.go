package models

import (
	"fmt"
	"sort"
	"time"
)

type Outcome string

const (
	OutcomeNew           Outcome = "new"
	OutcomeReactivated   Outcome = "reactivated"
	OutcomeAlreadyActive Outcome = "already_active"
	OutcomeFailure       Outcome = "failure"
)

// Accepted is true for outcomes that wrote an active record.
func (o Outcome) Accepted() bool {
	return o == OutcomeNew || o == OutcomeReactivated
}

type AddResult struct {
	Outcome Outcome `json:"outcome"`
	ID      int64   `json:"id,omitempty"`
	Backend string  `json:"backend,omitempty"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type Stats struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	Unsubscribed int            `json:"unsubscribed"`
	BySource     map[string]int `json:"bySource"`
	Daily        []DailyCount   `json:"dailyStats"`
}

type RecentSubscription struct {
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// StatsReport is the admin view served by /api/email-stats.
type StatsReport struct {
	Stats       *Stats               `json:"stats"`
	Recent      []RecentSubscription `json:"recentSubscriptions"`
	EmailList   []string             `json:"emailList"`
	TotalEmails int                  `json:"totalEmails"`
	GeneratedAt time.Time            `json:"generatedAt"`
}

type SyncSummary struct {
	Attempted int `json:"attempted"`
	Forwarded int `json:"forwarded"`
	Failed    int `json:"failed"`
}

// StorageError is a backend fault: connection loss, query failure, or any
// constraint violation other than the unique email.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DailyWindow is how far back Stats.Daily reaches.
const DailyWindow = 30 * 24 * time.Hour

// DailyCounts buckets creation times by UTC day inside the window ending at now, newest first.
func DailyCounts(created []time.Time, now time.Time) []DailyCount {
	cutoff := now.Add(-DailyWindow)
	counts := make(map[string]int)
	for _, t := range created {
		if t.Before(cutoff) {
			continue
		}
		counts[t.UTC().Format("2006-01-02")]++
	}
	out := make([]DailyCount, 0, len(counts))
	for day, n := range counts {
		out = append(out, DailyCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}
