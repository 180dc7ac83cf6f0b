package app

import (
	"time"

	"pricewatch/internal/maintenance"
	"pricewatch/internal/notifier"
	rtsup "pricewatch/internal/runtime/supervisor"
)

// Status is the GET /status document.
type Status struct {
	StartedAt     time.Time                 `json:"started_at"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Paused        bool                      `json:"paused"`
	Items         int                       `json:"items"`
	Running       []string                  `json:"running"`
	Goroutines    map[string]rtsup.Counters `json:"goroutines"`
	Notifications []notifier.HistoryItem    `json:"notifications"`
	Maintenance   []maintenance.Entry       `json:"maintenance,omitempty"`
}

const statusNotifications = 20

func (a *App) status() any {
	st := Status{
		StartedAt:     a.started,
		UptimeSeconds: int64(time.Since(a.started) / time.Second),
		Paused:        a.mon.Paused(),
		Items:         len(a.mon.Items()),
		Running:       a.reg.Running(),
		Goroutines:    map[string]rtsup.Counters{},
		Maintenance:   a.maint.Entries(),
	}
	if a.sup != nil {
		st.Goroutines["app"] = a.sup.Counters()
	}
	st.Goroutines["tracker"] = a.reg.Supervisor().Counters()
	if sup := a.notif.Supervisor(); sup != nil {
		st.Goroutines["notifier"] = sup.Counters()
	}
	hist := a.notif.Snapshot()
	if len(hist) > statusNotifications {
		hist = hist[len(hist)-statusNotifications:]
	}
	st.Notifications = hist
	if st.Running == nil {
		st.Running = []string{}
	}
	return st
}
