// calendar-sim is a local stand-in for the calendar provider API. It serves
// the token, freebusy, and event endpoints the booking service talks to, with
// a fixed busy window per weekday so availability output is easy to eyeball.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type event struct {
	ID          string    `json:"id"`
	ExternalRef string    `json:"external_ref"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type simulator struct {
	mu     sync.Mutex
	events map[string]event
	nextID int
}

func main() {
	var (
		addr     = flag.String("addr", getenv("ADDR", ":8090"), "listen address")
		timezone = flag.String("timezone", getenv("CALENDAR_TIMEZONE", "UTC"), "calendar default timezone")
		busyHour = flag.Int("busy-hour", 12, "hour (UTC) of the standing daily busy window; -1 disables")
	)
	flag.Parse()

	sim := &simulator{events: map[string]event{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") == "" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"access_token": fmt.Sprintf("sim-token-%d", time.Now().UnixNano()),
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/v1/calendars/primary", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"timezone": *timezone})
	})

	mux.HandleFunc("/v1/calendars/primary/freebusy", func(w http.ResponseWriter, r *http.Request) {
		from, err1 := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		to, err2 := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		if err1 != nil || err2 != nil {
			http.Error(w, "from and to must be RFC 3339", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"busy": sim.busy(from, to, *busyHour)})
	})

	mux.HandleFunc("/v1/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req event
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		created := sim.create(req)
		log.Printf("created event %s (%s) %s - %s", created.ID, created.Title,
			created.Start.Format(time.RFC3339), created.End.Format(time.RFC3339))
		writeJSON(w, created)
	})

	mux.HandleFunc("/v1/calendars/primary/events/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/v1/calendars/primary/events/")
		if !sim.delete(id) {
			http.NotFound(w, r)
			return
		}
		log.Printf("deleted event %s", id)
		w.WriteHeader(http.StatusNoContent)
	})

	log.Printf("calendar-sim listening on %s (timezone %s)", *addr, *timezone)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal(err)
	}
}

type busyWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// busy returns one standing one-hour window per weekday at busyHour, plus a
// window for every event created through the simulator.
func (s *simulator) busy(from, to time.Time, busyHour int) []busyWindow {
	windows := []busyWindow{}
	if busyHour >= 0 {
		for d := from.Truncate(24 * time.Hour); d.Before(to); d = d.AddDate(0, 0, 1) {
			switch d.Weekday() {
			case time.Saturday, time.Sunday:
				continue
			}
			start := d.Add(time.Duration(busyHour) * time.Hour)
			if start.After(from) && start.Before(to) {
				windows = append(windows, busyWindow{Start: start, End: start.Add(time.Hour)})
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Start.Before(to) && ev.End.After(from) {
			windows = append(windows, busyWindow{Start: ev.Start, End: ev.End})
		}
	}
	return windows
}

func (s *simulator) create(req event) event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ExternalRef != "" {
		for _, ev := range s.events {
			if ev.ExternalRef == req.ExternalRef {
				return ev
			}
		}
	}
	s.nextID++
	req.ID = fmt.Sprintf("sim-evt-%d", s.nextID)
	s.events[req.ID] = req
	return req
}

func (s *simulator) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return false
	}
	delete(s.events, id)
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
