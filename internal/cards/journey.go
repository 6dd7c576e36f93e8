package cards

import (
	"fmt"
	"time"
)

const (
	StageJourneyIdentification = "JOURNEY_IDENTIFICATION"
	StatusSuccess              = "SUCCESS"
	eligibilityCheckInOpened   = "isCheckInOpened"
)

// Journey is a bookable flight whose check-in window is open.
type Journey struct {
	Origin            string `json:"origin"`
	Destination       string `json:"destination"`
	DepartureDate     string `json:"departureDate"`
	DepartureTime     string `json:"departureTime"`
	DepartureDateTime string `json:"departureDateTime"`
}

func (Journey) Kind() Kind     { return KindJourney }
func (Journey) Prompt() string { return "" }

// Summary is the sentence spoken when the backend supplies no reply text.
func (j Journey) Summary() string {
	return fmt.Sprintf("Check-in is open for %s to %s. Departure %s at %s.",
		j.Origin, j.Destination, j.DepartureDate, j.DepartureTime)
}

type journeyPayload struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Data   *struct {
		Eligibility *struct {
			// The backend has shipped both spellings.
			MisspelledName string `json:"eligiblityName"`
			Name           string `json:"eligibilityName"`
			IsEligible     *bool  `json:"isEligible"`
		} `json:"eligibility"`
		Origin        string `json:"origin"`
		Destination   string `json:"destination"`
		DepartureDate string `json:"departureDate"`
	} `json:"data"`
}

type JourneyFormatter struct{}

func (JourneyFormatter) Build(raw any) (Card, bool) {
	obj := unwrap(raw, func(m map[string]any) bool {
		return hasNonEmpty(m, "stage") || hasNonEmpty(m, "status")
	})
	if obj == nil {
		return nil, false
	}
	var p journeyPayload
	if !decodeInto(obj, &p) {
		return nil, false
	}
	if !stageMatches(p.Stage, StageJourneyIdentification) || !stageMatches(p.Status, StatusSuccess) {
		return nil, false
	}
	if p.Data == nil || p.Data.Eligibility == nil {
		return nil, false
	}
	name := p.Data.Eligibility.MisspelledName
	if name == "" {
		name = p.Data.Eligibility.Name
	}
	eligible := p.Data.Eligibility.IsEligible
	if name != eligibilityCheckInOpened || eligible == nil || !*eligible {
		return nil, false
	}
	if p.Data.Origin == "" || p.Data.Destination == "" || p.Data.DepartureDate == "" {
		return nil, false
	}

	j := Journey{
		Origin:            p.Data.Origin,
		Destination:       p.Data.Destination,
		DepartureDateTime: p.Data.DepartureDate,
	}
	if ts, ok := parseDeparture(p.Data.DepartureDate); ok {
		j.DepartureDate = ts.Format("Mon, 02 Jan 2006")
		j.DepartureTime = ts.Format("15:04")
	}
	return j, true
}

var departureLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDeparture keeps the offset carried by the timestamp so the rendered
// time is the local departure time at the origin.
func parseDeparture(value string) (time.Time, bool) {
	for _, layout := range departureLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
