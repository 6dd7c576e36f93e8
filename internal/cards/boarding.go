package cards

const (
	StageBoardingPass     = "BOARDING_PASS"
	defaultBoardingPrompt = "Your boarding pass is ready."
	defaultTravelerName   = "Passenger"
)

// BoardingLeg is one flight segment of a boarding pass.
type BoardingLeg struct {
	TravelerName      string `json:"travelerName"`
	TravelerTitle     string `json:"travelerTitle,omitempty"`
	FlightNumber      string `json:"flightNumber"`
	Origin            string `json:"origin"`
	Destination       string `json:"destination"`
	DepartureTime     string `json:"departureTime"`
	DepartureTerminal string `json:"departureTerminal,omitempty"`
	ArrivalTime       string `json:"arrivalTime"`
	ArrivalTerminal   string `json:"arrivalTerminal,omitempty"`
	CabinClass        string `json:"cabinClass,omitempty"`
	Seat              string `json:"seat,omitempty"`
	Gate              string `json:"gate,omitempty"`
	BoardingTime      string `json:"boardingTime,omitempty"`
	Group             string `json:"group,omitempty"`
	BarcodeMessage    string `json:"barcodeMessage,omitempty"`
}

type BoardingPass struct {
	PromptText string        `json:"prompt"`
	Passes     []BoardingLeg `json:"passes"`
}

func (BoardingPass) Kind() Kind       { return KindBoardingPass }
func (b BoardingPass) Prompt() string { return b.PromptText }

type boardingPayload struct {
	Stage string `json:"stage"`
	Data  *struct {
		BoardingPasses []struct {
			TravelerName string `json:"travelerName"`
			Legs         []struct {
				TravelerInfo *struct {
					TravelerName  string `json:"travelerName"`
					TravelerTitle string `json:"travelerTitle"`
				} `json:"travelerInfo"`
				FlightInfo *struct {
					FlightNumber      string `json:"flightNumber"`
					Origin            string `json:"origin"`
					Destination       string `json:"destination"`
					DepartureTime     string `json:"departureTime"`
					DepartureTerminal string `json:"departureTerminal"`
					ArrivalTime       string `json:"arrivalTime"`
					ArrivalTerminal   string `json:"arrivalTerminal"`
					CabinClass        string `json:"cabinClass"`
					Seat              string `json:"seat"`
					Group             string `json:"group"`
				} `json:"flightInfo"`
				BoardingDetails *struct {
					Gate         string `json:"gate"`
					BoardingTime string `json:"boardingTime"`
				} `json:"boardingDetails"`
				BarcodeMessage string `json:"barcodeMessage"`
			} `json:"legs"`
		} `json:"boardingPasses"`
	} `json:"data"`
	UserMessage *string `json:"userMessage"`
}

type BoardingPassFormatter struct{}

func (BoardingPassFormatter) Build(raw any) (Card, bool) {
	obj := unwrap(raw, func(m map[string]any) bool {
		if hasNonEmpty(m, "stage") {
			return true
		}
		data, ok := m["data"].(map[string]any)
		return ok && data["boardingPasses"] != nil
	})
	if obj == nil {
		return nil, false
	}
	var p boardingPayload
	if !decodeInto(obj, &p) {
		return nil, false
	}
	if !stageMatches(p.Stage, StageBoardingPass) || p.Data == nil {
		return nil, false
	}

	var legs []BoardingLeg
	for _, pass := range p.Data.BoardingPasses {
		for _, leg := range pass.Legs {
			out := BoardingLeg{TravelerName: pass.TravelerName, BarcodeMessage: leg.BarcodeMessage}
			if leg.TravelerInfo != nil {
				if leg.TravelerInfo.TravelerName != "" {
					out.TravelerName = leg.TravelerInfo.TravelerName
				}
				out.TravelerTitle = leg.TravelerInfo.TravelerTitle
			}
			if out.TravelerName == "" {
				out.TravelerName = defaultTravelerName
			}
			if fi := leg.FlightInfo; fi != nil {
				out.FlightNumber = fi.FlightNumber
				out.Origin = fi.Origin
				out.Destination = fi.Destination
				out.DepartureTime = fi.DepartureTime
				out.DepartureTerminal = fi.DepartureTerminal
				out.ArrivalTime = fi.ArrivalTime
				out.ArrivalTerminal = fi.ArrivalTerminal
				out.CabinClass = fi.CabinClass
				out.Seat = fi.Seat
				out.Group = fi.Group
			}
			if bd := leg.BoardingDetails; bd != nil {
				out.Gate = bd.Gate
				out.BoardingTime = bd.BoardingTime
			}
			legs = append(legs, out)
		}
	}
	if len(legs) == 0 {
		return nil, false
	}

	prompt := defaultBoardingPrompt
	if p.UserMessage != nil {
		prompt = *p.UserMessage
	}
	return BoardingPass{PromptText: prompt, Passes: legs}, true
}
