package cards

const (
	StageValidateProcessCheckIn = "VALIDATE_PROCESS_CHECKIN"
	StatusUserInputRequired     = "USER_INPUT_REQUIRED"
	defaultPassengerPrompt      = "Select a passenger to check in."
)

type Passenger struct {
	TravelerID        string `json:"travelerId"`
	JourneyElementID  string `json:"journeyElementId,omitempty"`
	Title             string `json:"title,omitempty"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	PassengerTypeCode string `json:"passengerTypeCode,omitempty"`
	FlightID          string `json:"flightId,omitempty"`
	OrderID           string `json:"orderId,omitempty"`
}

// PassengerList asks the user to pick who to check in.
type PassengerList struct {
	PromptText string      `json:"prompt"`
	Passengers []Passenger `json:"passengers"`
}

func (PassengerList) Kind() Kind       { return KindPassengers }
func (p PassengerList) Prompt() string { return p.PromptText }

type passengerPayload struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Data   *struct {
		PassengersToCheckIn []Passenger `json:"passengersToCheckIn"`
		Prompt              *string     `json:"prompt"`
	} `json:"data"`
	UserMessage *string `json:"userMessage"`
}

type PassengerFormatter struct{}

func (PassengerFormatter) Build(raw any) (Card, bool) {
	obj := unwrap(raw, func(m map[string]any) bool {
		if hasNonEmpty(m, "stage") || hasNonEmpty(m, "status") {
			return true
		}
		data, ok := m["data"].(map[string]any)
		return ok && data["passengersToCheckIn"] != nil
	})
	if obj == nil {
		return nil, false
	}
	var p passengerPayload
	if !decodeInto(obj, &p) {
		return nil, false
	}
	if !stageMatches(p.Stage, StageValidateProcessCheckIn) || !stageMatches(p.Status, StatusUserInputRequired) {
		return nil, false
	}
	if p.Data == nil {
		return nil, false
	}

	var passengers []Passenger
	for _, passenger := range p.Data.PassengersToCheckIn {
		if passenger.FirstName == "" || passenger.LastName == "" || passenger.TravelerID == "" {
			continue
		}
		passengers = append(passengers, passenger)
	}
	if len(passengers) == 0 {
		return nil, false
	}

	prompt := defaultPassengerPrompt
	switch {
	case p.Data.Prompt != nil:
		prompt = *p.Data.Prompt
	case p.UserMessage != nil:
		prompt = *p.UserMessage
	}
	return PassengerList{PromptText: prompt, Passengers: passengers}, true
}
