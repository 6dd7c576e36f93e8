package conversation

import (
	"strings"

	"github.com/loqalabs/loqa-checkin/internal/cards"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type MessageType string

const (
	TypeText         MessageType = "text"
	TypeJourney      MessageType = MessageType(cards.KindJourney)
	TypePassengers   MessageType = MessageType(cards.KindPassengers)
	TypeBoardingPass MessageType = MessageType(cards.KindBoardingPass)
)

// Message is one immutable transcript entry.
type Message struct {
	Role Role        `json:"role"`
	Text string      `json:"text,omitempty"`
	Type MessageType `json:"type"`
	Data cards.Card  `json:"data,omitempty"`
}

func textMessage(role Role, text string) Message {
	return Message{Role: role, Text: text, Type: TypeText}
}

func cardMessage(card cards.Card) Message {
	return Message{Role: RoleAgent, Type: MessageType(card.Kind()), Data: card}
}

// Live is the in-progress text for one role. Active is false when the role
// has no live activity at all.
type Live struct {
	Text   string `json:"text"`
	Active bool   `json:"active"`
}

// Fixed transcript texts for failures and notices.
const (
	MsgMicDeniedVoice      = "Microphone access denied. Please allow microphone access to use voice support."
	MsgMicDeniedAgent      = "Microphone access is required to start the agent session."
	MsgVoiceConnectFailed  = "Failed to connect to voice service. Please try again."
	MsgAgentStartFailed    = "Failed to start the agent session. Please try again."
	MsgBackendFailed       = "Failed to reach the check-in service."
	MsgAgentError          = "The assistant ran into a problem. Please try again."
	MsgAgentDisconnected   = "Disconnected due to an error. Please start a new session."
	MsgConnectionLost      = "Connection lost. Please try again."
	MsgBreakerTripped      = "The assistant stopped responding as expected, so the session was ended."
	MsgPleaseWait          = "Please wait while I fetch your information"
	silenceOverride        = `System override: Do NOT speak or respond unless explicitly instructed with "Speak exactly: ...". If no such instruction is present, remain silent.`
	suspendInstruction     = "System update: the check-in service is working on the user's request. Do not ask the user anything new until you are instructed to speak."
	releaseInstruction     = "System update: the check-in service has answered. Wait for the next instruction before speaking."
	sayExactlyInstructionF = `Say exactly the following sentence and nothing else: "%s"`
)

// isFiller reports text that carries no words, such as "..." or an ellipsis.
func isFiller(text string) bool {
	return strings.Trim(text, ".…") == ""
}
