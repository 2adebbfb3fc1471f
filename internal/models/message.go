package models

import "encoding/json"

// MessageType is the type tag carried by every frame on the signaling channel.
type MessageType string

const (
	TypeRegister       MessageType = "register"
	TypeCallRequest    MessageType = "call-request"
	TypeIncomingCall   MessageType = "incoming-call"
	TypeCallAccept     MessageType = "call-accept"
	TypeCallAccepted   MessageType = "call-accepted"
	TypeCallReject     MessageType = "call-reject"
	TypeCallRejected   MessageType = "call-rejected"
	TypeOffer          MessageType = "webrtc-offer"
	TypeAnswer         MessageType = "webrtc-answer"
	TypeICECandidate   MessageType = "webrtc-ice-candidate"
	TypeDeliveryFailed MessageType = "delivery-failed"
)

// Message is a signaling frame. Offer, Answer and Candidate are opaque and
// relayed byte for byte.
type Message struct {
	Type         MessageType     `json:"type"`
	Identity     string          `json:"identity,omitempty"`
	FromIdentity string          `json:"fromIdentity,omitempty"`
	ToIdentity   string          `json:"toIdentity,omitempty"`
	CallToken    string          `json:"callToken,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	RefType      MessageType     `json:"refType,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// IncomingCall is sent to the callee of a call-request.
func IncomingCall(from, callToken string) Message {
	return Message{Type: TypeIncomingCall, FromIdentity: from, CallToken: callToken}
}

// CallAccepted is sent to the caller when the callee accepts.
func CallAccepted(from, callToken string) Message {
	return Message{Type: TypeCallAccepted, FromIdentity: from, CallToken: callToken}
}

// CallRejected is sent to the caller when the callee rejects.
func CallRejected(from, callToken string) Message {
	return Message{Type: TypeCallRejected, FromIdentity: from, CallToken: callToken}
}

// RelayedOffer carries the offer along with the sender's identity.
func RelayedOffer(from string, offer json.RawMessage, callToken string) Message {
	return Message{Type: TypeOffer, FromIdentity: from, Offer: offer, CallToken: callToken}
}

// RelayedAnswer does not name the sender; the callee already knows who it answers.
func RelayedAnswer(answer json.RawMessage, callToken string) Message {
	return Message{Type: TypeAnswer, Answer: answer, CallToken: callToken}
}

func RelayedCandidate(candidate json.RawMessage, callToken string) Message {
	return Message{Type: TypeICECandidate, Candidate: candidate, CallToken: callToken}
}

// DeliveryFailed tells a sender that its message had no live recipient.
func DeliveryFailed(to string, ref MessageType, reason string) Message {
	return Message{Type: TypeDeliveryFailed, ToIdentity: to, RefType: ref, Reason: reason}
}
