package multidevice

import (
	"encoding/json"
	"errors"
	"fmt"

	"sealed_chat/internal/model"
)

// A serialized bundle has taken three shapes over the protocol's history:
//
//	single: a bare envelope object  {"ciphertext","nonce","ephemeralPublicKey"}
//	dual:   {"forRecipient":{...},"forSender":{...}}
//	multi:  {"recipientDevices":[...],"senderDevices":[...],"forRecipient":...,"forSender":...}
//
// There is no version tag; the shape is detected by which fields are
// present. All three must keep decoding forever.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeSingle
	ShapeDual
	ShapeMulti
)

func (s Shape) String() string {
	switch s {
	case ShapeSingle:
		return "single"
	case ShapeDual:
		return "dual"
	case ShapeMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// ErrUnrecognizedBundle means the content matched none of the historical
// shapes.
var ErrUnrecognizedBundle = errors.New("multidevice: unrecognized bundle format")

type bundleProbe struct {
	RecipientDevices []model.DeviceEnvelope `json:"recipientDevices"`
	SenderDevices    []model.DeviceEnvelope `json:"senderDevices"`
	ForRecipient     *model.Envelope        `json:"forRecipient"`
	ForSender        *model.Envelope        `json:"forSender"`

	// bare envelope fields (oldest shape)
	Ciphertext         []byte `json:"ciphertext"`
	Nonce              []byte `json:"nonce"`
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
}

// EncodeBundle serializes a bundle to the opaque string stored as message
// content. The server never inspects it.
func EncodeBundle(b *model.MultiDeviceBundle) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	return string(raw), nil
}

// DecodeBundle parses message content into a bundle, normalizing the two
// legacy shapes: a dual payload becomes a bundle with only the fallback
// fields set, a bare envelope becomes a bundle whose single envelope
// serves both roles.
func DecodeBundle(content string) (*model.MultiDeviceBundle, Shape, error) {
	var p bundleProbe
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return nil, ShapeUnknown, fmt.Errorf("%w: %v", ErrUnrecognizedBundle, err)
	}

	switch {
	case p.RecipientDevices != nil || p.SenderDevices != nil:
		return &model.MultiDeviceBundle{
			RecipientDevices: p.RecipientDevices,
			SenderDevices:    p.SenderDevices,
			ForRecipient:     p.ForRecipient,
			ForSender:        p.ForSender,
		}, ShapeMulti, nil

	case p.ForRecipient != nil || p.ForSender != nil:
		return &model.MultiDeviceBundle{
			ForRecipient: p.ForRecipient,
			ForSender:    p.ForSender,
		}, ShapeDual, nil

	case p.Ciphertext != nil:
		env := &model.Envelope{
			Ciphertext:         p.Ciphertext,
			Nonce:              p.Nonce,
			EphemeralPublicKey: p.EphemeralPublicKey,
		}
		return &model.MultiDeviceBundle{
			ForRecipient: env,
			ForSender:    env,
		}, ShapeSingle, nil

	default:
		return nil, ShapeUnknown, ErrUnrecognizedBundle
	}
}
