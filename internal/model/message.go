package model

import "time"

type (
	// Envelope is one ciphertext unit addressed to a single long-term
	// public key. The JSON field names are part of the wire format; older
	// clients probe for them, so they must not change.
	Envelope struct {
		Ciphertext         []byte `json:"ciphertext"`
		Nonce              []byte `json:"nonce"`
		EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	}

	// DeviceEnvelope pairs an envelope with the device it was encrypted
	// for.
	DeviceEnvelope struct {
		DeviceID string   `json:"deviceId"`
		Envelope Envelope `json:"envelope"`
	}

	// MultiDeviceBundle is the full set of envelopes transmitted for one
	// plaintext message. ForRecipient/ForSender duplicate the first entry
	// of each list for readers that only implement the dual-envelope
	// format.
	MultiDeviceBundle struct {
		RecipientDevices []DeviceEnvelope `json:"recipientDevices,omitempty"`
		SenderDevices    []DeviceEnvelope `json:"senderDevices,omitempty"`
		ForRecipient     *Envelope        `json:"forRecipient,omitempty"`
		ForSender        *Envelope        `json:"forSender,omitempty"`
	}

	// Message is the externally-owned message record. Content carries the
	// serialized bundle; the server never looks inside it.
	Message struct {
		ID             string     `json:"id"`
		ConversationID string     `json:"conversation_id"`
		SenderID       string     `json:"sender_id"`
		RecipientID    string     `json:"recipient_id"`
		Content        string     `json:"content"`
		ReplyTo        string     `json:"reply_to,omitempty"`
		CreatedAt      time.Time  `json:"created_at"`
		EditedAt       *time.Time `json:"edited_at,omitempty"`
	}

	// CachedMessage is a Message augmented with the locally decrypted
	// plaintext and the time it was cached. Plaintext never leaves the
	// device.
	CachedMessage struct {
		Message
		Plaintext string    `json:"plaintext"`
		Decrypted bool      `json:"decrypted"`
		CachedAt  time.Time `json:"cached_at"`
	}
)
