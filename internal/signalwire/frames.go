package signalwire

import "fmt"

// FrameType tags an application frame on the session data channel.
type FrameType string

const (
	FrameChannelReady     FrameType = "channel_ready"
	FrameKeyExchange      FrameType = "key_exchange"
	FrameEncryptedMessage FrameType = "encrypted_message"
	FrameTypingIndicator  FrameType = "typing_indicator"
)

// Frame is a data-channel wire message. Byte fields are base64-encoded on
// the wire by encoding/json.
type Frame struct {
	Type   FrameType `json:"type"`
	Sender string    `json:"sender"`

	// key_exchange
	PublicKey  []byte `json:"publicKey,omitempty"`
	IsResponse bool   `json:"isResponse,omitempty"`

	// encrypted_message
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`

	// typing_indicator
	Typing bool `json:"typing,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// ParseFrame strict-decodes and validates a data-channel frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decodeStrict(data, &f); err != nil {
		return Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) Validate() error {
	if f.Sender == "" {
		return fmt.Errorf("%s frame missing sender", f.Type)
	}
	switch f.Type {
	case FrameChannelReady:
		if f.PublicKey != nil || f.Ciphertext != nil || f.Nonce != nil || f.IsResponse || f.Typing {
			return fmt.Errorf("channel_ready frame has unexpected fields")
		}
	case FrameKeyExchange:
		if len(f.PublicKey) == 0 {
			return fmt.Errorf("key_exchange frame missing publicKey")
		}
		if f.Ciphertext != nil || f.Nonce != nil || f.Typing {
			return fmt.Errorf("key_exchange frame has unexpected fields")
		}
	case FrameEncryptedMessage:
		if len(f.Ciphertext) == 0 {
			return fmt.Errorf("encrypted_message frame missing ciphertext")
		}
		if len(f.Nonce) == 0 {
			return fmt.Errorf("encrypted_message frame missing nonce")
		}
		if f.PublicKey != nil || f.IsResponse || f.Typing {
			return fmt.Errorf("encrypted_message frame has unexpected fields")
		}
	case FrameTypingIndicator:
		if f.PublicKey != nil || f.Ciphertext != nil || f.Nonce != nil || f.IsResponse {
			return fmt.Errorf("typing_indicator frame has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
	return nil
}
