// Package cipher seals and unseals payloads with a key derived by the
// signing service.
//
// The service's ECDH call returns a hex key: the raw shared secret for
// nip04 and the conversation key for nip44. This package never sees a
// private key.
package cipher

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// NIP04Encrypt seals plaintext with the hex shared secret.
func NIP04Encrypt(plaintext, secretHex string) (string, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("nip04 encrypt: bad shared secret: %w", err)
	}
	out, err := nip04.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("nip04 encrypt: %w", err)
	}
	return out, nil
}

// NIP04Decrypt unseals ciphertext with the hex shared secret.
func NIP04Decrypt(ciphertext, secretHex string) (string, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("nip04 decrypt: bad shared secret: %w", err)
	}
	out, err := nip04.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("nip04 decrypt: %w", err)
	}
	return out, nil
}

// NIP44Encrypt seals plaintext with the hex conversation key.
func NIP44Encrypt(plaintext, keyHex string) (string, error) {
	key, err := conversationKey(keyHex)
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	out, err := nip44.Encrypt(key[:], plaintext, &nip44.EncryptOptions{})
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	return out, nil
}

// NIP44Decrypt unseals ciphertext with the hex conversation key.
func NIP44Decrypt(ciphertext, keyHex string) (string, error) {
	key, err := conversationKey(keyHex)
	if err != nil {
		return "", fmt.Errorf("nip44 decrypt: %w", err)
	}
	out, err := nip44.Decrypt(key[:], ciphertext)
	if err != nil {
		return "", fmt.Errorf("nip44 decrypt: %w", err)
	}
	return out, nil
}

func conversationKey(keyHex string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return key, fmt.Errorf("bad conversation key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("conversation key is %d bytes, want 32", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// ZapSender extracts the pubkey the shared secret for a private zap must be
// derived against: the zap request's author.
func ZapSender(eventJSON string) (string, error) {
	var evt nostr.Event
	if err := json.Unmarshal([]byte(eventJSON), &evt); err != nil {
		return "", fmt.Errorf("zap sender: parse event: %w", err)
	}
	if evt.PubKey == "" {
		return "", fmt.Errorf("zap sender: event has no pubkey")
	}
	return evt.PubKey, nil
}

// DecryptZapEvent unseals a private zap request: the real zap request is
// nip04-sealed inside the outer event's "anon" tag.
func DecryptZapEvent(eventJSON, secretHex string) (string, error) {
	var evt nostr.Event
	if err := json.Unmarshal([]byte(eventJSON), &evt); err != nil {
		return "", fmt.Errorf("decrypt zap: parse event: %w", err)
	}

	var sealed string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "anon" {
			sealed = tag[1]
			break
		}
	}
	if sealed == "" {
		return "", fmt.Errorf("decrypt zap: event carries no anon tag")
	}
	return NIP04Decrypt(sealed, secretHex)
}
