package irc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAMState tracks the state of SCRAM authentication
type SCRAMState struct {
	mechanism      string
	username       string
	password       string
	clientNonce    string
	serverNonce    string
	salt           string
	iterations     int
	saltedPassword []byte
	clientKey      []byte
	storedKey      []byte
	serverKey      []byte
	clientProof    string
}

// handleSCRAMAuth handles SCRAM-SHA-256 and SCRAM-SHA-512 authentication
func (c *Client) handleSCRAMAuth(response string) {
	c.mu.Lock()
	if c.scramState == nil {
		c.scramState = &SCRAMState{
			mechanism:   c.saslMechanism,
			username:    c.saslUsername,
			password:    c.saslPassword,
			clientNonce: generateClientNonce(),
		}
	}
	state := c.scramState
	c.mu.Unlock()

	if response == "+" {
		// First message: send client-first-message
		clientFirstMessageBare := fmt.Sprintf("n=%s,r=%s", state.username, state.clientNonce)
		gs2Header := "n,," // No channel binding, no authorization identity
		clientFirstMessage := gs2Header + clientFirstMessageBare

		encoded := base64.StdEncoding.EncodeToString([]byte(clientFirstMessage))
		c.conn.SendRaw("AUTHENTICATE " + encoded)
		return
	}
	if response == "*" {
		// Abort
		c.mu.Lock()
		c.saslInProgress = false
		c.scramState = nil
		c.mu.Unlock()
		c.conn.SendRaw("CAP END")
		return
	}

	// Server response: decode and process
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		c.abortSASL("Failed to decode server response")
		return
	}
	serverMessage := string(decoded)

	params := parseSCRAMParams(serverMessage)

	// Server-final-message carries the server signature.
	if _, ok := params["v"]; ok {
		if c.verifySCRAMServerSignature(response) {
			c.conn.SendRaw("AUTHENTICATE +")
		} else {
			c.abortSASL("Server signature verification failed")
		}
		return
	}

	// Server-first-message: r=...,s=...,i=...
	serverNonce, ok := params["r"]
	if !ok || !strings.HasPrefix(serverNonce, state.clientNonce) {
		c.abortSASL("Invalid server nonce")
		return
	}
	state.serverNonce = serverNonce

	salt, ok := params["s"]
	if !ok {
		c.abortSASL("Missing salt")
		return
	}
	state.salt = salt

	iterationsStr, ok := params["i"]
	if !ok {
		c.abortSASL("Missing iterations")
		return
	}
	iterations, err := strconv.Atoi(iterationsStr)
	if err != nil {
		c.abortSASL("Invalid iterations")
		return
	}
	state.iterations = iterations

	saltBytes, err := base64.StdEncoding.DecodeString(state.salt)
	if err != nil {
		c.abortSASL("Invalid salt encoding")
		return
	}

	h, err := scramHash(state.mechanism)
	if err != nil {
		c.abortSASL(err.Error())
		return
	}

	state.saltedPassword = pbkdf2.Key([]byte(state.password), saltBytes, state.iterations, h().Size(), h)
	state.clientKey = computeHMAC(state.saltedPassword, "Client Key", h)
	state.storedKey = computeHash(state.clientKey, h)
	state.serverKey = computeHMAC(state.saltedPassword, "Server Key", h)

	// Build client-final-message
	clientFirstMessageBare := fmt.Sprintf("n=%s,r=%s", state.username, state.clientNonce)
	clientFinalMessageWithoutProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte("n,,")), state.serverNonce)
	authMessage := clientFirstMessageBare + "," + serverMessage + "," + clientFinalMessageWithoutProof

	clientSignature := computeHMAC(state.storedKey, authMessage, h)
	clientProof := xorBytes(state.clientKey, clientSignature)
	state.clientProof = base64.StdEncoding.EncodeToString(clientProof)

	clientFinalMessage := clientFinalMessageWithoutProof + ",p=" + state.clientProof
	encoded := base64.StdEncoding.EncodeToString([]byte(clientFinalMessage))
	c.conn.SendRaw("AUTHENTICATE " + encoded)
}

// verifySCRAMServerSignature verifies the server's signature in the final message
func (c *Client) verifySCRAMServerSignature(response string) bool {
	c.mu.Lock()
	state := c.scramState
	c.mu.Unlock()
	if state == nil {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return false
	}
	params := parseSCRAMParams(string(decoded))

	serverSignature, ok := params["v"]
	if !ok {
		return false
	}

	clientFirstMessageBare := fmt.Sprintf("n=%s,r=%s", state.username, state.clientNonce)
	serverFirstMessage := fmt.Sprintf("r=%s,s=%s,i=%d", state.serverNonce, state.salt, state.iterations)
	clientFinalMessageWithoutProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte("n,,")), state.serverNonce)
	authMessage := clientFirstMessageBare + "," + serverFirstMessage + "," + clientFinalMessageWithoutProof

	h, err := scramHash(state.mechanism)
	if err != nil {
		return false
	}

	expected := base64.StdEncoding.EncodeToString(computeHMAC(state.serverKey, authMessage, h))
	return serverSignature == expected
}

func (c *Client) abortSASL(reason string) {
	c.mu.Lock()
	c.saslInProgress = false
	c.scramState = nil
	c.mu.Unlock()

	c.handleServerError("SASL authentication aborted: " + reason)

	c.conn.SendRaw("AUTHENTICATE *")
	c.conn.SendRaw("CAP END")
}

// Helper functions

func scramHash(mechanism string) (func() hash.Hash, error) {
	switch mechanism {
	case "SCRAM-SHA-256":
		return sha256.New, nil
	case "SCRAM-SHA-512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported SCRAM mechanism %q", mechanism)
	}
}

func generateClientNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func parseSCRAMParams(message string) map[string]string {
	params := make(map[string]string)
	parts := strings.Split(message, ",")
	for _, part := range parts {
		if len(part) >= 3 && part[1] == '=' {
			key := part[0:1]
			value := part[2:]
			params[key] = value
		}
	}
	return params
}

func computeHMAC(key []byte, data string, h func() hash.Hash) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func computeHash(data []byte, h func() hash.Hash) []byte {
	hasher := h()
	hasher.Write(data)
	return hasher.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	if len(a) != len(b) {
		return nil
	}
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
