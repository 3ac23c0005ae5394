package hook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// ScramMethod is the MQTT 5.0 AUTH authentication method name this hook
// answers to (spec §4.2/AUTH, SCRAM-SHA-256 per RFC 5802/7677).
const ScramMethod = "SCRAM-SHA-256"

const scramDefaultIterations = 4096

// scramCredential is the server-side record for one username: PBKDF2-derived
// StoredKey/ServerKey plus the salt and iteration count the client needs to
// reproduce the same derivation.
type scramCredential struct {
	salt       []byte
	iterations int
	storedKey  []byte
	serverKey  []byte
}

// scramExchange tracks one client's in-progress AUTH handshake between the
// client-first and client-final messages. MQTT's AUTH packet exchange is
// stateless on the wire (3.1.2.11.10/4.12); this hook keeps the state a
// SCRAM round trip needs keyed by client ID, the same way session.Manager
// keeps per-client protocol state across packets.
type scramExchange struct {
	username    string
	clientNonce string
	serverNonce string
	authMsg     string
	cred        scramCredential
	done        bool
}

// ScramAuthHook implements SCRAM-SHA-256 challenge/response authentication
// for MQTT 5.0's enhanced AUTH flow. It is driven directly by the broker's
// connection handler rather than through the boolean-only Hook.OnAuthPacket
// signature: Begin/Continue return the raw challenge bytes to place in the
// next AUTH packet's Authentication Data property, since the Hook interface
// has no channel for that.
type ScramAuthHook struct {
	*Base

	mu          sync.Mutex
	credentials map[string]scramCredential
	exchanges   map[string]*scramExchange
}

// NewScramAuthHook creates an empty SCRAM-SHA-256 authenticator. Call
// SetCredential to register usernames before accepting connections.
func NewScramAuthHook() *ScramAuthHook {
	return &ScramAuthHook{
		Base:        &Base{id: "scram-auth"},
		credentials: make(map[string]scramCredential),
		exchanges:   make(map[string]*scramExchange),
	}
}

// ID returns the hook identifier.
func (h *ScramAuthHook) ID() string { return h.id }

// Provides indicates this hook inspects AUTH packets.
func (h *ScramAuthHook) Provides(event Event) bool {
	return event == OnAuthPacket || event == OnDisconnect
}

// SetCredential registers (or replaces) a user's password, deriving and
// storing only the SCRAM StoredKey/ServerKey/salt — never the password
// itself.
func (h *ScramAuthHook) SetCredential(username, password string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	cred := deriveScramCredential(password, salt, scramDefaultIterations)

	h.mu.Lock()
	h.credentials[username] = cred
	h.mu.Unlock()
	return nil
}

func deriveScramCredential(password string, salt []byte, iterations int) scramCredential {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := scramHMAC(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := scramHMAC(saltedPassword, []byte("Server Key"))
	return scramCredential{
		salt:       salt,
		iterations: iterations,
		storedKey:  storedKey[:],
		serverKey:  serverKey,
	}
}

// Begin processes a client-first-message ("n,,n=<user>,r=<nonce>") and
// returns the server-first-message ("r=<nonce>,s=<salt>,i=<iterations>") to
// carry in the CONNACK/AUTH's reason-code-0x18 (Continue Authentication)
// response. The caller supplies clientID to key the pending exchange.
func (h *ScramAuthHook) Begin(clientID string, clientFirstMessage []byte) ([]byte, error) {
	gs2AndBare := string(clientFirstMessage)
	if !strings.HasPrefix(gs2AndBare, "n,,") {
		return nil, ErrScramChannelBinding
	}
	bare := gs2AndBare[3:]

	attrs := parseScramAttrs(bare)
	username, ok := attrs["n"]
	if !ok {
		return nil, ErrScramMalformedMessage
	}
	clientNonce, ok := attrs["r"]
	if !ok {
		return nil, ErrScramMalformedMessage
	}

	h.mu.Lock()
	cred, known := h.credentials[username]
	h.mu.Unlock()
	if !known {
		return nil, ErrScramUnknownUser
	}

	serverNonceBytes := make([]byte, 16)
	if _, err := rand.Read(serverNonceBytes); err != nil {
		return nil, err
	}
	serverNonce := clientNonce + base64.RawStdEncoding.EncodeToString(serverNonceBytes)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		serverNonce, base64.StdEncoding.EncodeToString(cred.salt), cred.iterations)

	h.mu.Lock()
	h.exchanges[clientID] = &scramExchange{
		username:    username,
		clientNonce: clientNonce,
		serverNonce: serverNonce,
		authMsg:     bare + "," + serverFirst,
		cred:        cred,
	}
	h.mu.Unlock()

	return []byte(serverFirst), nil
}

// Continue processes a client-final-message ("c=biws,r=<nonce>,p=<proof>")
// and, if the proof verifies, returns the server-final-message
// ("v=<signature>") to send with a Success (0x00) AUTH/CONNACK.
func (h *ScramAuthHook) Continue(clientID string, clientFinalMessage []byte) ([]byte, error) {
	h.mu.Lock()
	ex, ok := h.exchanges[clientID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrScramNoExchange
	}

	attrs := parseScramAttrs(string(clientFinalMessage))
	nonce, ok := attrs["r"]
	if !ok || nonce != ex.serverNonce {
		return nil, ErrScramNonceMismatch
	}
	proofStr, ok := attrs["p"]
	if !ok {
		return nil, ErrScramMalformedMessage
	}
	clientProof, err := base64.StdEncoding.DecodeString(proofStr)
	if err != nil {
		return nil, ErrScramMalformedMessage
	}

	withoutProof := "c=biws,r=" + ex.serverNonce
	authMsg := ex.authMsg + "," + withoutProof

	clientSignature := scramHMAC(ex.cred.storedKey, []byte(authMsg))
	clientKey := make([]byte, len(clientProof))
	for i := range clientKey {
		clientKey[i] = clientProof[i] ^ clientSignature[i]
	}
	computedStoredKey := sha256.Sum256(clientKey)
	if !hmac.Equal(computedStoredKey[:], ex.cred.storedKey) {
		h.mu.Lock()
		delete(h.exchanges, clientID)
		h.mu.Unlock()
		return nil, ErrScramAuthenticationFailed
	}

	serverSignature := scramHMAC(ex.cred.serverKey, []byte(authMsg))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)

	h.mu.Lock()
	ex.done = true
	h.mu.Unlock()

	return []byte(serverFinal), nil
}

// OnAuthPacket only validates that the method matches; the actual
// challenge/response exchange is driven by the broker through Begin/
// Continue, not through this boolean signal.
func (h *ScramAuthHook) OnAuthPacket(client *Client, packet *AuthPacket) bool {
	return packet.AuthMethod == ScramMethod
}

// OnDisconnect discards any incomplete exchange state for the client.
func (h *ScramAuthHook) OnDisconnect(client *Client, err error, expire bool) error {
	h.mu.Lock()
	delete(h.exchanges, client.ID)
	h.mu.Unlock()
	return nil
}

func scramHMAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// parseScramAttrs splits a comma-separated "k=v,k=v" SCRAM message into its
// attributes. Values may themselves contain "=" (e.g. base64 padding), so
// each segment is split on the first "=" only.
func parseScramAttrs(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, seg := range strings.Split(msg, ",") {
		idx := strings.IndexByte(seg, '=')
		if idx < 1 {
			continue
		}
		attrs[seg[:idx]] = seg[idx+1:]
	}
	return attrs
}
