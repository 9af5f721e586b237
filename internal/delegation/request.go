package delegation

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// Request authentication headers.
const (
	HeaderAgentPubkey    = "X-Agent-Pubkey"
	HeaderProviderPubkey = "X-Provider-Pubkey"
	HeaderPublicKey      = "X-Public-Key"
	HeaderTimestamp      = "X-Timestamp"
	HeaderSignature      = "X-Signature"
)

// RequestMessage is the byte string signed for a request: method + path + unix seconds.
func RequestMessage(method, path string, timestamp int64) []byte {
	return []byte(method + path + strconv.FormatInt(timestamp, 10))
}

// SignRequest returns the base64 signature of the request message.
func SignRequest(key ed25519.PrivateKey, method, path string, timestamp int64) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, RequestMessage(method, path, timestamp)))
}

// RequestSigner attaches authentication headers to outbound requests.
type RequestSigner interface {
	SignRequest(r *http.Request) error
	PublicKey() string
}

// Signer authenticates requests as a delegated agent key.
type Signer struct {
	key            ed25519.PrivateKey
	agentPubkey    string
	providerPubkey string
	now            func() time.Time
}

// NewSigner creates a Signer for agentKey acting for providerPubkey.
func NewSigner(agentKey ed25519.PrivateKey, providerPubkey string) *Signer {
	return &Signer{
		key:            agentKey,
		agentPubkey:    PublicKeyHex(agentKey),
		providerPubkey: providerPubkey,
		now:            time.Now,
	}
}

// PublicKey returns the agent public key in hex.
func (s *Signer) PublicKey() string { return s.agentPubkey }

// SignRequest sets the agent headers on r.
func (s *Signer) SignRequest(r *http.Request) error {
	ts := s.now().Unix()
	r.Header.Set(HeaderAgentPubkey, s.agentPubkey)
	r.Header.Set(HeaderProviderPubkey, s.providerPubkey)
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, SignRequest(s.key, r.Method, r.URL.Path, ts))
	return nil
}

// ProviderSigner authenticates requests with the provider's primary key.
// It is only used for delegation management and is never persisted.
type ProviderSigner struct {
	key    ed25519.PrivateKey
	pubkey string
	now    func() time.Time
}

// NewProviderSigner creates a ProviderSigner.
func NewProviderSigner(providerKey ed25519.PrivateKey) *ProviderSigner {
	return &ProviderSigner{key: providerKey, pubkey: PublicKeyHex(providerKey), now: time.Now}
}

// PublicKey returns the provider public key in hex.
func (s *ProviderSigner) PublicKey() string { return s.pubkey }

// SignRequest sets the provider headers on r.
func (s *ProviderSigner) SignRequest(r *http.Request) error {
	ts := s.now().Unix()
	r.Header.Set(HeaderPublicKey, s.pubkey)
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, SignRequest(s.key, r.Method, r.URL.Path, ts))
	return nil
}
